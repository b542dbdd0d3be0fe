package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/systemshift/memex-mvcc/internal/dag"
)

func newInitCmd(g *globalFlags) *cobra.Command {
	var writeConfig bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Create the database with an empty master branch",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withDB(cmd, func(ctx context.Context, s *session) error {
				head, err := s.db.Head(ctx, dag.MasterBranch)
				if err != nil {
					return err
				}
				if writeConfig {
					if err := s.cfg.Save(g.configPath); err != nil {
						return err
					}
				}
				fmt.Fprintf(cmd.OutOrStdout(), "initialized %s (%s), master at %s\n",
					s.cfg.Storage.Path, s.cfg.Storage.Driver, head)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&writeConfig, "write-config", false, "Also write the effective configuration to --config")
	return cmd
}

func newBranchCmd(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "branch",
		Short: "List, create and delete branches",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List branches and their heads",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withDB(cmd, func(ctx context.Context, s *session) error {
				refs, err := s.db.Branches(ctx)
				if err != nil {
					return err
				}
				for _, ref := range refs {
					fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", ref.Head, ref.Name)
				}
				return nil
			})
		},
	}

	var from string
	create := &cobra.Command{
		Use:   "create <name>",
		Short: "Create a branch at the head of another",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withDB(cmd, func(ctx context.Context, s *session) error {
				ref, err := s.db.CreateBranch(ctx, args[0], from)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", ref.Head, ref.Name)
				return nil
			})
		},
	}
	create.Flags().StringVar(&from, "from", dag.MasterBranch, "Branch to start from")

	del := &cobra.Command{
		Use:     "delete <name>",
		Aliases: []string{"rm"},
		Short:   "Delete a branch; its unmerged commits become garbage",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withDB(cmd, func(ctx context.Context, s *session) error {
				if err := s.db.DeleteBranch(ctx, args[0]); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", args[0])
				return nil
			})
		},
	}

	cmd.AddCommand(list, create, del)
	return cmd
}
