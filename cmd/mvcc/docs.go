package main

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/systemshift/memex-mvcc/internal/dag"
	"github.com/systemshift/memex-mvcc/internal/mvcc"
)

func newCheckoutCmd(g *globalFlags) *cobra.Command {
	var (
		collection string
		at         string
		where      []string
	)
	cmd := &cobra.Command{
		Use:   "checkout <branch>",
		Short: "Print the documents visible on a branch",
		Long: `Print the documents visible at the head of a branch, one JSON object
per line, in UID order. --at reads a fixed commit instead.

Examples:
  mvcc checkout master
  mvcc checkout master --collection persons --where address.city=Darmstadt
  mvcc checkout --at 0000000000000003`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			query, err := parseWhere(where)
			if err != nil {
				return err
			}
			return g.withDB(cmd, func(ctx context.Context, s *session) error {
				b, err := checkoutArg(ctx, s.db, args, at)
				if err != nil {
					return err
				}
				snap, err := b.Snapshot(ctx)
				if err != nil {
					return err
				}
				cols := []string{collection}
				if collection == "" {
					cols = snap.Collections()
				}
				enc := json.NewEncoder(cmd.OutOrStdout())
				for _, name := range cols {
					cur, err := b.Collection(name).Find(ctx, query)
					if err != nil {
						return err
					}
					for cur.Next() {
						if err := enc.Encode(cur.Document()); err != nil {
							cur.Close()
							return err
						}
					}
					if err := cur.Err(); err != nil {
						return err
					}
					cur.Close()
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&collection, "collection", "", "Only this collection")
	cmd.Flags().StringVar(&at, "at", "", "Read a commit (hex CID) instead of a branch head")
	cmd.Flags().StringArrayVar(&where, "where", nil, "Equality filter path=value; value is JSON or a bare string")
	return cmd
}

func checkoutArg(ctx context.Context, db *mvcc.Database, args []string, at string) (*mvcc.Branch, error) {
	if at != "" {
		cid, err := dag.ParseCID(at)
		if err != nil {
			return nil, err
		}
		return db.CheckoutCommit(ctx, cid)
	}
	if len(args) == 0 {
		return nil, fmt.Errorf("checkout needs a branch or --at")
	}
	return db.Checkout(ctx, args[0])
}

// parseWhere turns path=value pairs into a Query.
func parseWhere(pairs []string) (mvcc.Query, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	q := make(mvcc.Query, len(pairs))
	for _, p := range pairs {
		path, raw, ok := strings.Cut(p, "=")
		if !ok || path == "" {
			return nil, fmt.Errorf("bad filter %q, want path=value", p)
		}
		var v interface{}
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			v = raw
		}
		q[path] = v
	}
	return q, nil
}

func newPutCmd(g *globalFlags) *cobra.Command {
	var (
		uidArg  string
		message string
	)
	cmd := &cobra.Command{
		Use:   "put <branch> <collection> <json>",
		Short: "Insert a document, or replace one with --uid, and commit",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			var payload map[string]interface{}
			if err := json.Unmarshal([]byte(args[2]), &payload); err != nil {
				return fmt.Errorf("parse document: %w", err)
			}
			return g.withDB(cmd, func(ctx context.Context, s *session) error {
				b, err := s.db.Checkout(ctx, args[0])
				if err != nil {
					return err
				}
				col := b.Collection(args[1])
				var uid dag.UID
				if uidArg != "" {
					if uid, err = dag.ParseUID(uidArg); err != nil {
						return err
					}
					err = col.Update(ctx, uid, payload)
				} else {
					uid, err = col.Insert(ctx, payload)
				}
				if err != nil {
					return err
				}
				cid, err := b.Commit(ctx, mvcc.WithMessage(message))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", uid, cid)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&uidArg, "uid", "", "Replace this document (hex UID) instead of inserting")
	cmd.Flags().StringVarP(&message, "message", "m", "", "Commit message")
	return cmd
}

func newRmCmd(g *globalFlags) *cobra.Command {
	var message string
	cmd := &cobra.Command{
		Use:   "rm <branch> <collection> <uid>",
		Short: "Delete a document and commit",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			uid, err := dag.ParseUID(args[2])
			if err != nil {
				return err
			}
			return g.withDB(cmd, func(ctx context.Context, s *session) error {
				b, err := s.db.Checkout(ctx, args[0])
				if err != nil {
					return err
				}
				if err := b.Collection(args[1]).Delete(ctx, uid); err != nil {
					return err
				}
				cid, err := b.Commit(ctx, mvcc.WithMessage(message))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", uid, cid)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&message, "message", "m", "", "Commit message")
	return cmd
}
