package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/systemshift/memex-mvcc/internal/dag"
	"github.com/systemshift/memex-mvcc/internal/mvcc"
)

func newLogCmd(g *globalFlags) *cobra.Command {
	var n int
	cmd := &cobra.Command{
		Use:   "log <branch>",
		Short: "Show the first-parent history of a branch, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withDB(cmd, func(ctx context.Context, s *session) error {
				commits, err := s.db.Log(ctx, args[0], n)
				if err != nil {
					return err
				}
				w := cmd.OutOrStdout()
				for _, c := range commits {
					parents := make([]string, len(c.Parents))
					for i, p := range c.Parents {
						parents[i] = p.String()
					}
					fmt.Fprintf(w, "commit %s\n", c.CID)
					if c.IsMerge() {
						fmt.Fprintf(w, "merge  %s\n", strings.Join(parents, " "))
					}
					fmt.Fprintf(w, "date   %s\n", c.Timestamp.Format("2006-01-02 15:04:05 MST"))
					fmt.Fprintf(w, "docs   %d\n", len(c.Touched))
					if c.Message != "" {
						fmt.Fprintf(w, "\n    %s\n", c.Message)
					}
					fmt.Fprintln(w)
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&n, "max-count", "n", 0, "Limit the number of commits (0 = all)")
	return cmd
}

// Conflict strategies for merge --strategy.
const (
	strategyFail   = "fail"
	strategyOurs   = "ours"
	strategyTheirs = "theirs"
)

func newMergeCmd(g *globalFlags) *cobra.Command {
	var (
		into     string
		strategy string
		message  string
	)
	cmd := &cobra.Command{
		Use:   "merge <from>",
		Short: "Three-way merge a branch into another",
		Long: `Merge the head of <from> into --into (master by default). Documents
changed on both sides to different contents are conflicts; with the default
strategy the merge then fails and lists them. --strategy ours or theirs
settles every conflict by taking that side.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch strategy {
			case strategyFail, strategyOurs, strategyTheirs:
			default:
				return fmt.Errorf("unknown strategy %q", strategy)
			}
			return g.withDB(cmd, func(ctx context.Context, s *session) error {
				opts := []mvcc.MergeOption{}
				if message != "" {
					opts = append(opts, mvcc.WithMergeMessage(message))
				}
				res, err := s.db.Merge(ctx, into, args[0], opts...)
				var conflict *mvcc.MergeConflictError
				if errors.As(err, &conflict) && strategy != strategyFail {
					opts = append(opts, mvcc.WithResolutions(resolveAll(conflict, strategy == strategyTheirs)))
					res, err = s.db.Merge(ctx, into, args[0], opts...)
				}
				if errors.As(err, &conflict) {
					w := cmd.OutOrStdout()
					for _, c := range conflict.Conflicts {
						fmt.Fprintf(w, "conflict %s ours=%s theirs=%s\n", c.UID, c.Ours.CID, c.Theirs.CID)
					}
				}
				if err != nil {
					return err
				}
				if res.AlreadyMerged {
					fmt.Fprintf(cmd.OutOrStdout(), "already up to date\n")
					return nil
				}
				fmt.Fprintf(cmd.OutOrStdout(), "merged %s into %s at %s (base %s, %d documents, %d resolved)\n",
					res.From, res.Into, res.CID, res.Base, len(res.Written), len(res.Resolved))
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&into, "into", dag.MasterBranch, "Branch to merge into")
	cmd.Flags().StringVar(&strategy, "strategy", strategyFail, "Conflict handling: fail, ours or theirs")
	cmd.Flags().StringVarP(&message, "message", "m", "", "Merge commit message")
	return cmd
}

// resolveAll settles every conflict by taking one side.
func resolveAll(conflict *mvcc.MergeConflictError, theirs bool) map[dag.UID]mvcc.Resolution {
	out := make(map[dag.UID]mvcc.Resolution, len(conflict.Conflicts))
	for _, c := range conflict.Conflicts {
		rev := c.Ours
		if theirs {
			rev = c.Theirs
		}
		out[c.UID] = mvcc.Resolution{Payload: rev.Payload, Delete: rev.Deleted}
	}
	return out
}

func newGCCmd(g *globalFlags) *cobra.Command {
	var daemon bool
	cmd := &cobra.Command{
		Use:   "gc",
		Short: "Delete commits and revisions no branch can reach",
		Long: `Run one garbage collection sweep, or with --daemon keep sweeping every
gc.interval until interrupted. A sweep cut short by batch_size or a crash
resumes from gc.checkpoint on the next run.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return g.withDB(cmd, func(ctx context.Context, s *session) error {
				gc := s.db.GC()
				if daemon {
					if err := gc.Start(); err != nil {
						return err
					}
					waitForSignal(ctx)
					if err := gc.Stop(); err != nil {
						return err
					}
					st := gc.Stats()
					fmt.Fprintf(cmd.OutOrStdout(), "%d sweeps, %d commits, %d revisions collected\n",
						st.TotalRuns, st.TotalCommitsCollected, st.TotalRevisionsCollected)
					return nil
				}
				res, err := gc.Collect(ctx)
				if err != nil {
					return err
				}
				resumed := ""
				if res.Resumed {
					resumed = " (resumed)"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "sweep %s%s: %d commits, %d revisions collected, %d pending\n",
					res.SweepID, resumed, res.Commits, res.Revisions, res.Pending)
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&daemon, "daemon", false, "Keep sweeping every gc.interval until interrupted")
	return cmd
}

// waitForSignal blocks until SIGINT, SIGTERM or ctx is done.
func waitForSignal(ctx context.Context) {
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(done)
	select {
	case <-done:
	case <-ctx.Done():
	}
}
