package main

import (
	"context"
	"os"

	"github.com/spf13/cobra"

	memexfuse "github.com/systemshift/memex-mvcc/internal/fuse"
)

func newMountCmd(g *globalFlags) *cobra.Command {
	var debug bool
	cmd := &cobra.Command{
		Use:   "mount <mountpoint>",
		Short: "Mount the database as a read-only file tree",
		Long: `Mount the database read-only at <mountpoint>:

  branches/<branch>/HEAD
  branches/<branch>/log/<n>
  branches/<branch>/<collection>/<uid>.json
  commits/<cid>/<collection>/<uid>.json

Runs background garbage collection when gc.interval is set. Unmounts on
SIGINT or SIGTERM.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			mountpoint := args[0]
			if err := os.MkdirAll(mountpoint, 0o755); err != nil {
				return err
			}
			return g.withDB(cmd, func(ctx context.Context, s *session) error {
				if s.cfg.GC.Interval > 0 {
					if err := s.db.GC().Start(); err != nil {
						return err
					}
					defer s.db.GC().Stop()
				}

				server, err := memexfuse.MountFS(mountpoint, s.db, debug)
				if err != nil {
					return err
				}
				go func() {
					waitForSignal(ctx)
					s.logger.Info("shutting down")
					server.Unmount()
				}()

				s.logger.Info("ready", "pid", os.Getpid(), "mountpoint", mountpoint)
				server.Wait()
				s.logger.Info("stopped")
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&debug, "debug", false, "Log every FUSE request")
	return cmd
}
