package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/arloliu/go-pzem/serlock"
)

func newStatusCmd(a *app) *cobra.Command {
	var lockDir string

	cmd := &cobra.Command{
		Use:   "status device",
		Short: "Show the processes queued for a serial port",
		Args:  deviceArg,
		RunE: func(cmd *cobra.Command, args []string) error {
			coord, err := serlock.NewCoordinator(serlock.WithLockDir(lockDir))
			if err != nil {
				return fmt.Errorf("%w: %w", errUsage, err)
			}

			path, err := coord.LockPath(args[0])
			if err != nil {
				return fmt.Errorf("%w: %w", errUsage, err)
			}

			queue, err := coord.Queue(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			if len(queue) == 0 {
				fmt.Fprintf(a.stdout, "%s: free\n", path)
				return nil
			}

			fmt.Fprintf(a.stdout, "%s:\n", path)
			for i, e := range queue {
				role := "waiting"
				if i == 0 {
					role = "owner"
				}
				fmt.Fprintf(a.stdout, "%3d  %-8s %s\n", i, role, e)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&lockDir, "lock-dir", serlock.DefaultLockDir, "directory holding serial port lock files")

	return cmd
}
