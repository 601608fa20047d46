package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newQueuesCmd() *cobra.Command {
	queuesCmd := &cobra.Command{Use: "queues", Short: "Owner queue administration"}

	createCmd := &cobra.Command{
		Use:   "create <owner>",
		Short: "Create the owner's queue if it does not exist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := newClients(ctx, cmd, cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			dir, err := newDirectory(ctx, c, cfg, logger)
			if err != nil {
				return err
			}
			addr, err := dir.GetOrCreate(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), addr)
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete <owner>",
		Short: "Delete the owner's durable queue",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := newLogger(os.Stderr, cfg.LogLevel, cfg.LogFormat)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			c, err := newClients(ctx, cmd, cfg)
			if err != nil {
				return err
			}
			defer c.Close()

			dir, err := newDirectory(ctx, c, cfg, logger)
			if err != nil {
				return err
			}
			// Without a persisted mapping the address is resolved through the
			// broker; creating an existing queue returns its address.
			if _, ok := dir.Lookup(args[0]); !ok {
				if _, err := dir.GetOrCreate(ctx, args[0]); err != nil {
					return err
				}
			}
			existed, err := dir.Delete(ctx, args[0])
			if err != nil {
				return err
			}
			if !existed {
				return fmt.Errorf("no queue known for owner %q", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted queue for %s\n", args[0])
			return nil
		},
	}

	queuesCmd.AddCommand(createCmd, deleteCmd)
	return queuesCmd
}
