package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/ladle-dev/ladle/pkg/config"
	"github.com/ladle-dev/ladle/pkg/models"
)

func newBlockCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "block",
		Short: "Manage the client denylist",
	}

	var (
		reason string
		until  string
	)
	addCmd := &cobra.Command{
		Use:   "add <client-key>",
		Short: "Block a client, permanently or until a given time",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx := context.Background()
			counters, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = counters.Close() }()

			b := models.BlockedClient{
				ClientKey: args[0],
				Reason:    reason,
				BlockedAt: time.Now().UTC(),
			}
			if until != "" {
				t, err := time.Parse(time.RFC3339, until)
				if err != nil {
					return fmt.Errorf("invalid --until (use RFC3339): %w", err)
				}
				b.BlockedUntil = &t
			}

			if err := counters.Block(ctx, b); err != nil {
				return err
			}
			fmt.Printf("Blocked %s\n", args[0])
			return nil
		},
	}
	addCmd.Flags().StringVar(&reason, "reason", "manual block", "why the client is blocked")
	addCmd.Flags().StringVar(&until, "until", "", "block expiry (RFC3339); empty means permanent")

	rmCmd := &cobra.Command{
		Use:   "rm <client-key>",
		Short: "Unblock a client",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx := context.Background()
			counters, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = counters.Close() }()

			if err := counters.Unblock(ctx, args[0]); err != nil {
				return err
			}
			fmt.Printf("Unblocked %s\n", args[0])
			return nil
		},
	}

	lsCmd := &cobra.Command{
		Use:   "ls",
		Short: "List blocked clients",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			ctx := context.Background()
			counters, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			defer func() { _ = counters.Close() }()

			blocked, err := counters.ListBlocked(ctx)
			if err != nil {
				return err
			}
			if len(blocked) == 0 {
				fmt.Println("No blocked clients.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "CLIENT\tREASON\tBLOCKED AT\tUNTIL")
			for _, b := range blocked {
				untilStr := "permanent"
				if b.BlockedUntil != nil {
					untilStr = b.BlockedUntil.Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					b.ClientKey, b.Reason, b.BlockedAt.Format(time.RFC3339), untilStr)
			}
			return w.Flush()
		},
	}

	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "ladle.yaml", "path to config file")
	cmd.AddCommand(addCmd, rmCmd, lsCmd)
	return cmd
}
