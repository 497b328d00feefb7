package main

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/ladle-dev/ladle/pkg/config"
	"github.com/ladle-dev/ladle/pkg/models"
)

func newUsageCmd() *cobra.Command {
	var (
		configPath string
		days       int
	)

	cmd := &cobra.Command{
		Use:   "usage",
		Short: "Show per-day extraction usage and spend",
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

			since := models.Day(time.Now().AddDate(0, 0, -days))
			ledgers, err := counters.Ledgers(ctx, since)
			if err != nil {
				return err
			}

			if len(ledgers) == 0 {
				fmt.Println("No usage recorded.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "DAY\tREQUESTS\tESTIMATED COST\tTOKENS")
			for _, l := range ledgers {
				fmt.Fprintf(w, "%s\t%d\t%s\t%d\n",
					l.Day, l.RequestCount, l.EstimatedCost.StringFixed(4), l.TokensUsed)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "ladle.yaml", "path to config file")
	cmd.Flags().IntVar(&days, "days", 30, "number of days to show")
	return cmd
}

func newBudgetCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "budget",
		Short: "Show today's budget status",
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

			dailyCap, err := cfg.DailyCap()
			if err != nil {
				return err
			}

			ledger, err := counters.Ledger(ctx, models.Day(time.Now()))
			if err != nil {
				return err
			}

			remaining := dailyCap.Sub(ledger.EstimatedCost)
			if remaining.IsNegative() {
				remaining = decimal.Zero
			}

			fmt.Printf("Day:        %s\n", ledger.Day)
			fmt.Printf("Requests:   %d\n", ledger.RequestCount)
			fmt.Printf("Spent:      %s\n", ledger.EstimatedCost.StringFixed(4))
			fmt.Printf("Cap:        %s\n", dailyCap.StringFixed(2))
			fmt.Printf("Remaining:  %s\n", remaining.StringFixed(4))
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "ladle.yaml", "path to config file")
	return cmd
}
