package main

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	// Optional .env for local development; a missing file is fine.
	_ = godotenv.Load()

	root := &cobra.Command{
		Use:     "ladle",
		Short:   "Ladle is an admission gate for recipe extraction services",
		Version: version,
	}

	root.AddCommand(
		newServeCmd(),
		newUsageCmd(),
		newBudgetCmd(),
		newBlockCmd(),
		newCacheCmd(),
		newAuditCmd(),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
