// invoicectl is the operator CLI: audit chain checks, suspicious-identity
// flags and invoice/payment lookups, run against the same stores as the
// server.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var Version = "dev"

func main() {
	rootCmd := &cobra.Command{
		Use:          "invoicectl",
		Short:        "Operate an invoice guard deployment",
		Version:      Version,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(flagCmd())
	rootCmd.AddCommand(unflagCmd())
	rootCmd.AddCommand(flagsCmd())
	rootCmd.AddCommand(invoiceCmd())
	rootCmd.AddCommand(paymentsCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
