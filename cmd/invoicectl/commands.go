package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

// withBackend opens the stores for the duration of one command.
func withBackend(fn func(cmd *cobra.Command, b *backend, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		b, err := openBackend(cmd.Context())
		if err != nil {
			return err
		}
		defer b.close()
		return fn(cmd, b, args)
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func auditCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "Audit log operations",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Replay the audit hash chain from genesis",
		Args:  cobra.NoArgs,
		RunE: withBackend(func(cmd *cobra.Command, b *backend, _ []string) error {
			rep, err := b.svc.AuditIntegrity(cmd.Context())
			if err != nil {
				return err
			}
			if err := printJSON(rep); err != nil {
				return err
			}
			if !rep.Valid {
				return errors.New("audit chain is corrupted")
			}
			return nil
		}),
	})
	return cmd
}

func flagCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flag <ip:addr|wallet:addr>",
		Short: "Deny an identity until it is unflagged",
		Args:  cobra.ExactArgs(1),
		RunE: withBackend(func(cmd *cobra.Command, b *backend, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			if err := b.svc.Flag(cmd.Context(), args[0], reason); err != nil {
				return err
			}
			fmt.Printf("flagged %s\n", args[0])
			return nil
		}),
	}
	cmd.Flags().StringP("reason", "r", "operator", "Reason recorded with the flag")
	return cmd
}

func unflagCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "unflag <ip:addr|wallet:addr>",
		Short: "Clear a flag and its violation counter",
		Args:  cobra.ExactArgs(1),
		RunE: withBackend(func(cmd *cobra.Command, b *backend, args []string) error {
			if err := b.svc.Unflag(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Printf("unflagged %s\n", args[0])
			return nil
		}),
	}
}

func flagsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flags",
		Short: "List flagged identities",
		Args:  cobra.NoArgs,
		RunE: withBackend(func(cmd *cobra.Command, b *backend, _ []string) error {
			flags, err := b.svc.Flagged(cmd.Context())
			if err != nil {
				return err
			}
			if len(flags) == 0 {
				fmt.Println("no flagged identities")
				return nil
			}
			for id, reason := range flags {
				fmt.Printf("%-50s %s\n", id, reason)
			}
			return nil
		}),
	}
}

func invoiceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "invoice",
		Short: "Invoice lookups",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "show <id>",
		Short: "Print an invoice and whether its signature still verifies",
		Args:  cobra.ExactArgs(1),
		RunE: withBackend(func(cmd *cobra.Command, b *backend, args []string) error {
			view, err := b.svc.GetInvoice(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(view)
		}),
	})
	return cmd
}

func paymentsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "payments",
		Short: "Payment lookups",
	}
	unmatched := &cobra.Command{
		Use:   "unmatched",
		Short: "List verified payments that settled no invoice, newest first",
		Args:  cobra.NoArgs,
		RunE: withBackend(func(cmd *cobra.Command, b *backend, _ []string) error {
			limit, _ := cmd.Flags().GetInt64("limit")
			list, err := b.svc.UnmatchedPayments(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(list)
		}),
	}
	unmatched.Flags().Int64P("limit", "n", 100, "Maximum results")
	cmd.AddCommand(unmatched)
	return cmd
}
