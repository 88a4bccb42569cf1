package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func newReconcileCommand(env Env) *cobra.Command {
	var (
		all   bool
		limit int
	)
	cmd := &cobra.Command{
		Use:   "reconcile [batch-id]",
		Short: "Anchor batches whose tokens exist on the ledger",
		Long: "Reconcile one batch by id, or with --all every batch that has an open mint attempt. " +
			"Reconcile never submits a new mint.",
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if all == (len(args) == 1) {
				return errors.New("pass exactly one of a batch id or --all")
			}
			backend, err := env.OpenBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if all {
				report, err := backend.ReconcilePending(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if err := enc.Encode(report); err != nil {
					return err
				}
				if report.Failed > 0 {
					return fmt.Errorf("%d batches failed to reconcile", report.Failed)
				}
				return nil
			}
			out, err := backend.Reconcile(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return enc.Encode(out)
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "reconcile every batch with an open mint attempt")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum batches to check with --all")
	return cmd
}

func newPartnersCommand(env Env) *cobra.Command {
	partners := &cobra.Command{
		Use:   "partners",
		Short: "Partnership maintenance",
	}
	var limit int
	repair := &cobra.Command{
		Use:   "repair",
		Short: "Restore partnerships missing their inverse edge",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			backend, err := env.OpenBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()
			n, err := backend.RepairPairs(cmd.Context(), limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "repaired %d pairs\n", n)
			return nil
		},
	}
	repair.Flags().IntVar(&limit, "limit", 500, "maximum half pairs to repair")
	partners.AddCommand(repair)
	return partners
}

func newProvenanceCommand(env Env) *cobra.Command {
	provenance := &cobra.Command{
		Use:   "provenance",
		Short: "Provenance tree maintenance",
	}
	provenance.AddCommand(&cobra.Command{
		Use:   "invalidate",
		Short: "Drop every cached provenance tree",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			backend, err := env.OpenBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()
			if err := backend.InvalidateTrees(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "provenance cache invalidated")
			return nil
		},
	})
	return provenance
}

func newTransfersCommand(env Env) *cobra.Command {
	transfers := &cobra.Command{
		Use:   "transfers",
		Short: "Transfer ledger exports",
	}
	var output string
	export := &cobra.Command{
		Use:   "export <address>",
		Short: "Write the movements of an address as an XLSX workbook",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			backend, err := env.OpenBackend(cmd.Context())
			if err != nil {
				return err
			}
			defer backend.Close()

			w := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			return backend.ExportTransfers(cmd.Context(), args[0], w)
		},
	}
	export.Flags().StringVarP(&output, "output", "o", "", "file to write, stdout when empty")
	transfers.AddCommand(export)
	return transfers
}
