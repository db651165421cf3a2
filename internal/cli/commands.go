package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/spf13/cobra"

	"github.com/dante4rt/tuition-escrow-dapp/internal/deposit"
	"github.com/dante4rt/tuition-escrow-dapp/internal/payments"
	"github.com/dante4rt/tuition-escrow-dapp/internal/wallet"
)

func (a *App) newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and keep the payment list in sync",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if _, err := a.connect(ctx); err != nil {
				// the API still serves reads without a wallet
				a.lggr.Warnw("Wallet not connected", "err", err)
			}
			return a.rt.Serve(ctx)
		},
	}
}

func (a *App) newPaymentsCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "payments",
		Short: "List every escrow payment, pending first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if err := a.rt.Payments.Refresh(cmd.Context()); err != nil {
				return errors.New(a.rt.Payments.Snapshot().Error)
			}
			snap := a.rt.Payments.Snapshot()
			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(snap)
			}
			if len(snap.Payments) == 0 {
				fmt.Fprintln(out, "No payments found.")
				return nil
			}
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tSTATUS\tAMOUNT\tINVOICE\tPAYER\tUNIVERSITY\tDEPOSITED")
			for _, p := range snap.Payments {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					p.ID.Hex(), p.StatusText, p.AmountFormatted, blank(p.InvoiceRef),
					p.Payer.Hex(), p.University.Hex(), p.DepositTimestamp.Format(time.RFC3339))
			}
			if snap.SkippedLogs > 0 {
				fmt.Fprintf(tw, "\n%d deposit log(s) could not be decoded and were skipped\n", snap.SkippedLogs)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the snapshot as JSON")
	return cmd
}

func (a *App) newDepositCmd() *cobra.Command {
	var form deposit.Form
	cmd := &cobra.Command{
		Use:   "deposit",
		Short: "Approve the token and deposit tuition into the escrow",
		Example: `  escrow deposit --university "Metropolis University" --amount 1250.50 --ref INV-2024-001
  escrow deposit --university 0x6813Eb9362372EEF6200f3b1dbC3f819671cBA69 --amount 10 --ref INV-7`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if _, err := a.connect(ctx); err != nil {
				return err
			}
			uni, err := resolveUniversity(a.rt.Deposits.Universities(), form.University)
			if err != nil {
				return err
			}
			form.University = uni

			stop := a.followNotifications(cmd.ErrOrStderr())
			res, err := a.rt.Deposits.Submit(ctx, form)
			stop()
			if err != nil {
				if msg := a.rt.Deposits.Snapshot().LastError; msg != "" {
					return errors.New(msg)
				}
				return err
			}

			out := cmd.OutOrStdout()
			if res.PaymentID != nil {
				fmt.Fprintf(out, "payment:  %s\n", res.PaymentID.Hex())
			}
			fmt.Fprintf(out, "approve:  %s\n", res.ApproveTx.Hex())
			fmt.Fprintf(out, "deposit:  %s\n", res.DepositTx.Hex())
			return nil
		},
	}
	cmd.Flags().StringVarP(&form.University, "university", "u", "", "University name or address")
	cmd.Flags().StringVarP(&form.Amount, "amount", "a", "", "Amount in whole tokens, e.g. 1250.50")
	cmd.Flags().StringVarP(&form.InvoiceRef, "ref", "r", "", "Invoice reference")
	_ = cmd.MarkFlagRequired("university")
	_ = cmd.MarkFlagRequired("amount")
	_ = cmd.MarkFlagRequired("ref")
	return cmd
}

func (a *App) newActionCmd(kind payments.ActionKind) *cobra.Command {
	verb := "Release a pending payment to its university"
	if kind == payments.ActionRefund {
		verb = "Refund a pending payment to its payer"
	}
	return &cobra.Command{
		Use:   string(kind) + " <payment-id>",
		Short: verb + " (admin only)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			id, err := parsePaymentID(args[0])
			if err != nil {
				return err
			}
			if _, err := a.connect(ctx); err != nil {
				return err
			}

			stop := a.followNotifications(cmd.ErrOrStderr())
			defer stop()

			var action *payments.Action
			if kind == payments.ActionRefund {
				action, err = a.rt.Payments.Refund(ctx, id)
			} else {
				action, err = a.rt.Payments.Release(ctx, id)
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "submitted: %s\n", action.Tx.Hex())

			select {
			case err := <-action.Done:
				stop()
				if err != nil {
					if msg := a.rt.Payments.Snapshot().LastActionError; msg != "" {
						return errors.New(msg)
					}
					return err
				}
			case <-ctx.Done():
				return ctx.Err()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s confirmed for %s\n", kind, shortID(id.Hex()))
			return nil
		},
	}
}

func (a *App) newWhoamiCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the connected account and whether it is an escrow admin",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.connect(cmd.Context())
			if err != nil && !errors.Is(err, wallet.ErrWrongNetwork) {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "address:  %s\n", s.Address.Hex())
			fmt.Fprintf(out, "chain:    %d\n", s.ChainID)
			if s.WrongNetwork {
				fmt.Fprintf(out, "network:  wrong, expected %d\n", a.rt.Wallet.ExpectedChainID())
			}
			fmt.Fprintf(out, "admin:    %t\n", a.rt.Admin.Status().IsAdmin)
			return nil
		},
	}
}

func (a *App) newBalanceCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "balance",
		Short: "Show the token balance and the quick-fill amounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			if _, err := a.connect(ctx); err != nil {
				return err
			}
			b, err := a.rt.Deposits.Balance(ctx)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "balance:  %s\n", b.Formatted)
			presets := make([]string, 0, len(b.Presets))
			for _, p := range b.Presets {
				presets = append(presets, fmt.Sprintf("%d%%=%s", p.Percent, p.Amount))
			}
			fmt.Fprintf(out, "presets:  %s\n", strings.Join(presets, " "))
			return nil
		},
	}
}

// resolveUniversity accepts a directory name (case-insensitive) or an address.
func resolveUniversity(unis []deposit.University, arg string) (string, error) {
	arg = strings.TrimSpace(arg)
	for _, u := range unis {
		if strings.EqualFold(u.Name, arg) {
			return u.Address.Hex(), nil
		}
	}
	if common.IsHexAddress(arg) {
		return arg, nil
	}
	names := make([]string, 0, len(unis))
	for _, u := range unis {
		names = append(names, u.Name)
	}
	return "", fmt.Errorf("unknown university %q, choose one of: %s", arg, strings.Join(names, ", "))
}

func parsePaymentID(raw string) (common.Hash, error) {
	b, err := hexutil.Decode(strings.TrimSpace(raw))
	if err != nil || len(b) != common.HashLength {
		return common.Hash{}, fmt.Errorf("invalid payment id %q: want 0x followed by 64 hex digits", raw)
	}
	return common.BytesToHash(b), nil
}
