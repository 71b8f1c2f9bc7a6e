package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/ksred/bracketd/internal/auth"
	"github.com/ksred/bracketd/internal/balance"
	"github.com/ksred/bracketd/internal/commission"
	"github.com/spf13/cobra"
)

func printJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func withApp(cmd *cobra.Command, rc *rootConfig, fn func(ctx context.Context, a *app) error) error {
	a, err := newApp(cmd.Context(), rc.cfg)
	if err != nil {
		return err
	}
	defer a.close()
	return fn(cmd.Context(), a)
}

func newReconcileCommissionsCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile-commissions",
		Short: "Run one commission reconciliation pass against the exchange trade history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rc, func(ctx context.Context, a *app) error {
				sum, err := commission.NewReconciler(a.store, a.client).Reconcile(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), sum)
			})
		},
	}
}

func newOrderStatusCmd(rc *rootConfig) *cobra.Command {
	return &cobra.Command{
		Use:   "order-status SYMBOL ORDER_ID",
		Short: "Show an order as the exchange reports it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rc, func(ctx context.Context, a *app) error {
				info, err := a.client.GetOrder(ctx, args[0], args[1])
				if err != nil {
					return fmt.Errorf("order %s on %s: %w", args[1], args[0], err)
				}
				return printJSON(cmd.OutOrStdout(), info)
			})
		},
	}
}

func newTokenCmd(rc *rootConfig) *cobra.Command {
	var (
		operator string
		readOnly bool
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint an operator token signed with the configured secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			perms := []string{auth.PermRead, auth.PermTrade}
			if readOnly {
				perms = []string{auth.PermRead}
			}
			tok, err := auth.NewService(rc.cfg.HTTP.JWTSecret, rc.cfg.HTTP.TokenTTL).IssueToken(operator, perms...)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), tok)
		},
	}
	cmd.Flags().StringVar(&operator, "operator", "cli", "operator name recorded in the token")
	cmd.Flags().BoolVar(&readOnly, "read-only", false, "grant only the read permission")
	return cmd
}

func newSnapshotBalanceCmd(rc *rootConfig) *cobra.Command {
	var report bool
	cmd := &cobra.Command{
		Use:   "snapshot-balance",
		Short: "Record the exchange account balance, optionally sending the report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, rc, func(ctx context.Context, a *app) error {
				svc := balance.NewService(a.store, a.client, a.notifier)
				rec, err := svc.Snapshot(ctx)
				if err != nil {
					return err
				}
				if report {
					if _, err := svc.SendReport(ctx); err != nil {
						return err
					}
				}
				return printJSON(cmd.OutOrStdout(), rec)
			})
		},
	}
	cmd.Flags().BoolVar(&report, "report", false, "also send the balance report notification")
	return cmd
}
