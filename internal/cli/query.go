package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tutu-network/backbone/internal/app/audit"
	"github.com/tutu-network/backbone/internal/daemon"
)

func init() {
	rootCmd.AddCommand(balanceCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(auditCmd)

	historyCmd.Flags().IntP("limit", "n", 20, "Number of entries to show (0 = all)")
	auditCmd.Flags().Int64SliceP("user", "u", nil, "Scan only these user IDs (repeatable)")
	auditCmd.Flags().Bool("dry-run", false, "Report only, apply no corrections")
}

// ─── balance ────────────────────────────────────────────────────────────────

var balanceCmd = &cobra.Command{
	Use:   "balance USER_ID",
	Short: "Show a user's points balance",
	Args:  cobra.ExactArgs(1),
	RunE:  runBalance,
}

func runBalance(cmd *cobra.Command, args []string) error {
	userID, err := parseUserID(args[0])
	if err != nil {
		return err
	}
	return withDaemon(func(d *daemon.Daemon) error {
		acct, err := d.Ledger.Account(cmd.Context(), userID)
		if err != nil {
			return err
		}
		if acct == nil {
			fmt.Fprintf(cmd.OutOrStdout(), "user %d: 0 points (no account)\n", userID)
			return nil
		}
		suffix := ""
		if acct.Purged {
			suffix = " (purged)"
		}
		fmt.Fprintf(cmd.OutOrStdout(), "user %d: %d points%s\n", userID, acct.Balance, suffix)
		return nil
	})
}

// ─── history ────────────────────────────────────────────────────────────────

var historyCmd = &cobra.Command{
	Use:   "history USER_ID",
	Short: "List a user's ledger entries, newest first",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistory,
}

func runHistory(cmd *cobra.Command, args []string) error {
	userID, err := parseUserID(args[0])
	if err != nil {
		return err
	}
	limit, _ := cmd.Flags().GetInt("limit")
	return withDaemon(func(d *daemon.Daemon) error {
		entries, err := d.Ledger.History(cmd.Context(), userID, limit)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(entries) == 0 {
			fmt.Fprintf(out, "no entries for user %d\n", userID)
			return nil
		}
		for _, e := range entries {
			fmt.Fprintf(out, "%6d  %s  %+8d  %8d  %s",
				e.ID, e.Timestamp.Format("2006-01-02 15:04:05"), e.Amount, e.BalanceAfter, e.Source)
			if e.Description != "" {
				fmt.Fprintf(out, "  %s", e.Description)
			}
			fmt.Fprintln(out)
		}
		return nil
	})
}

// ─── audit ──────────────────────────────────────────────────────────────────

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Run a one-shot consistency scan and print the report as JSON",
	Long: `Scan every user, or only the ones given with --user, across the ledger
and the feature modules. Auto-correctable issues are fixed unless --dry-run
is set. The full report is printed as JSON.`,
	Args: cobra.NoArgs,
	RunE: runAudit,
}

func runAudit(cmd *cobra.Command, args []string) error {
	users, _ := cmd.Flags().GetInt64Slice("user")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	return withDaemon(func(d *daemon.Daemon) error {
		res, err := d.Auditor.Scan(cmd.Context(), audit.ScanOptions{
			UserIDs: users,
			DryRun:  dryRun,
			Scope:   "cli",
		})
		if perr := printJSON(cmd.OutOrStdout(), res); perr != nil {
			return perr
		}
		return err
	})
}

func parseUserID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid user id %q", s)
	}
	return id, nil
}
