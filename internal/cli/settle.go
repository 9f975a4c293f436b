package cli

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/linhsiu/gofepd/internal/config"
	"github.com/linhsiu/gofepd/internal/settlement"
	"github.com/linhsiu/gofepd/internal/storage/kvstore"
	"github.com/linhsiu/gofepd/internal/storage/settledb"
)

var (
	// Settle flags
	settleDate   string
	settleDryRun bool
	settleBy     string
)

var settleCmd = &cobra.Command{
	Use:   "settle",
	Short: "Clearing file reconciliation and net positions",
}

var settleRunCmd = &cobra.Command{
	Use:   "run <clearing-file>",
	Short: "Reconcile a clearing file and compute net positions",
	Long: `Parse a daily clearing file, match every detail record against the
local transaction store, net the matched records per counterparty and
persist the resulting positions to the settlement database.

Run this after cutover against a stopped gateway or a copy of its
transaction store; the store admits a single process.`,
	Args: cobra.ExactArgs(1),
	RunE: runSettle,
}

var settlePositionsCmd = &cobra.Command{
	Use:   "positions <date>",
	Short: "Show the clearing positions of one business day (YYYYMMDD)",
	Args:  cobra.ExactArgs(1),
	RunE:  runPositions,
}

var settleConfirmCmd = &cobra.Command{
	Use:   "confirm <clearing-id>",
	Short: "Confirm a calculated position for submission",
	Args:  cobra.ExactArgs(1),
	RunE:  runConfirm,
}

func init() {
	rootCmd.AddCommand(settleCmd)
	settleCmd.AddCommand(settleRunCmd, settlePositionsCmd, settleConfirmCmd)

	settleRunCmd.Flags().StringVar(&settleDate, "date", "", "business date override (YYYYMMDD, default: file header)")
	settleRunCmd.Flags().BoolVar(&settleDryRun, "dry-run", false, "match and net without persisting")
	settleConfirmCmd.Flags().StringVar(&settleBy, "operator", "", "operator confirming the position")
}

// openSettleDB opens the settlement database or explains what is
// missing from the configuration.
func openSettleDB(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*settledb.Store, error) {
	if !cfg.Settlement.Enabled() {
		return nil, fmt.Errorf("settlement is not configured: set settlement.our_bank and settlement.dsn")
	}
	db, err := settledb.New(cfg.Settlement.ToSettleDB(), log)
	if err != nil {
		return nil, err
	}
	if err := db.Open(ctx); err != nil {
		return nil, err
	}
	return db, nil
}

func runSettle(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	if cfg.Settlement.OurBank == "" {
		return fmt.Errorf("settlement.our_bank is not configured")
	}
	ctx := cmd.Context()

	f, err := os.Open(args[0])
	if err != nil {
		return err
	}
	defer f.Close()
	file, err := settlement.Parse(f)
	if err != nil {
		return fmt.Errorf("parse %s: %w", args[0], err)
	}
	date := file.Header.BusinessDate
	if settleDate != "" {
		date = settleDate
	}

	store, err := kvstore.Open(cfg.Storage.ToKVStore(), log)
	if err != nil {
		return fmt.Errorf("open transaction store: %w", err)
	}
	defer store.Close()

	stats, err := settlement.NewMatcher(store, log).Match(ctx, file.Details)
	if err != nil {
		return err
	}

	eng := settlement.NewEngine(cfg.Settlement.OurBank, log)
	positions := eng.Net(date, file.Details)
	sum := eng.Summarize(date, positions)

	if !settleDryRun {
		db, err := openSettleDB(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer db.Close()
		if err := db.SaveRecords(ctx, file.Header.FileID, file.Details); err != nil {
			return err
		}
		if err := db.SaveClearing(ctx, positions); err != nil {
			return err
		}
	}

	fmt.Printf("file %s  business date %s\n", file.Header.FileID, date)
	fmt.Printf("details: %d matched, %d unmatched, %d disputed\n",
		stats.Matched, stats.Unmatched, stats.Disputed)
	printPositions(positions)
	fmt.Printf("receivable %s  payable %s\n",
		sum.NetReceivable.StringFixed(2), sum.NetPayable.StringFixed(2))
	if settleDryRun {
		fmt.Println("dry run: nothing persisted")
	}
	return nil
}

func runPositions(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	db, err := openSettleDB(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	positions, err := db.ClearingByDate(ctx, args[0])
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		fmt.Printf("no positions for %s\n", args[0])
		return nil
	}
	printPositions(positions)
	return nil
}

func runConfirm(cmd *cobra.Command, args []string) error {
	if settleBy == "" {
		return fmt.Errorf("--operator is required")
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cfg)
	if err != nil {
		return err
	}
	ctx := cmd.Context()

	db, err := openSettleDB(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := db.UpdateClearingStatus(ctx, args[0], settlement.Confirmed, settleBy); err != nil {
		return err
	}
	fmt.Printf("position %s confirmed by %s\n", args[0], settleBy)
	return nil
}

func printPositions(positions []*settlement.ClearingRecord) {
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tCOUNTERPARTY\tDEBIT\tCREDIT\tNET\tSTATUS")
	for _, cr := range positions {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			cr.ID, cr.Counterparty,
			cr.DebitAmount.StringFixed(2), cr.CreditAmount.StringFixed(2),
			cr.NetAmount.StringFixed(2), cr.Status)
	}
	w.Flush()
}
