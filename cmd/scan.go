package cmd

import (
	"encoding/json"
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/rfp-scanner/internal/crawler"
)

type scanFlags struct {
	categories []string
	stateCode  string
	noStage2   bool
}

func newScanCmd() *cobra.Command {
	var flags scanFlags
	cmd := &cobra.Command{
		Use:   "scan <url>...",
		Short: "Scans listing pages once and prints the result as JSON",
		Long: `scan runs one synchronous scan session over the given listing URLs,
persists the relevant opportunities it finds, and writes the aggregate
result to stdout.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, args, flags)
		},
	}
	cmd.Flags().StringSliceVar(&flags.categories, "category", nil, "only save opportunities in these categories (repeatable)")
	cmd.Flags().StringVar(&flags.stateCode, "state", "", "state code recorded on saved opportunities")
	cmd.Flags().BoolVar(&flags.noStage2, "no-stage2", false, "skip document download and deep analysis")
	return cmd
}

func runScan(cmd *cobra.Command, urls []string, flags scanFlags) error {
	appInstance, err := resolveApp(cmd.Context())
	if err != nil {
		return err
	}
	defer closeApp(appInstance)
	cfg := appInstance.Config()
	if limit := cfg.Scanner.MaxURLs; limit > 0 && len(urls) > limit {
		return fmt.Errorf("at most %d urls per scan, got %d", limit, len(urls))
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := appInstance.Scan(ctx, crawler.ScanRequest{
		URLs:         urls,
		Categories:   flags.categories,
		StateCode:    strings.ToUpper(strings.TrimSpace(flags.stateCode)),
		EnableStage2: cfg.Scanner.EnableStage2 && !flags.noStage2,
		TriggeredBy:  "cli",
	})
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return fmt.Errorf("write result: %w", err)
	}
	if !result.Success {
		return fmt.Errorf("scan %s finished %s", result.SessionID, result.Status)
	}
	return nil
}
