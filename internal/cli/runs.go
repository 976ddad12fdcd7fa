package cli

import (
	"fmt"
	"os"
	"path/filepath"
	"text/tabwriter"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/agentloop/internal/config"
	"github.com/harun/agentloop/pkg/recorder"
)

var (
	runsClient string
	runsLimit  int
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "List recorded runs",
	Long:  `List recent recorded runs from the local transcript database, newest first.`,
	RunE:  runRuns,
}

func init() {
	runsCmd.Flags().StringVar(&runsClient, "client", "", "filter by client identifier")
	runsCmd.Flags().IntVar(&runsLimit, "limit", 20, "maximum number of runs to list")
	rootCmd.AddCommand(runsCmd)
}

func runRuns(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	rec, err := openRecorder(cfg, zerolog.Nop())
	if err != nil {
		return err
	}
	defer rec.Close()

	records, err := rec.Runs(cmd.Context(), runsClient, runsLimit)
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no recorded runs")
		return nil
	}

	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tCLIENT\tPROVIDER\tMODEL\tSTATUS\tITERS\tTOKENS")
	for _, r := range records {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\n",
			r.StartedAt.Format("2006-01-02 15:04:05"),
			r.Client, r.Provider, r.Model, r.Status, r.Iterations,
			r.Usage["total_tokens"])
	}
	return w.Flush()
}

func openRecorder(cfg *config.File, logger zerolog.Logger) (*recorder.SQLiteRecorder, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return recorder.New(recorder.Config{
		DBPath: filepath.Join(cfg.DataDir, "runs.db"),
		Logger: logger,
	})
}
