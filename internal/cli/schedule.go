package cli

import (
	"fmt"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/harun/agentloop/internal/config"
	"github.com/harun/agentloop/internal/logger"
	"github.com/harun/agentloop/internal/tracing"
	"github.com/harun/agentloop/pkg/schedule"
)

var (
	scheduleCron      string
	scheduleClient    string
	scheduleWorkspace string
	scheduleNoRecord  bool
)

var scheduleCmd = &cobra.Command{
	Use:   "schedule [input]",
	Short: "Run the agent on a recurring cron schedule",
	Long: `Run the agent input on a cron schedule until interrupted. The config
file is watched while the process runs; token-limit changes apply to
subsequent iterations without a restart.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSchedule,
}

func init() {
	scheduleCmd.Flags().StringVar(&scheduleCron, "cron", "", "cron expression, e.g. \"0 * * * *\" (required)")
	scheduleCmd.Flags().StringVar(&scheduleClient, "client", "", "client identifier (default from config)")
	scheduleCmd.Flags().StringVar(&scheduleWorkspace, "workspace", ".", "workspace root for filesystem tools")
	scheduleCmd.Flags().BoolVar(&scheduleNoRecord, "no-record", false, "skip recording run transcripts")
	_ = scheduleCmd.MarkFlagRequired("cron")
	rootCmd.AddCommand(scheduleCmd)
}

func runSchedule(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	appLogger, err := logger.New(logger.Config{
		Level:     cfg.Logging.Level,
		File:      cfg.Logging.File,
		Console:   true,
		Pretty:    cfg.Logging.Pretty,
		Redaction: true,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()
	zl := appLogger.Zerolog()

	if err := tracing.Init("agentloop"); err != nil {
		zl.Warn().Err(err).Msg("tracing init failed, continuing without spans")
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	defer tracing.Shutdown(ctx)

	rt, cleanup, err := buildRuntime(cfg, zl, scheduleClient, scheduleWorkspace, !scheduleNoRecord)
	if err != nil {
		return err
	}
	defer cleanup()

	sched, err := schedule.NewScheduler(rt, zl)
	if err != nil {
		return err
	}
	input := strings.Join(args, " ")
	if _, err := sched.Add(scheduleCron, "cli", input, nil); err != nil {
		return err
	}

	configPath := config.NewLoader(cfgFile).GetConfigPath()
	watcher, err := config.Watch(ctx, configPath, zl, rt.SetTokenLimits)
	if err != nil {
		zl.Warn().Err(err).Str("path", configPath).Msg("config watch unavailable, limits fixed for this process")
	} else {
		defer watcher.Close()
	}

	sched.Start()
	zl.Info().Str("cron", scheduleCron).Msg("scheduler started, press Ctrl-C to stop")

	<-ctx.Done()
	sched.Stop()
	return nil
}
