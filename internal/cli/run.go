package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/harun/agentloop/internal/config"
	"github.com/harun/agentloop/internal/logger"
	"github.com/harun/agentloop/internal/observability"
	"github.com/harun/agentloop/internal/tracing"
	"github.com/harun/agentloop/pkg/coretools"
	"github.com/harun/agentloop/pkg/provider"
	"github.com/harun/agentloop/pkg/runtime"
	"github.com/harun/agentloop/pkg/stream"
	"github.com/harun/agentloop/pkg/tool"
)

var (
	runClient    string
	runWorkspace string
	runStreaming bool
	runNoRecord  bool
)

var runCmd = &cobra.Command{
	Use:   "run [input]",
	Short: "Execute a single agent run",
	Long: `Execute one agent run with the configured provider. The input is
sent as the user message; the run loops through tool calls until the
provider returns a final response or a limit aborts it.`,
	Args: cobra.MinimumNArgs(1),
	RunE: runRun,
}

func init() {
	runCmd.Flags().StringVar(&runClient, "client", "", "client identifier (default from config)")
	runCmd.Flags().StringVar(&runWorkspace, "workspace", ".", "workspace root for filesystem tools")
	runCmd.Flags().BoolVar(&runStreaming, "stream", false, "stream the response as it arrives")
	runCmd.Flags().BoolVar(&runNoRecord, "no-record", false, "skip recording the run transcript")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
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

	rt, cleanup, err := buildRuntime(cfg, zl, runClient, runWorkspace, !runNoRecord)
	if err != nil {
		return err
	}
	defer cleanup()

	input := strings.Join(args, " ")
	if runStreaming {
		return streamRun(ctx, rt, input)
	}

	result, err := rt.Run(ctx, input, nil)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), result.String())
	return nil
}

// buildRuntime wires the provider, tool registry, and optional recorder
// into a Runtime from the loaded config. The returned cleanup closes
// whatever was opened and must be called when the runtime is done.
func buildRuntime(cfg *config.File, zl zerolog.Logger, client, workspace string, record bool) (*runtime.Runtime, func(), error) {
	p, err := provider.DefaultRegistry().New(cfg.Provider.Name, provider.Options{
		APIKey:  cfg.Provider.APIKey,
		BaseURL: cfg.Provider.BaseURL,
	})
	if err != nil {
		return nil, nil, err
	}

	workspaceRoot, err := filepath.Abs(workspace)
	if err != nil {
		return nil, nil, err
	}
	tools := tool.NewRegistry()
	if err := coretools.Register(tools, coretools.Options{WorkspaceRoot: workspaceRoot}); err != nil {
		return nil, nil, err
	}

	rtCfg := runtime.Config{
		ClientID:         cfg.ClientID,
		Provider:         p,
		Model:            cfg.Provider.Model,
		SystemPrompt:     cfg.Loop.SystemPrompt,
		Temperature:      cfg.Provider.Temperature,
		MaxTokens:        cfg.Provider.MaxTokens,
		MaxIterations:    cfg.Loop.MaxIterations,
		CallTimeout:      time.Duration(cfg.Loop.CallTimeoutSeconds) * time.Second,
		OnToolError:      cfg.Loop.OnToolError,
		Retry:            cfg.RetryPolicy(),
		Tools:            tools,
		TokenLimits:      cfg.Limits.TokenLimits,
		WarningThreshold: cfg.Limits.WarningThreshold,
		Logger:           zl,
		Emitter:          observability.NewLogEmitter(zl),
	}
	if client != "" {
		rtCfg.ClientID = client
	}

	cleanup := func() {}
	if record {
		rec, err := openRecorder(cfg, zl)
		if err != nil {
			zl.Warn().Err(err).Msg("run recorder unavailable, continuing without transcript")
		} else {
			cleanup = func() { rec.Close() }
			rtCfg.Recorder = rec
		}
	}

	rt, err := runtime.New(rtCfg)
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return rt, cleanup, nil
}

func streamRun(ctx context.Context, rt *runtime.Runtime, input string) error {
	reader, err := rt.Stream(ctx, input, nil)
	if err != nil {
		return err
	}
	defer reader.Close()

	for {
		chunk, err := reader.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		switch chunk.Type {
		case stream.ChunkThinking:
			fmt.Fprint(os.Stderr, chunk.Thinking)
		case stream.ChunkContent:
			fmt.Print(chunk.Content)
		case stream.ChunkDone:
			fmt.Println()
			return nil
		}
	}
}
