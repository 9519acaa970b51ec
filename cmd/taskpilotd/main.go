package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"TaskPilot/internal/agent"
	"TaskPilot/internal/config"
	"TaskPilot/pkg/logger"
)

// version 在构建时通过 -ldflags "-X main.version=..." 注入。
var version = "dev"

// main 是 TaskPilot 守护进程的入口。
func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "taskpilotd: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	serve := newServeCmd()
	root := &cobra.Command{
		Use:   "taskpilotd",
		Short: "Natural-language task execution agent",
		Long: `taskpilotd turns a natural-language action description into a concrete
task execution against a remote task executor service.

Running 'taskpilotd' without a subcommand is equivalent to 'taskpilotd serve'.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		RunE:          serve.RunE,
	}
	root.PersistentFlags().StringP("config", "c", "", "Path to a JSON or YAML config file (default: $TASKPILOT_CONFIG)")
	root.PersistentFlags().String("log-level", "", "Override logging.level (debug, info, warn, error)")
	root.AddCommand(serve, newExecuteCmd())
	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	flagValue, _ := cmd.Flags().GetString("config")
	return config.Load(configPath(flagValue))
}

func initLogger(cmd *cobra.Command, cfg *config.Config, outputs []string) error {
	if err := logger.Init(loggerConfig(cfg.Logging, outputs)); err != nil {
		return err
	}
	if lvl, _ := cmd.Flags().GetString("log-level"); lvl != "" {
		logger.SetLevel(lvl)
	}
	return nil
}

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API and the run processor",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := initLogger(cmd, cfg, nil); err != nil {
				return err
			}
			defer logger.Sync()
			return serve(cmd.Context(), cfg)
		},
	}
}

func serve(ctx context.Context, cfg *config.Config) error {
	a, err := buildApp(ctx, cfg, true)
	if err != nil {
		return err
	}
	defer func() {
		if err := a.Close(); err != nil {
			logger.L().Error("释放资源失败", slog.Any("error", err))
		}
	}()

	processorCtx, processorCancel := context.WithCancel(ctx)
	defer processorCancel()
	go func() {
		if err := a.processor.Start(processorCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.L().Error("运行处理器异常退出", slog.Any("error", err))
		}
	}()

	logger.L().Info("taskpilotd 启动",
		slog.String("version", version),
		slog.String("addr", cfg.Server.Address),
		slog.String("task_executor", cfg.TaskExecutor.BaseURL),
	)
	if err := a.server().Start(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

type executeOptions struct {
	action  string
	context string
	session string
	timeout time.Duration
}

func newExecuteCmd() *cobra.Command {
	var opts executeOptions
	cmd := &cobra.Command{
		Use:   "execute",
		Short: "Run a single action once and print the result envelope as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := initLogger(cmd, cfg, []string{"stderr"}); err != nil {
				return err
			}
			defer logger.Sync()
			return execute(cmd.Context(), cfg, opts, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&opts.action, "action", "", "Natural-language action description")
	cmd.Flags().StringVar(&opts.context, "context", "", "Caller context identifier")
	cmd.Flags().StringVar(&opts.session, "session", "", "Session identifier for conversation memory")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "Run deadline (default: agent.max_execution_seconds)")
	_ = cmd.MarkFlagRequired("action")
	_ = cmd.MarkFlagRequired("context")
	return cmd
}

func execute(ctx context.Context, cfg *config.Config, opts executeOptions, out io.Writer) error {
	a, err := buildApp(ctx, cfg, false)
	if err != nil {
		return err
	}
	defer a.Close()

	result, err := a.runs.Execute(ctx, agent.ExecutionRequest{
		ActionDescription: opts.action,
		ContextID:         opts.context,
		SessionID:         opts.session,
		Timeout:           opts.timeout,
	})
	if err != nil {
		return err
	}
	return writeEnvelope(out, result)
}

func writeEnvelope(out io.Writer, result agent.ExecutionResult) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(result); err != nil {
		return err
	}
	if !result.Success && result.Error != nil {
		return fmt.Errorf("run failed at %s: %s", result.Error.Stage, result.Error.Cause)
	}
	return nil
}
