package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"TaskPilot/internal/agent"
	"TaskPilot/internal/api"
	"TaskPilot/internal/config"
	"TaskPilot/internal/events"
	"TaskPilot/internal/llm"
	"TaskPilot/internal/llm/openai"
	"TaskPilot/internal/llm/pythonbridge"
	"TaskPilot/internal/mapper"
	"TaskPilot/internal/memory"
	"TaskPilot/internal/observability/alerting"
	"TaskPilot/internal/observability/metrics"
	"TaskPilot/internal/run"
	"TaskPilot/internal/selector"
	"TaskPilot/internal/taskclient"
	"TaskPilot/pkg/logger"
)

// app 汇总一次进程生命周期内装配好的组件。
type app struct {
	cfg       *config.Config
	tasks     *taskclient.Client
	agent     *agent.Agent
	runs      *run.Service
	queue     run.Queue
	processor *run.Processor
	metrics   *metrics.Registry
	closers   []func() error
}

// buildApp 按配置装配组件。withQueue 为 false 时只装配同步执行所需的部分。
func buildApp(ctx context.Context, cfg *config.Config, withQueue bool) (_ *app, err error) {
	a := &app{cfg: cfg}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	if cfg.Metrics.Enabled {
		a.metrics = metrics.New()
	}

	clientOpts := []taskclient.Option{taskclient.WithLogger(logger.Named("taskclient"))}
	if a.metrics != nil {
		clientOpts = append(clientOpts, taskclient.WithObserver(a.metrics.ObserveRemoteCall))
	}
	a.tasks, err = taskclient.New(taskclient.Config{
		BaseURL: cfg.TaskExecutor.BaseURL,
		Timeout: cfg.TaskExecutor.Timeout(),
		Retry: taskclient.RetryConfig{
			MaxAttempts:       cfg.TaskExecutor.MaxAttempts,
			BackoffBase:       cfg.TaskExecutor.Backoff(),
			BackoffMultiplier: cfg.TaskExecutor.BackoffMultiplier,
			MaxBackoff:        cfg.TaskExecutor.MaxBackoff(),
		},
		MaxConnsPerHost: cfg.TaskExecutor.MaxConnsPerHost,
	}, clientOpts...)
	if err != nil {
		return nil, err
	}

	llmClient, err := createLLMClient(cfg)
	if err != nil {
		return nil, err
	}

	publisher, err := createPublisher(cfg)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, publisher.Close)

	agentOpts := []agent.Option{
		agent.WithEventPublisher(publisher),
		agent.WithMemoryDepth(cfg.Agent.MemoryDepth),
		agent.WithDefaultTimeout(cfg.Agent.MaxExecution()),
		agent.WithSelectSingleCandidate(cfg.Agent.SelectSingleCandidate),
		agent.WithLogger(logger.Named("agent")),
	}
	if cfg.Agent.EnforceMinConfidence {
		agentOpts = append(agentOpts, agent.WithMinConfidence(cfg.Agent.MinConfidence))
	}
	if a.metrics != nil {
		agentOpts = append(agentOpts, agent.WithObserver(a.metrics))
	}
	mem, err := a.createMemory(ctx)
	if err != nil {
		return nil, err
	}
	if mem != nil {
		agentOpts = append(agentOpts, agent.WithMemory(mem))
	}

	a.agent = agent.New(
		a.tasks,
		selector.New(llmClient, selector.WithLogger(logger.Named("selector"))),
		mapper.New(llmClient, mapper.WithLogger(logger.Named("mapper"))),
		agentOpts...,
	)

	store, err := createRunStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	var producer run.Producer
	if withQueue {
		a.queue, err = createQueue(ctx, cfg)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		producer = a.queue
	}

	a.runs = run.NewService(a.agent, store, producer,
		run.WithMaxConcurrentRuns(cfg.Agent.MaxConcurrentRuns),
		run.WithAlertDispatcher(createAlerter(cfg)),
		run.WithServiceLogger(logger.Named("run")),
	)
	a.closers = append(a.closers, a.runs.Close)

	if a.queue != nil {
		a.processor = run.NewProcessor(a.runs, a.queue,
			run.WithWorkerCount(cfg.Queue.Workers),
			run.WithProcessorLogger(logger.Named("processor")),
		)
	}
	return a, nil
}

// server 构造对外 HTTP 服务。
func (a *app) server() *api.Server {
	opts := []api.Option{
		api.WithTaskExecutor(a.tasks),
		api.WithVersion(version),
		api.WithAPIKeys(a.cfg.Server.APIKeys...),
		api.WithShutdownTimeout(time.Duration(a.cfg.Server.ShutdownTimeoutSecs) * time.Second),
		api.WithLogger(logger.Named("api")),
	}
	if a.metrics != nil {
		opts = append(opts, api.WithMetrics(a.metrics, a.cfg.Metrics.Path))
	}
	return api.NewServer(a.cfg.Server.Address, a.runs, opts...)
}

// Close 逆序释放资源。
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}

func createLLMClient(cfg *config.Config) (llm.Client, error) {
	switch cfg.LLM.Provider {
	case "python_bridge":
		scriptPath := pythonbridge.ResolveScriptPath(cfg.LLM.Python.WorkingDir, cfg.LLM.Python.ScriptPath)
		return pythonbridge.NewClient(pythonbridge.Config{
			PythonExec: cfg.LLM.Python.PythonExecutable,
			ScriptPath: scriptPath,
			WorkingDir: cfg.LLM.Python.WorkingDir,
			Timeout:    cfg.LLM.Python.Timeout(),
		})
	case "", "openai":
		apiKey := strings.TrimSpace(cfg.LLM.OpenAI.ResolveAPIKey())
		if apiKey == "" {
			return nil, errors.New("OpenAI provider 需要配置 api_key 或 api_key_env")
		}
		return openai.NewClient(openai.Config{
			APIKey:  apiKey,
			BaseURL: cfg.LLM.OpenAI.BaseURL,
			Model:   cfg.LLM.OpenAI.Model,
			Timeout: cfg.LLM.OpenAI.Timeout(),
		})
	default:
		return nil, fmt.Errorf("未知的大模型 provider: %s", cfg.LLM.Provider)
	}
}

func createPublisher(cfg *config.Config) (events.Publisher, error) {
	switch cfg.Events.Driver {
	case "none":
		return events.Nop{}, nil
	case "", "log":
		return events.NewLogPublisher(logger.Named("events")), nil
	case "rabbitmq":
		pub, err := events.NewRabbitMQPublisher(events.RabbitMQConfig{
			URL:      cfg.Events.RabbitMQ.URL,
			Exchange: cfg.Events.RabbitMQ.Exchange,
		})
		if err != nil {
			return nil, err
		}
		return asyncPublisher(cfg, pub), nil
	case "nats":
		pub, err := events.NewNATSPublisher(events.NATSConfig{
			URL:           cfg.Events.NATS.URL,
			SubjectPrefix: cfg.Events.NATS.SubjectPrefix,
		})
		if err != nil {
			return nil, err
		}
		return asyncPublisher(cfg, pub), nil
	default:
		return nil, fmt.Errorf("未知的事件驱动: %s", cfg.Events.Driver)
	}
}

// asyncPublisher 为网络事件驱动包一层有界的异步缓冲。
func asyncPublisher(cfg *config.Config, next events.Publisher) events.Publisher {
	return events.NewAsync(next, events.AsyncConfig{
		BufferSize: cfg.Events.BufferSize,
		Logger:     logger.Named("events"),
	})
}

func (a *app) createMemory(ctx context.Context) (memory.Provider, error) {
	cfg := a.cfg.Memory
	switch cfg.Driver {
	case "none":
		return nil, nil
	case "", "memory":
		if cfg.Seed != "" {
			return memory.LoadSeed(cfg.Seed, cfg.MaxMessages)
		}
		return memory.NewInMemoryStore(cfg.MaxMessages), nil
	case "redis":
		store, err := memory.NewRedisStore(ctx, memory.RedisConfig{
			Address:     cfg.Redis.Address,
			Password:    cfg.Redis.Password,
			DB:          cfg.Redis.DB,
			KeyPrefix:   cfg.Redis.KeyPrefix,
			MaxMessages: cfg.MaxMessages,
			TTL:         cfg.Redis.TTL(),
		})
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		return nil, fmt.Errorf("未知的会话记忆驱动: %s", cfg.Driver)
	}
}

func createRunStore(ctx context.Context, cfg *config.Config) (run.Store, error) {
	switch cfg.Storage.Driver {
	case "", "memory":
		return run.NewMemoryStore(), nil
	case "redis":
		return run.NewRedisStore(ctx, run.RedisStoreConfig{
			Address:   cfg.Storage.Redis.Address,
			Password:  cfg.Storage.Redis.Password,
			DB:        cfg.Storage.Redis.DB,
			KeyPrefix: cfg.Storage.Redis.KeyPrefix,
			TTL:       cfg.Storage.Redis.TTL(),
		})
	case "mysql":
		return run.NewMySQLStore(ctx, run.MySQLConfig{
			DSN:             cfg.Storage.MySQL.DSN,
			MaxOpenConns:    cfg.Storage.MySQL.MaxOpenConns,
			MaxIdleConns:    cfg.Storage.MySQL.MaxIdleConns,
			ConnMaxLifetime: time.Duration(cfg.Storage.MySQL.ConnMaxLifetimeSeconds) * time.Second,
		})
	default:
		return nil, fmt.Errorf("未知的存储驱动: %s", cfg.Storage.Driver)
	}
}

func createQueue(ctx context.Context, cfg *config.Config) (run.Queue, error) {
	switch cfg.Queue.Driver {
	case "", "memory":
		return run.NewMemoryQueue(cfg.Queue.Capacity), nil
	case "redis":
		return run.NewRedisQueue(ctx, run.RedisQueueConfig{
			Addr:         cfg.Queue.Redis.Address,
			Password:     cfg.Queue.Redis.Password,
			DB:           cfg.Queue.Redis.DB,
			Key:          cfg.Queue.RedisQueue,
			PollInterval: time.Duration(cfg.Queue.BlockWaitSecs) * time.Second,
		})
	case "rabbitmq":
		return run.NewRabbitMQQueue(run.RabbitMQQueueConfig{
			URL:      cfg.Queue.RabbitMQ.URL,
			Name:     cfg.Queue.RabbitMQ.Queue,
			Prefetch: cfg.Queue.RabbitMQ.Prefetch,
		})
	default:
		return nil, fmt.Errorf("未知的队列驱动: %s", cfg.Queue.Driver)
	}
}

func createAlerter(cfg *config.Config) alerting.Dispatcher {
	notifiers := []alerting.Notifier{&alerting.LogNotifier{Logger: logger.Named("alerting")}}
	if url := strings.TrimSpace(cfg.Alerting.WebhookURL); url != "" {
		notifiers = append(notifiers, &alerting.WebhookNotifier{URL: url})
	}
	return alerting.NewFanout(notifiers...)
}

func loggerConfig(cfg config.LoggingConfig, outputs []string) logger.Config {
	if len(cfg.OutputPaths) > 0 {
		outputs = cfg.OutputPaths
	}
	return logger.Config{
		Level:       cfg.Level,
		Format:      cfg.Format,
		OutputPaths: outputs,
		Service:     "taskpilotd",
		Version:     version,
		AddSource:   strings.EqualFold(cfg.Level, "debug"),
		Audit: logger.AuditConfig{
			Enabled: cfg.AuditPath != "",
			Path:    cfg.AuditPath,
		},
	}
}

func configPath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	return os.Getenv("TASKPILOT_CONFIG")
}
