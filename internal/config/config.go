package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config 描述了 TaskPilot 在启动阶段需要加载的全部配置。
type Config struct {
	Server       ServerConfig       `json:"server" yaml:"server"`
	TaskExecutor TaskExecutorConfig `json:"task_executor" yaml:"task_executor"`
	Agent        AgentConfig        `json:"agent" yaml:"agent"`
	LLM          LLMConfig          `json:"llm" yaml:"llm"`
	Storage      StorageConfig      `json:"storage" yaml:"storage"`
	Queue        QueueConfig        `json:"queue" yaml:"queue"`
	Events       EventsConfig       `json:"events" yaml:"events"`
	Memory       MemoryConfig       `json:"memory" yaml:"memory"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
	Metrics      MetricsConfig      `json:"metrics" yaml:"metrics"`
	Alerting     AlertingConfig     `json:"alerting" yaml:"alerting"`
}

// ServerConfig 控制 API 服务的监听地址等参数。
type ServerConfig struct {
	Address             string   `json:"address" yaml:"address"`
	ShutdownTimeoutSecs int      `json:"shutdown_timeout_seconds" yaml:"shutdown_timeout_seconds"`
	APIKeys             []string `json:"api_keys" yaml:"api_keys"`
}

// TaskExecutorConfig 描述远端任务执行服务及重试策略。
type TaskExecutorConfig struct {
	BaseURL           string  `json:"base_url" yaml:"base_url"`
	TimeoutSeconds    float64 `json:"timeout_seconds" yaml:"timeout_seconds"`
	MaxAttempts       int     `json:"max_attempts" yaml:"max_attempts"`
	BackoffSeconds    float64 `json:"backoff_seconds" yaml:"backoff_seconds"`
	BackoffMultiplier float64 `json:"backoff_multiplier" yaml:"backoff_multiplier"`
	MaxBackoffSeconds float64 `json:"max_backoff_seconds" yaml:"max_backoff_seconds"`
	MaxConnsPerHost   int     `json:"max_conns_per_host" yaml:"max_conns_per_host"`
}

// Timeout 返回单次请求超时。
func (c TaskExecutorConfig) Timeout() time.Duration { return seconds(c.TimeoutSeconds) }

// Backoff 返回首次重试的等待时长。
func (c TaskExecutorConfig) Backoff() time.Duration { return seconds(c.BackoffSeconds) }

// MaxBackoff 返回重试等待的上限。
func (c TaskExecutorConfig) MaxBackoff() time.Duration { return seconds(c.MaxBackoffSeconds) }

// AgentConfig 控制编排器行为。
type AgentConfig struct {
	MaxExecutionSeconds   float64 `json:"max_execution_seconds" yaml:"max_execution_seconds"`
	MinConfidence         float64 `json:"min_confidence" yaml:"min_confidence"`
	EnforceMinConfidence  bool    `json:"enforce_min_confidence" yaml:"enforce_min_confidence"`
	SelectSingleCandidate bool    `json:"select_single_candidate" yaml:"select_single_candidate"`
	MaxConcurrentRuns     int     `json:"max_concurrent_runs" yaml:"max_concurrent_runs"`
	MemoryDepth           int     `json:"memory_depth" yaml:"memory_depth"`
}

// MaxExecution 返回单次运行的默认截止时长。
func (c AgentConfig) MaxExecution() time.Duration { return seconds(c.MaxExecutionSeconds) }

// LLMConfig 用于配置推理协作方的调用方式。
type LLMConfig struct {
	Provider string             `json:"provider" yaml:"provider"`
	OpenAI   OpenAIConfig       `json:"openai" yaml:"openai"`
	Python   PythonBridgeConfig `json:"python_bridge" yaml:"python_bridge"`
}

// OpenAIConfig 描述 OpenAI 兼容接口。
type OpenAIConfig struct {
	APIKey         string  `json:"api_key" yaml:"api_key"`
	APIKeyEnv      string  `json:"api_key_env" yaml:"api_key_env"`
	BaseURL        string  `json:"base_url" yaml:"base_url"`
	Model          string  `json:"model" yaml:"model"`
	TimeoutSeconds float64 `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Timeout 返回推理请求超时。
func (c OpenAIConfig) Timeout() time.Duration { return seconds(c.TimeoutSeconds) }

// ResolveAPIKey 优先使用显式配置的密钥，其次读取环境变量。
func (c OpenAIConfig) ResolveAPIKey() string {
	if key := strings.TrimSpace(c.APIKey); key != "" {
		return key
	}
	if c.APIKeyEnv != "" {
		return strings.TrimSpace(os.Getenv(c.APIKeyEnv))
	}
	return ""
}

// PythonBridgeConfig 描述通过 Python 脚本完成推理时所需的信息。
type PythonBridgeConfig struct {
	PythonExecutable string  `json:"python_executable" yaml:"python_executable"`
	ScriptPath       string  `json:"script_path" yaml:"script_path"`
	WorkingDir       string  `json:"working_dir" yaml:"working_dir"`
	TimeoutSeconds   float64 `json:"timeout_seconds" yaml:"timeout_seconds"`
}

// Timeout 返回单次脚本运行的超时。
func (c PythonBridgeConfig) Timeout() time.Duration { return seconds(c.TimeoutSeconds) }

// StorageConfig 描述运行记录的持久化后端。
type StorageConfig struct {
	Driver string      `json:"driver" yaml:"driver"`
	MySQL  MySQLConfig `json:"mysql" yaml:"mysql"`
	Redis  RedisConfig `json:"redis" yaml:"redis"`
}

// MySQLConfig 描述 MySQL 连接池。
type MySQLConfig struct {
	DSN                    string `json:"dsn" yaml:"dsn"`
	MaxOpenConns           int    `json:"max_open_conns" yaml:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns" yaml:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds" yaml:"conn_max_lifetime_seconds"`
}

// RedisConfig 是 Redis 客户端的公共配置。
type RedisConfig struct {
	Address   string `json:"address" yaml:"address"`
	Password  string `json:"password" yaml:"password"`
	DB        int    `json:"db" yaml:"db"`
	KeyPrefix string `json:"key_prefix" yaml:"key_prefix"`
	TTLHours  int    `json:"ttl_hours" yaml:"ttl_hours"`
}

// TTL 返回键过期时间，0 表示不过期。
func (c RedisConfig) TTL() time.Duration { return time.Duration(c.TTLHours) * time.Hour }

// QueueConfig 描述异步提交使用的队列。
type QueueConfig struct {
	Driver        string      `json:"driver" yaml:"driver"`
	Capacity      int         `json:"capacity" yaml:"capacity"`
	Workers       int         `json:"workers" yaml:"workers"`
	Redis         RedisConfig `json:"redis" yaml:"redis"`
	RedisQueue    string      `json:"redis_queue" yaml:"redis_queue"`
	BlockWaitSecs int         `json:"block_wait_seconds" yaml:"block_wait_seconds"`
	RabbitMQ      AMQPQueue   `json:"rabbitmq" yaml:"rabbitmq"`
}

// AMQPQueue 描述基于 RabbitMQ 的工作队列。
type AMQPQueue struct {
	URL      string `json:"url" yaml:"url"`
	Queue    string `json:"queue" yaml:"queue"`
	Prefetch int    `json:"prefetch" yaml:"prefetch"`
}

// EventsConfig 描述生命周期事件的发布方式。BufferSize 是 rabbitmq/nats
// 驱动异步投递缓冲区的容量。
type EventsConfig struct {
	Driver     string         `json:"driver" yaml:"driver"`
	BufferSize int            `json:"buffer_size" yaml:"buffer_size"`
	RabbitMQ   RabbitMQConfig `json:"rabbitmq" yaml:"rabbitmq"`
	NATS       NATSConfig     `json:"nats" yaml:"nats"`
}

// RabbitMQConfig 描述 topic exchange 发布参数。
type RabbitMQConfig struct {
	URL      string `json:"url" yaml:"url"`
	Exchange string `json:"exchange" yaml:"exchange"`
}

// NATSConfig 描述 NATS 发布参数。
type NATSConfig struct {
	URL           string `json:"url" yaml:"url"`
	SubjectPrefix string `json:"subject_prefix" yaml:"subject_prefix"`
}

// MemoryConfig 描述会话记忆来源。
type MemoryConfig struct {
	Driver      string      `json:"driver" yaml:"driver"`
	Seed        string      `json:"seed" yaml:"seed"`
	MaxMessages int         `json:"max_messages" yaml:"max_messages"`
	Redis       RedisConfig `json:"redis" yaml:"redis"`
}

// LoggingConfig 对应 pkg/logger 的配置。
type LoggingConfig struct {
	Level       string   `json:"level" yaml:"level"`
	Format      string   `json:"format" yaml:"format"`
	OutputPaths []string `json:"output_paths" yaml:"output_paths"`
	AuditPath   string   `json:"audit_path" yaml:"audit_path"`
}

// MetricsConfig 控制 Prometheus 指标暴露。
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`
}

// AlertingConfig 描述运行失败时的告警通道。
type AlertingConfig struct {
	WebhookURL string `json:"webhook_url" yaml:"webhook_url"`
}

// Load 解析指定路径的配置文件，按扩展名选择 JSON 或 YAML。
// path 为空时仅使用默认值与环境变量。
func Load(path string) (*Config, error) {
	var cfg Config
	baseDir := "."
	if path != "" {
		content, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("读取配置文件失败: %w", err)
		}
		if err := decode(path, content, &cfg); err != nil {
			return nil, fmt.Errorf("解析配置失败: %w", err)
		}
		baseDir = filepath.Dir(path)
	}

	cfg.applyDefaults(baseDir)
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decode(path string, content []byte, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Unmarshal(content, cfg)
	case ".json", "":
		return json.Unmarshal(content, cfg)
	default:
		return fmt.Errorf("不支持的配置格式: %s", filepath.Ext(path))
	}
}

// Default 返回仅包含默认值的配置。
func Default() *Config {
	var cfg Config
	cfg.applyDefaults(".")
	return &cfg
}

// applyDefaults 在用户未填写部分字段时设置合理的默认值。
func (c *Config) applyDefaults(baseDir string) {
	if c.Server.Address == "" {
		c.Server.Address = ":8001"
	}
	if c.Server.ShutdownTimeoutSecs <= 0 {
		c.Server.ShutdownTimeoutSecs = 5
	}

	te := &c.TaskExecutor
	if te.BaseURL == "" {
		te.BaseURL = "http://localhost:8000"
	}
	if te.TimeoutSeconds <= 0 {
		te.TimeoutSeconds = 30
	}
	if te.MaxAttempts <= 0 {
		te.MaxAttempts = 3
	}
	if te.BackoffSeconds <= 0 {
		te.BackoffSeconds = 1
	}
	if te.BackoffMultiplier < 1 {
		te.BackoffMultiplier = 2
	}
	if te.MaxBackoffSeconds <= 0 {
		te.MaxBackoffSeconds = 10
	}
	if te.MaxConnsPerHost <= 0 {
		te.MaxConnsPerHost = 16
	}

	if c.Agent.MaxExecutionSeconds <= 0 {
		c.Agent.MaxExecutionSeconds = 300
	}
	if c.Agent.MemoryDepth <= 0 {
		c.Agent.MemoryDepth = 10
	}

	if c.LLM.Provider == "" {
		c.LLM.Provider = "openai"
	}
	if c.LLM.OpenAI.APIKeyEnv == "" {
		c.LLM.OpenAI.APIKeyEnv = "OPENAI_API_KEY"
	}
	if c.LLM.Python.PythonExecutable == "" {
		c.LLM.Python.PythonExecutable = "python3"
	}
	if c.LLM.Python.WorkingDir == "" {
		c.LLM.Python.WorkingDir = baseDir
	} else if !filepath.IsAbs(c.LLM.Python.WorkingDir) {
		c.LLM.Python.WorkingDir = filepath.Join(baseDir, c.LLM.Python.WorkingDir)
	}

	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Storage.Redis.KeyPrefix == "" {
		c.Storage.Redis.KeyPrefix = "taskpilot:run:"
	}

	if c.Queue.Driver == "" {
		c.Queue.Driver = "memory"
	}
	if c.Queue.Capacity <= 0 {
		c.Queue.Capacity = 256
	}
	if c.Queue.Workers <= 0 {
		c.Queue.Workers = 4
	}
	if c.Queue.RedisQueue == "" {
		c.Queue.RedisQueue = "taskpilot:runs"
	}
	if c.Queue.BlockWaitSecs <= 0 {
		c.Queue.BlockWaitSecs = 5
	}
	if c.Queue.RabbitMQ.Queue == "" {
		c.Queue.RabbitMQ.Queue = "taskpilot.runs"
	}

	if c.Events.Driver == "" {
		c.Events.Driver = "log"
	}
	if c.Events.BufferSize <= 0 {
		c.Events.BufferSize = 256
	}
	if c.Events.RabbitMQ.Exchange == "" {
		c.Events.RabbitMQ.Exchange = "agent_events"
	}
	if c.Events.NATS.SubjectPrefix == "" {
		c.Events.NATS.SubjectPrefix = "agent_events"
	}

	if c.Memory.Driver == "" {
		c.Memory.Driver = "memory"
	}
	if c.Memory.MaxMessages <= 0 {
		c.Memory.MaxMessages = 10
	}
	if c.Memory.Redis.KeyPrefix == "" {
		c.Memory.Redis.KeyPrefix = "taskpilot:session:"
	}
	if c.Memory.Seed != "" && !filepath.IsAbs(c.Memory.Seed) {
		c.Memory.Seed = filepath.Join(baseDir, c.Memory.Seed)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// applyEnv 使用环境变量覆盖配置文件中的值。
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	if v, ok := lookup("TASK_EXECUTOR_URL"); ok && v != "" {
		c.TaskExecutor.BaseURL = v
	}
	if v, ok := lookup("TASKPILOT_ADDR"); ok && v != "" {
		c.Server.Address = v
	}
	if v, ok := lookup("LOG_LEVEL"); ok && v != "" {
		c.Logging.Level = v
	}
	if v, ok := lookup("TASKPILOT_API_KEYS"); ok && v != "" {
		c.Server.APIKeys = strings.Split(v, ",")
	}

	floats := map[string]*float64{
		"TASK_EXECUTOR_TIMEOUT":     &c.TaskExecutor.TimeoutSeconds,
		"TASK_EXECUTOR_RETRY_DELAY": &c.TaskExecutor.BackoffSeconds,
		"MAX_EXECUTION_TIME":        &c.Agent.MaxExecutionSeconds,
	}
	for name, target := range floats {
		v, ok := lookup(name)
		if !ok || v == "" {
			continue
		}
		parsed, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return fmt.Errorf("环境变量 %s 不是合法数字: %w", name, err)
		}
		*target = parsed
	}

	if v, ok := lookup("TASK_EXECUTOR_RETRY_ATTEMPTS"); ok && v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("环境变量 TASK_EXECUTOR_RETRY_ATTEMPTS 不是合法整数: %w", err)
		}
		c.TaskExecutor.MaxAttempts = parsed
	}
	return nil
}

// Validate 检查组合配置是否自洽。
func (c *Config) Validate() error {
	var errs []error
	if c.TaskExecutor.MaxAttempts < 1 {
		errs = append(errs, errors.New("task_executor.max_attempts 必须大于 0"))
	}
	if c.TaskExecutor.TimeoutSeconds <= 0 {
		errs = append(errs, errors.New("task_executor.timeout_seconds 必须大于 0"))
	}
	if c.Agent.MinConfidence < 0 || c.Agent.MinConfidence > 1 {
		errs = append(errs, errors.New("agent.min_confidence 必须位于 [0,1]"))
	}
	switch c.Storage.Driver {
	case "memory", "redis":
	case "mysql":
		if c.Storage.MySQL.DSN == "" {
			errs = append(errs, errors.New("storage.mysql.dsn 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的存储驱动: %s", c.Storage.Driver))
	}
	switch c.Queue.Driver {
	case "memory", "redis":
	case "rabbitmq":
		if c.Queue.RabbitMQ.URL == "" {
			errs = append(errs, errors.New("queue.rabbitmq.url 不能为空"))
		}
	default:
		errs = append(errs, fmt.Errorf("未知的队列驱动: %s", c.Queue.Driver))
	}
	switch c.Events.Driver {
	case "none", "log", "rabbitmq", "nats":
	default:
		errs = append(errs, fmt.Errorf("未知的事件驱动: %s", c.Events.Driver))
	}
	switch c.Memory.Driver {
	case "none", "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("未知的会话记忆驱动: %s", c.Memory.Driver))
	}
	return errors.Join(errs...)
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}
