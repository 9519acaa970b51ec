package pythonbridge

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	xerrors "TaskPilot/internal/errors"
	"TaskPilot/internal/llm"
)

// Config 描述推理脚本的调用方式。
type Config struct {
	PythonExec string
	ScriptPath string
	WorkingDir string
	// Timeout 限制单次脚本运行时长，0 表示只受调用方上下文约束。
	Timeout time.Duration
}

// Client 通过调用 Python 脚本完成推理。脚本从 stdin 读取一行 JSON 请求，
// 向 stdout 输出 {"content": "..."}、{"error": "..."} 或直接输出结构化 JSON 对象。
type Client struct {
	cfg Config
}

// NewClient 创建 Python Bridge 客户端。
func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.ScriptPath) == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未指定 Python 脚本路径")
	}
	if cfg.PythonExec == "" {
		cfg.PythonExec = "python3"
	}
	return &Client{cfg: cfg}, nil
}

type bridgeRequest struct {
	Purpose string          `json:"purpose"`
	System  string          `json:"system"`
	User    string          `json:"user"`
	Schema  json.RawMessage `json:"schema,omitempty"`
}

type bridgeEnvelope struct {
	Content *string `json:"content"`
	Error   string  `json:"error"`
}

const maxStderrBytes = 2048

// Generate 运行脚本并返回其输出。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	payload, err := json.Marshal(bridgeRequest{
		Purpose: req.Purpose,
		System:  req.System,
		User:    req.User,
		Schema:  req.Schema,
	})
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeReasoningFailed, err, "序列化推理请求失败")
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, c.cfg.PythonExec, c.cfg.ScriptPath)
	cmd.Dir = c.cfg.WorkingDir
	cmd.Env = append(os.Environ(), "TASKPILOT_PURPOSE="+req.Purpose)
	cmd.Stdin = bytes.NewReader(append(payload, '\n'))
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, ctx.Err(), "推理脚本超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeReasoningFailed, err, "执行推理脚本失败",
			xerrors.WithMetadata("stderr", tail(stderr.String(), maxStderrBytes)))
	}

	content, scriptErr := unwrapContent(stdout.Bytes())
	if scriptErr != "" {
		return nil, xerrors.New(xerrors.CodeReasoningFailed, "推理脚本返回错误: "+scriptErr)
	}
	if content == "" {
		return nil, xerrors.New(xerrors.CodeMalformedReasoningOutput, "推理脚本没有输出")
	}
	return &llm.Response{Content: content}, nil
}

// unwrapContent 兼容信封输出与直接的 JSON 对象，第二个返回值为脚本报告的错误。
func unwrapContent(out []byte) (string, string) {
	trimmed := bytes.TrimSpace(out)
	var env bridgeEnvelope
	if json.Unmarshal(trimmed, &env) == nil {
		if env.Error != "" && env.Content == nil {
			return "", env.Error
		}
		if env.Content != nil {
			return *env.Content, ""
		}
	}
	return string(trimmed), ""
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// ResolveScriptPath 根据工作目录推导脚本路径。
func ResolveScriptPath(baseDir, script string) string {
	if script == "" || filepath.IsAbs(script) || baseDir == "" {
		return script
	}
	return filepath.Join(baseDir, script)
}
