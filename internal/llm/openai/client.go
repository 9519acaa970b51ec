package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	xerrors "TaskPilot/internal/errors"
	"TaskPilot/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1"
	defaultModelName = "gpt-4o-mini"
	defaultTimeout   = 60 * time.Second
	maxErrorBody     = 2048
)

// Config 描述调用 OpenAI 兼容 Chat Completions API 所需的信息。
type Config struct {
	APIKey      string
	BaseURL     string
	Model       string
	Timeout     time.Duration
	Temperature float64
}

// Client 通过 HTTP 调用 OpenAI 兼容接口完成结构化推理，并要求模型以 JSON 对象作答。
type Client struct {
	apiKey      string
	endpoint    string
	model       string
	temperature float64
	httpClient  *http.Client
}

// NewClient 根据配置创建客户端，未填写的字段使用默认值。
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "未提供 OpenAI API Key")
	}
	c := &Client{
		apiKey:      apiKey,
		endpoint:    strings.TrimRight(orDefault(cfg.BaseURL, defaultBaseURL), "/") + "/chat/completions",
		model:       orDefault(cfg.Model, defaultModelName),
		temperature: cfg.Temperature,
		httpClient:  &http.Client{Timeout: defaultTimeout},
	}
	if cfg.Timeout > 0 {
		c.httpClient.Timeout = cfg.Timeout
	}
	return c, nil
}

func orDefault(v, fallback string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return fallback
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string         `json:"model"`
	Messages       []message      `json:"messages"`
	Temperature    float64        `json:"temperature"`
	ResponseFormat map[string]any `json:"response_format,omitempty"`
}

type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		FinishReason string  `json:"finish_reason"`
		Message      message `json:"message"`
	} `json:"choices"`
	Usage llm.Usage `json:"usage"`
}

type apiError struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Generate 实现 llm.Client。
func (c *Client) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	body, err := json.Marshal(c.buildPayload(req))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeReasoningFailed, err, "序列化 OpenAI 请求失败")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeReasoningFailed, err, "构建 OpenAI 请求失败")
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeReasoningFailed, err, "请求 OpenAI 失败")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, statusError(resp)
	}

	var decoded chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeMalformedReasoningOutput, err, "解析 OpenAI 响应失败")
	}
	if len(decoded.Choices) == 0 {
		return nil, xerrors.New(xerrors.CodeMalformedReasoningOutput, "OpenAI 响应中没有有效的 choices")
	}
	choice := decoded.Choices[0]
	if choice.FinishReason == "length" {
		return nil, xerrors.New(xerrors.CodeMalformedReasoningOutput, "OpenAI 输出因长度限制被截断")
	}
	content := strings.TrimSpace(choice.Message.Content)
	if content == "" {
		return nil, xerrors.New(xerrors.CodeMalformedReasoningOutput, "OpenAI 响应内容为空")
	}
	return &llm.Response{Content: content, Model: decoded.Model, Usage: decoded.Usage}, nil
}

// statusError 把错误状态转换为带状态码元数据的错误，优先使用接口返回的 error.message。
func statusError(resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	detail := strings.TrimSpace(string(raw))
	var parsed apiError
	if json.Unmarshal(raw, &parsed) == nil && parsed.Error.Message != "" {
		detail = parsed.Error.Message
	}
	return xerrors.New(xerrors.CodeReasoningFailed,
		fmt.Sprintf("OpenAI 返回错误状态 %d: %s", resp.StatusCode, detail),
		xerrors.WithMetadata("status", fmt.Sprint(resp.StatusCode)),
		xerrors.WithRetryable(resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError),
	)
}

func (c *Client) buildPayload(req llm.Request) chatRequest {
	system := strings.TrimSpace(req.System)
	if len(req.Schema) > 0 {
		system += "\n\nRespond with a single JSON object that validates against this JSON Schema:\n" + string(req.Schema)
	}
	return chatRequest{
		Model: c.model,
		Messages: []message{
			{Role: "system", Content: system},
			{Role: "user", Content: req.User},
		},
		Temperature:    c.temperature,
		ResponseFormat: map[string]any{"type": "json_object"},
	}
}
