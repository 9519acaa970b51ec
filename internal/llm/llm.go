package llm

import (
	"context"
	"encoding/json"
)

// 推理调用的用途，便于日志与指标区分。
const (
	PurposeSelectTask = "select_task"
	PurposeMapInputs  = "map_inputs"
)

// Request 描述一次结构化推理调用。
type Request struct {
	// Purpose 标识调用来自流水线的哪个阶段。
	Purpose string
	// System 是系统提示词，描述角色与输出约束。
	System string
	// User 是具体的任务上下文。
	User string
	// Schema 是期望输出的 JSON Schema，随请求一并下发。
	Schema json.RawMessage
}

// Response 是推理协作方返回的原始文本，由调用方负责解码与校验。
// Model 与 Usage 由支持的实现填写，仅用于日志。
type Response struct {
	Content string
	Model   string
	Usage   Usage
}

// Usage 记录一次调用消耗的 token 数。
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Client 定义了推理协作方的统一接口。
type Client interface {
	Generate(ctx context.Context, req Request) (*Response, error)
}

// ClientFunc 让普通函数满足 Client 接口。
type ClientFunc func(ctx context.Context, req Request) (*Response, error)

// Generate 实现 Client。
func (f ClientFunc) Generate(ctx context.Context, req Request) (*Response, error) {
	return f(ctx, req)
}
