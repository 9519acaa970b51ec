package mapper

import (
	"bytes"
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strings"

	xerrors "TaskPilot/internal/errors"
	"TaskPilot/internal/llm"
	"TaskPilot/internal/memory"
	"TaskPilot/internal/taskclient"
	"TaskPilot/pkg/logger"
)

// Request 汇总输入映射所需的全部上下文。
type Request struct {
	ActionDescription string
	ContextID         string
	Fields            []taskclient.InputField
	Variables         []taskclient.RuntimeVariable
	Memory            []memory.Message
}

// Result 是输入映射的结果。Unmapped 记录无法映射的字段及给调用方的建议。
type Result struct {
	Assignments  map[string]taskclient.Assignment `json:"mapped_assignments"`
	Unmapped     map[string][]string              `json:"unmapped_inputs"`
	Reasoning    map[string]string                `json:"mapping_reasoning,omitempty"`
	Confidence   map[string]float64               `json:"confidence_scores,omitempty"`
	TypeWarnings map[string]string                `json:"type_warnings,omitempty"`
}

func newResult() *Result {
	return &Result{
		Assignments:  map[string]taskclient.Assignment{},
		Unmapped:     map[string][]string{},
		Reasoning:    map[string]string{},
		Confidence:   map[string]float64{},
		TypeWarnings: map[string]string{},
	}
}

// MissingRequired 按字段声明顺序返回尚未赋值的必填字段。
func (r *Result) MissingRequired(fields []taskclient.InputField) []string {
	var missing []string
	for _, f := range fields {
		if !f.Required {
			continue
		}
		if r == nil {
			missing = append(missing, f.Name)
			continue
		}
		if _, ok := r.Assignments[f.Name]; !ok {
			missing = append(missing, f.Name)
		}
	}
	return missing
}

// Schema 是下发给推理协作方的输出约束。
var Schema = json.RawMessage(`{
  "type": "object",
  "required": ["mapped_assignments"],
  "properties": {
    "mapped_assignments": {
      "type": "object",
      "additionalProperties": {
        "type": "object",
        "required": ["assignment_type"],
        "properties": {
          "value": {},
          "assignment_type": {"type": "string", "enum": ["explicit", "variable_reference"]},
          "variable_id": {"type": ["string", "null"]}
        }
      }
    },
    "unmapped_inputs": {"type": "array", "items": {"type": "string"}},
    "mapping_reasoning": {"type": "object", "additionalProperties": {"type": "string"}},
    "confidence_scores": {"type": "object", "additionalProperties": {"type": "number", "minimum": 0, "maximum": 1}},
    "suggestions": {"type": "object", "additionalProperties": {"type": "array", "items": {"type": "string"}}}
  }
}`)

const systemPrompt = `You are an input mapping engine. Map every task input either to a runtime variable or to an explicit literal value.

Assignment types:
- "variable_reference": the input takes the value of a runtime variable. Set "variable_id" to that variable's id.
- "explicit": a literal value taken from the action description, the conversation history, or the input's default. "variable_id" must be null.

Rules:
- Prefer runtime variables when one matches the input by name, description, and type.
- Only reference variable ids from the provided list.
- Keep types compatible (string to string, integer to integer or number).
- If no good value exists for an input, leave it out of "mapped_assignments", list it in "unmapped_inputs", and offer "suggestions".
- Give a short reason and a confidence between 0.0 and 1.0 for each mapping.
Answer with a JSON object only.`

// Mapper 借助推理协作方把任务输入映射为字面值或变量引用。
type Mapper struct {
	client llm.Client
	logger *slog.Logger
}

// Option 定义可选配置。
type Option func(*Mapper)

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(m *Mapper) {
		if l != nil {
			m.logger = l
		}
	}
}

// New 创建输入映射器。
func New(client llm.Client, opts ...Option) *Mapper {
	m := &Mapper{client: client, logger: logger.Named("mapper")}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Map 执行输入映射。任务没有声明输入时不调用推理协作方。
func (m *Mapper) Map(ctx context.Context, req Request) (*Result, error) {
	if len(req.Fields) == 0 {
		return newResult(), nil
	}
	if m.client == nil {
		return nil, xerrors.New(xerrors.CodeInitializationFailure, "推理客户端未配置")
	}

	resp, err := m.client.Generate(ctx, llm.Request{
		Purpose: llm.PurposeMapInputs,
		System:  systemPrompt,
		User:    buildUserPrompt(req),
		Schema:  Schema,
	})
	if err != nil {
		if ctx.Err() != nil || stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, xerrors.Wrap(xerrors.CodeTimeout, err, "输入映射推理超时")
		}
		return nil, xerrors.Wrap(xerrors.CodeReasoningFailed, err, "输入映射推理失败")
	}
	if resp == nil {
		return nil, xerrors.New(xerrors.CodeMalformedReasoningOutput, "输入映射推理返回空结果")
	}

	result, err := parseResult(resp.Content, req.Fields, req.Variables)
	if err != nil {
		m.logger.Warn("输入映射输出无效",
			slog.String("content", truncate(resp.Content, 512)),
			slog.Any("error", err),
		)
		return nil, err
	}

	complete(result, req.Fields, req.Variables)
	m.logger.Debug("输入映射完成",
		slog.Int("mapped", len(result.Assignments)),
		slog.Int("unmapped", len(result.Unmapped)),
		slog.Int("type_warnings", len(result.TypeWarnings)),
		slog.Int("total_tokens", resp.Usage.TotalTokens),
	)
	return result, nil
}

type rawAssignment struct {
	Value          json.RawMessage `json:"value"`
	AssignmentType *string         `json:"assignment_type"`
	VariableID     *string         `json:"variable_id"`
}

type rawResult struct {
	MappedAssignments map[string]rawAssignment `json:"mapped_assignments"`
	UnmappedInputs    []string                 `json:"unmapped_inputs"`
	MappingReasoning  map[string]string        `json:"mapping_reasoning"`
	ConfidenceScores  map[string]float64       `json:"confidence_scores"`
	Suggestions       map[string][]string      `json:"suggestions"`
}

// parseResult 严格解码推理输出，任何违反赋值约束的条目都会导致整体失败。
func parseResult(content string, fields []taskclient.InputField, vars []taskclient.RuntimeVariable) (*Result, error) {
	var raw rawResult
	if err := llm.DecodeObject(content, &raw); err != nil {
		return nil, malformed(err, "输入映射输出不是合法 JSON 对象")
	}
	if raw.MappedAssignments == nil {
		return nil, malformed(nil, "输入映射输出缺少 mapped_assignments")
	}

	fieldByName := make(map[string]taskclient.InputField, len(fields))
	for _, f := range fields {
		fieldByName[f.Name] = f
	}
	varByID := make(map[string]taskclient.RuntimeVariable, len(vars))
	for _, v := range vars {
		varByID[v.VariableID] = v
	}

	result := newResult()
	for name, ra := range raw.MappedAssignments {
		if _, ok := fieldByName[name]; !ok {
			return nil, malformed(nil, fmt.Sprintf("映射了未声明的字段 %q", name))
		}
		if ra.AssignmentType == nil {
			return nil, malformed(nil, fmt.Sprintf("字段 %q 缺少 assignment_type", name))
		}
		kind, ok := taskclient.ParseAssignmentType(*ra.AssignmentType)
		if !ok {
			return nil, malformed(nil, fmt.Sprintf("字段 %q 的 assignment_type %q 非法", name, *ra.AssignmentType))
		}

		value, err := decodeValue(ra.Value)
		if err != nil {
			return nil, malformed(err, fmt.Sprintf("字段 %q 的 value 非法", name))
		}

		switch kind {
		case taskclient.AssignmentVariableReference:
			if ra.VariableID == nil || strings.TrimSpace(*ra.VariableID) == "" {
				return nil, malformed(nil, fmt.Sprintf("字段 %q 引用变量但缺少 variable_id", name))
			}
			v, ok := varByID[*ra.VariableID]
			if !ok {
				return nil, malformed(nil, fmt.Sprintf("字段 %q 引用了不存在的变量 %q", name, *ra.VariableID))
			}
			if v.Value != nil {
				value = v.Value
			}
			result.Assignments[name] = taskclient.Reference(v.VariableID, value)
		case taskclient.AssignmentExplicit:
			if ra.VariableID != nil && strings.TrimSpace(*ra.VariableID) != "" {
				return nil, malformed(nil, fmt.Sprintf("字段 %q 为字面值赋值却携带 variable_id", name))
			}
			if len(bytes.TrimSpace(ra.Value)) == 0 {
				return nil, malformed(nil, fmt.Sprintf("字段 %q 为字面值赋值但缺少 value", name))
			}
			if value == nil && fieldByName[name].Required {
				// 必填字段的 null 视为未映射，由 complete 补默认值或给出建议
				continue
			}
			result.Assignments[name] = taskclient.Explicit(value)
		}
	}

	for name, score := range raw.ConfidenceScores {
		if score < 0 || score > 1 {
			return nil, malformed(nil, fmt.Sprintf("字段 %q 的置信度 %.3f 超出 [0,1]", name, score))
		}
		if _, ok := result.Assignments[name]; ok {
			result.Confidence[name] = score
		}
	}
	for name, reason := range raw.MappingReasoning {
		if _, ok := fieldByName[name]; ok {
			result.Reasoning[name] = reason
		}
	}
	for _, name := range raw.UnmappedInputs {
		if _, ok := fieldByName[name]; !ok {
			continue
		}
		if _, mapped := result.Assignments[name]; mapped {
			continue
		}
		result.Unmapped[name] = append([]string{}, raw.Suggestions[name]...)
	}
	return result, nil
}

// complete 补齐推理协作方遗漏的必填字段：优先使用声明的默认值，否则登记为未映射并给出建议；
// 同时记录类型兼容性告警。
func complete(result *Result, fields []taskclient.InputField, vars []taskclient.RuntimeVariable) {
	varByID := make(map[string]taskclient.RuntimeVariable, len(vars))
	for _, v := range vars {
		varByID[v.VariableID] = v
	}

	for _, f := range fields {
		assignment, mapped := result.Assignments[f.Name]
		if mapped {
			if warning := typeWarning(f, assignment, varByID); warning != "" {
				result.TypeWarnings[f.Name] = warning
			}
			continue
		}
		if !f.Required {
			continue
		}
		if value, err := f.DefaultValue(); err == nil && f.HasDefault() {
			result.Assignments[f.Name] = taskclient.Explicit(value)
			result.Reasoning[f.Name] = "filled from the declared default value"
			result.Confidence[f.Name] = 1
			delete(result.Unmapped, f.Name)
			continue
		}
		if len(result.Unmapped[f.Name]) == 0 {
			result.Unmapped[f.Name] = suggest(f, vars)
		}
	}
}

// suggest 为未映射的必填字段生成提示：优先列出类型兼容的变量名，最多三个。
func suggest(f taskclient.InputField, vars []taskclient.RuntimeVariable) []string {
	var out []string
	for _, v := range vars {
		if compatible(f.Type, v.Type) {
			out = append(out, fmt.Sprintf("use runtime variable %q (%s)", v.Name, v.VariableID))
			if len(out) == 3 {
				return out
			}
		}
	}
	if len(out) == 0 {
		typ := f.Type
		if typ == "" {
			typ = "value"
		}
		out = append(out, fmt.Sprintf("provide %s %q explicitly in the request", typ, f.Name))
	}
	return out
}

func decodeValue(raw json.RawMessage) (any, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	return v, nil
}

func malformed(cause error, message string) error {
	if cause != nil {
		return xerrors.Wrap(xerrors.CodeMalformedReasoningOutput, cause, message)
	}
	return xerrors.New(xerrors.CodeMalformedReasoningOutput, message)
}

func buildUserPrompt(req Request) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Action description: %s\n", strings.TrimSpace(req.ActionDescription))
	if req.ContextID != "" {
		fmt.Fprintf(&b, "Context ID: %s\n", req.ContextID)
	}

	b.WriteString("\nTask inputs:\n")
	for _, f := range req.Fields {
		required := "optional"
		if f.Required {
			required = "required"
		}
		fmt.Fprintf(&b, "- %s (%s, %s): %s", f.Name, f.Type, required, strings.TrimSpace(f.Description))
		if f.HasDefault() {
			fmt.Fprintf(&b, " [default: %s]", bytes.TrimSpace(f.Default))
		}
		b.WriteByte('\n')
	}

	b.WriteString("\nRuntime variables:\n")
	if len(req.Variables) == 0 {
		b.WriteString("(none)\n")
	}
	for _, v := range req.Variables {
		fmt.Fprintf(&b, "- id=%s name=%s (%s): %s\n", v.VariableID, v.Name, v.Type, strings.TrimSpace(v.Description))
	}

	if len(req.Memory) > 0 {
		fmt.Fprintf(&b, "\nConversation history (%d messages):\n", len(req.Memory))
		for i, msg := range req.Memory {
			fmt.Fprintf(&b, "%d. %s: %s\n", i+1, msg.Role, truncate(msg.Content, 200))
		}
	}

	b.WriteString("\nMap the task inputs.")
	return b.String()
}

func truncate(s string, limit int) string {
	if len([]rune(s)) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "..."
}
