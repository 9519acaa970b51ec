package selector

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
	"TaskPilot/internal/taskclient"
	"TaskPilot/pkg/logger"
)

// Decision 是任务选择的结果。SelectedTaskID 是否属于候选集由编排器校验。
type Decision struct {
	SelectedTaskID taskclient.TaskID   `json:"selected_task_id"`
	Reasoning      string              `json:"reasoning"`
	Confidence     float64             `json:"confidence"`
	Alternatives   []taskclient.TaskID `json:"alternative_task_ids"`
}

// Schema 是下发给推理协作方的输出约束。
var Schema = json.RawMessage(`{
  "type": "object",
  "required": ["selected_task_id", "reasoning", "confidence"],
  "properties": {
    "selected_task_id": {"type": ["string", "integer", "null"], "description": "task_id of the chosen candidate, null when none fits"},
    "reasoning": {"type": "string"},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1},
    "alternative_task_ids": {"type": "array", "items": {"type": ["string", "integer"]}}
  }
}`)

const systemPrompt = `You are a task selection engine. Given a user's action description and a list of candidate tasks, choose the ONE task that best accomplishes the user's intent.

Selection criteria: intent match, capability alignment, completeness, and directness.
Only choose a task_id that appears in the candidate list. If no candidate fits, set "selected_task_id" to null.
Report confidence between 0.0 and 1.0 and list up to three alternative candidate ids.
Answer with a JSON object only.`

// Selector 借助推理协作方从候选任务中挑选一个。
type Selector struct {
	client llm.Client
	logger *slog.Logger
}

// Option 定义可选配置。
type Option func(*Selector)

// WithLogger 指定日志实例。
func WithLogger(l *slog.Logger) Option {
	return func(s *Selector) {
		if l != nil {
			s.logger = l
		}
	}
}

// New 创建任务选择器。
func New(client llm.Client, opts ...Option) *Selector {
	s := &Selector{client: client, logger: logger.Named("selector")}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Select 根据动作描述选择任务。调用方保证 candidates 非空。
func (s *Selector) Select(ctx context.Context, action string, candidates []taskclient.TaskCandidate) (Decision, error) {
	if s.client == nil {
		return Decision{}, xerrors.New(xerrors.CodeInitializationFailure, "推理客户端未配置")
	}

	resp, err := s.client.Generate(ctx, llm.Request{
		Purpose: llm.PurposeSelectTask,
		System:  systemPrompt,
		User:    buildUserPrompt(action, candidates),
		Schema:  Schema,
	})
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil || stdErrors.Is(err, context.DeadlineExceeded) {
			return Decision{}, xerrors.Wrap(xerrors.CodeTimeout, err, "任务选择推理超时")
		}
		return Decision{}, xerrors.Wrap(xerrors.CodeReasoningFailed, err, "任务选择推理失败")
	}
	if resp == nil {
		return Decision{}, xerrors.New(xerrors.CodeMalformedReasoningOutput, "任务选择推理返回空结果")
	}

	decision, err := parseDecision(resp.Content, candidates)
	if err != nil {
		s.logger.Warn("任务选择输出无效",
			slog.String("content", truncate(resp.Content, 512)),
			slog.Any("error", err),
		)
		return Decision{}, err
	}

	s.logger.Debug("任务选择完成",
		slog.String("task_id", string(decision.SelectedTaskID)),
		slog.Float64("confidence", decision.Confidence),
		slog.Int("alternatives", len(decision.Alternatives)),
		slog.Int("total_tokens", resp.Usage.TotalTokens),
	)
	return decision, nil
}

type rawDecision struct {
	SelectedTaskID     json.RawMessage   `json:"selected_task_id"`
	Reasoning          *string           `json:"reasoning"`
	Confidence         *float64          `json:"confidence"`
	AlternativeTaskIDs []json.RawMessage `json:"alternative_task_ids"`
}

// parseDecision 严格解码并校验推理输出。备选项只保留候选集中存在的 id。
func parseDecision(content string, candidates []taskclient.TaskCandidate) (Decision, error) {
	var raw rawDecision
	if err := llm.DecodeObject(content, &raw); err != nil {
		return Decision{}, xerrors.Wrap(xerrors.CodeMalformedReasoningOutput, err, "任务选择输出不是合法 JSON 对象")
	}

	trimmed := bytes.TrimSpace(raw.SelectedTaskID)
	if len(trimmed) == 0 {
		return Decision{}, xerrors.New(xerrors.CodeMalformedReasoningOutput, "任务选择输出缺少 selected_task_id")
	}
	if raw.Confidence == nil {
		return Decision{}, xerrors.New(xerrors.CodeMalformedReasoningOutput, "任务选择输出缺少 confidence")
	}
	if *raw.Confidence < 0 || *raw.Confidence > 1 {
		return Decision{}, xerrors.Newf(xerrors.CodeMalformedReasoningOutput, "confidence %.3f 超出 [0,1]", *raw.Confidence)
	}

	decision := Decision{Confidence: *raw.Confidence}
	if raw.Reasoning != nil {
		decision.Reasoning = strings.TrimSpace(*raw.Reasoning)
	}

	if bytes.Equal(trimmed, []byte("null")) {
		return Decision{}, xerrors.New(xerrors.CodeSelectionInvalid, "推理协作方认为没有合适的候选任务",
			xerrors.WithMetadata("reasoning", decision.Reasoning))
	}
	if err := json.Unmarshal(trimmed, &decision.SelectedTaskID); err != nil {
		return Decision{}, xerrors.Wrap(xerrors.CodeMalformedReasoningOutput, err, "selected_task_id 类型非法")
	}
	if decision.SelectedTaskID == "" {
		return Decision{}, xerrors.New(xerrors.CodeMalformedReasoningOutput, "selected_task_id 为空")
	}

	known := make(map[taskclient.TaskID]struct{}, len(candidates))
	for _, c := range candidates {
		known[c.TaskID] = struct{}{}
	}
	seen := map[taskclient.TaskID]struct{}{decision.SelectedTaskID: {}}
	decision.Alternatives = []taskclient.TaskID{}
	for _, rawAlt := range raw.AlternativeTaskIDs {
		var alt taskclient.TaskID
		if err := json.Unmarshal(rawAlt, &alt); err != nil {
			return Decision{}, xerrors.Wrap(xerrors.CodeMalformedReasoningOutput, err, "alternative_task_ids 含非法元素")
		}
		if _, ok := known[alt]; !ok {
			continue
		}
		if _, dup := seen[alt]; dup {
			continue
		}
		seen[alt] = struct{}{}
		decision.Alternatives = append(decision.Alternatives, alt)
	}
	return decision, nil
}

func buildUserPrompt(action string, candidates []taskclient.TaskCandidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Action description: %s\n\nCandidate tasks:\n", strings.TrimSpace(action))
	for i, c := range candidates {
		fmt.Fprintf(&b, "%d. task_id=%s name=%s\n   description: %s\n", i+1, c.TaskID, c.Name, strings.TrimSpace(c.Description))
		if len(c.InputSchema) > 0 {
			fmt.Fprintf(&b, "   input_schema: %s\n", truncate(string(c.InputSchema), 400))
		}
	}
	b.WriteString("\nSelect the most suitable task.")
	return b.String()
}

func truncate(s string, limit int) string {
	if len([]rune(s)) <= limit {
		return s
	}
	return string([]rune(s)[:limit]) + "..."
}
