package agent

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	xerrors "TaskPilot/internal/errors"
	"TaskPilot/internal/events"
	"TaskPilot/internal/mapper"
	"TaskPilot/internal/memory"
	"TaskPilot/internal/selector"
	"TaskPilot/internal/taskclient"
)

// Stage 标识流水线中的一个状态。
type Stage string

const (
	StageFindTasks    Stage = "find_tasks"
	StageSelectTask   Stage = "select_task"
	StageGetInputs    Stage = "get_inputs"
	StageGetVariables Stage = "get_variables"
	StageMapInputs    Stage = "map_inputs"
	StageExecuteTask  Stage = "execute_task"
	StageReturnResult Stage = "return_result"
)

// runState 保存单次运行产生的全部中间结果。
type runState struct {
	req     ExecutionRequest
	started time.Time

	candidates []taskclient.TaskCandidate
	decision   *selector.Decision
	task       *taskclient.TaskCandidate
	fields     []taskclient.InputField
	variables  []taskclient.RuntimeVariable
	mapping    *mapper.Result
	result     json.RawMessage

	failure *ErrorInfo
}

func (rs *runState) fail(stage Stage, err error) {
	info := &ErrorInfo{Stage: stage, Cause: xerrors.CodeOf(err), Message: xerrors.Describe(err)}
	rs.failure = info
}

type stageStep struct {
	stage   Stage
	event   events.Type
	message string
	run     func(ctx context.Context, rs *runState) error
}

func (a *Agent) pipeline() []stageStep {
	return []stageStep{
		{StageFindTasks, events.TypeFindingTasks, "正在检索相关任务", a.findTasks},
		{StageSelectTask, events.TypeSelectingTask, "正在选择最合适的任务", a.selectTask},
		{StageGetInputs, events.TypeGettingInputs, "正在获取任务输入", a.getInputs},
		{StageGetVariables, events.TypeGettingVars, "正在获取运行时变量", a.getVariables},
		{StageMapInputs, events.TypeMappingInputs, "正在映射任务输入", a.mapInputs},
		{StageExecuteTask, events.TypeExecuting, "正在执行任务", a.executeTask},
	}
}

func (a *Agent) findTasks(ctx context.Context, rs *runState) error {
	action := strings.TrimSpace(rs.req.ActionDescription)
	if action == "" {
		return xerrors.New(xerrors.CodeInvalidRequest, "action_description 不能为空")
	}
	if strings.TrimSpace(rs.req.ContextID) == "" {
		return xerrors.New(xerrors.CodeInvalidRequest, "context_id 不能为空")
	}
	if a.tasks == nil {
		return xerrors.New(xerrors.CodeTaskSearchFailed, "未配置远端任务客户端")
	}

	candidates, err := a.tasks.FindTasks(ctx, action)
	if err != nil {
		return err
	}
	rs.candidates = candidates
	if len(candidates) == 0 {
		return xerrors.New(xerrors.CodeNoTasksFound, "没有找到与请求匹配的任务")
	}
	return nil
}

func (a *Agent) selectTask(ctx context.Context, rs *runState) error {
	var decision selector.Decision
	if len(rs.candidates) == 1 && !a.selectSingle {
		decision = selector.Decision{
			SelectedTaskID: rs.candidates[0].TaskID,
			Reasoning:      "single candidate",
			Confidence:     1,
			Alternatives:   []taskclient.TaskID{},
		}
	} else {
		if a.selector == nil {
			return xerrors.New(xerrors.CodeReasoningFailed, "未配置任务选择器")
		}
		var err error
		decision, err = a.selector.Select(ctx, rs.req.ActionDescription, rs.candidates)
		if err != nil {
			return err
		}
	}
	rs.decision = &decision

	for i := range rs.candidates {
		if rs.candidates[i].TaskID == decision.SelectedTaskID {
			rs.task = &rs.candidates[i]
			break
		}
	}
	if rs.task == nil {
		return xerrors.Newf(xerrors.CodeSelectionInvalid, "选择的任务 %s 不在候选列表中", decision.SelectedTaskID)
	}
	if a.enforceMinConf && decision.Confidence < a.minConfidence {
		return xerrors.Newf(xerrors.CodeSelectionInvalid, "任务 %s 的选择置信度 %.2f 低于阈值 %.2f",
			rs.task.TaskID, decision.Confidence, a.minConfidence)
	}

	a.publish(ctx, rs, events.TypeSelected, StageSelectTask, "已选择任务 "+rs.task.Name, map[string]any{
		"task_id":    rs.task.TaskID,
		"task_name":  rs.task.Name,
		"confidence": decision.Confidence,
	})
	return nil
}

func (a *Agent) getInputs(ctx context.Context, rs *runState) error {
	fields, err := a.tasks.GetTaskInputs(ctx, rs.task.TaskID)
	if err != nil {
		return err
	}
	rs.fields = fields
	return nil
}

func (a *Agent) getVariables(ctx context.Context, rs *runState) error {
	vars, err := a.tasks.GetRuntimeVariables(ctx, rs.req.ContextID)
	if err != nil {
		return err
	}
	rs.variables = vars
	return nil
}

func (a *Agent) mapInputs(ctx context.Context, rs *runState) error {
	if a.mapper == nil {
		return xerrors.New(xerrors.CodeReasoningFailed, "未配置输入映射器")
	}
	result, err := a.mapper.Map(ctx, mapper.Request{
		ActionDescription: rs.req.ActionDescription,
		ContextID:         rs.req.ContextID,
		Fields:            rs.fields,
		Variables:         rs.variables,
		Memory:            a.recall(ctx, rs.req.SessionID),
	})
	if err != nil {
		return err
	}
	rs.mapping = result

	missing := result.MissingRequired(rs.fields)
	if len(missing) == 0 {
		return nil
	}
	return xerrors.New(xerrors.CodeRequiredInputUnmapped, describeMissing(missing, result.Unmapped),
		xerrors.WithMetadata("fields", strings.Join(missing, ",")))
}

func (a *Agent) executeTask(ctx context.Context, rs *runState) error {
	out, err := a.tasks.ExecuteTask(ctx, rs.req.ContextID, rs.task.TaskID, rs.mapping.Assignments)
	if err != nil {
		return err
	}
	rs.result = out
	return nil
}

// recall 读取会话记忆，失败时只记录日志。
func (a *Agent) recall(ctx context.Context, sessionID string) []memory.Message {
	if a.memory == nil || sessionID == "" {
		return nil
	}
	msgs, err := a.memory.Recent(ctx, sessionID, a.memoryDepth)
	if err != nil {
		a.logger.Warn("读取会话记忆失败", slog.String("session_id", sessionID), slog.Any("error", err))
		return nil
	}
	return msgs
}

func describeMissing(missing []string, unmapped map[string][]string) string {
	parts := make([]string, 0, len(missing))
	for _, name := range missing {
		hints := unmapped[name]
		if len(hints) == 0 {
			parts = append(parts, name)
			continue
		}
		sorted := append([]string(nil), hints...)
		sort.Strings(sorted)
		parts = append(parts, fmt.Sprintf("%s (建议: %s)", name, strings.Join(sorted, ", ")))
	}
	return "必填输入无法映射: " + strings.Join(parts, "; ")
}

// stageCodes 列出每个阶段允许直接透出的原因标签，其余失败归入阶段默认标签。
var stageCodes = map[Stage]struct {
	fallback xerrors.Code
	allowed  []xerrors.Code
}{
	StageFindTasks:    {xerrors.CodeTaskSearchFailed, []xerrors.Code{xerrors.CodeInvalidRequest, xerrors.CodeNoTasksFound}},
	StageSelectTask:   {xerrors.CodeReasoningFailed, []xerrors.Code{xerrors.CodeSelectionInvalid, xerrors.CodeMalformedReasoningOutput}},
	StageGetInputs:    {xerrors.CodeSchemaFetchFailed, nil},
	StageGetVariables: {xerrors.CodeVariableFetchFailed, nil},
	StageMapInputs:    {xerrors.CodeReasoningFailed, []xerrors.Code{xerrors.CodeMalformedReasoningOutput, xerrors.CodeRequiredInputUnmapped}},
	StageExecuteTask:  {xerrors.CodeExecutionRejected, nil},
}

// resolveCause 把阶段错误归类为原因标签：调用方截止时间优先归为 Timeout，
// 重试耗尽的传输错误归为 Transport，其余按阶段归类。
func resolveCause(ctx context.Context, stage Stage, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if xerrors.HasCode(err, xerrors.CodeTimeout) {
			return err
		}
		return timeoutError(stage, stdErrors.Join(ctxErr, err))
	}
	code := xerrors.CodeOf(err)
	switch code {
	case xerrors.CodeTransport, xerrors.CodeTimeout:
		return err
	}
	rule := stageCodes[stage]
	if code == rule.fallback {
		return err
	}
	for _, allowed := range rule.allowed {
		if code == allowed {
			return err
		}
	}
	return xerrors.Wrap(rule.fallback, err, "", xerrors.WithStage(string(stage)))
}

func timeoutError(stage Stage, cause error) error {
	return xerrors.Wrap(xerrors.CodeTimeout, cause, fmt.Sprintf("运行在 %s 阶段超出截止时间", stage),
		xerrors.WithStage(string(stage)))
}
