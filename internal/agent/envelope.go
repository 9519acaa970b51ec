package agent

import (
	"encoding/json"
	"time"

	xerrors "TaskPilot/internal/errors"
	"TaskPilot/internal/mapper"
	"TaskPilot/internal/selector"
	"TaskPilot/internal/taskclient"
)

// TaskInfo 是返回给调用方的任务摘要。
type TaskInfo struct {
	TaskID      taskclient.TaskID `json:"task_id"`
	Name        string            `json:"task_name"`
	Description string            `json:"description"`
}

// ErrorInfo 描述失败发生的阶段与原因。
type ErrorInfo struct {
	Stage   Stage        `json:"stage"`
	Cause   xerrors.Code `json:"cause"`
	Message string       `json:"message"`
}

// ExecutionResult 是流水线返回给调用方的唯一结果。失败时 Result 为 null，
// TaskInfo、Selection、MappedInputs 保留失败前已经得到的内容。
type ExecutionResult struct {
	Success       bool               `json:"success"`
	Result        json.RawMessage    `json:"result"`
	TaskInfo      *TaskInfo          `json:"task_info"`
	Selection     *selector.Decision `json:"selection"`
	ExecutionTime float64            `json:"execution_time"`
	MappedInputs  *mapper.Result     `json:"mapped_inputs"`
	Error         *ErrorInfo         `json:"error"`
}

// Failed 返回失败时的原因标签，成功时返回空字符串。
func (r ExecutionResult) Failed() xerrors.Code {
	if r.Error == nil {
		return ""
	}
	return r.Error.Cause
}

func buildEnvelope(rs *runState) ExecutionResult {
	out := ExecutionResult{
		Selection:     rs.decision,
		MappedInputs:  rs.mapping,
		ExecutionTime: time.Since(rs.started).Seconds(),
	}
	if rs.task != nil {
		out.TaskInfo = &TaskInfo{
			TaskID:      rs.task.TaskID,
			Name:        rs.task.Name,
			Description: rs.task.Description,
		}
	}
	if rs.failure != nil {
		out.Error = rs.failure
		return out
	}
	out.Success = true
	out.Result = rs.result
	if len(out.Result) == 0 {
		out.Result = json.RawMessage("null")
	}
	return out
}
