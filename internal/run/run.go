package run

import (
	"time"

	"TaskPilot/internal/agent"
	xerrors "TaskPilot/internal/errors"
)

// Status 表示运行在生命周期中的状态。
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Run 记录一次被跟踪的任务执行，完成后保存完整的结果信封。
type Run struct {
	ID                string                 `json:"id"`
	ActionDescription string                 `json:"action_description"`
	ContextID         string                 `json:"context_id"`
	SessionID         string                 `json:"session_id,omitempty"`
	TimeoutSeconds    float64                `json:"timeout_seconds,omitempty"`
	Status            Status                 `json:"status"`
	Stage             string                 `json:"stage,omitempty"`
	ErrorCode         string                 `json:"error_code,omitempty"`
	LastError         string                 `json:"last_error,omitempty"`
	Result            *agent.ExecutionResult `json:"result,omitempty"`
	CreatedAt         int64                  `json:"created_at"`
	UpdatedAt         int64                  `json:"updated_at"`
}

// Request 还原运行对应的执行请求。
func (r *Run) Request() agent.ExecutionRequest {
	return agent.ExecutionRequest{
		RunID:             r.ID,
		ActionDescription: r.ActionDescription,
		ContextID:         r.ContextID,
		SessionID:         r.SessionID,
		Timeout:           time.Duration(r.TimeoutSeconds * float64(time.Second)),
	}
}

// Done 判断运行是否已经结束。
func (r *Run) Done() bool {
	return r.Status == StatusSucceeded || r.Status == StatusFailed
}

// complete 按结果信封更新终态。
func (r *Run) complete(result agent.ExecutionResult, now int64) {
	res := result
	r.Result = &res
	r.UpdatedAt = now
	if result.Success {
		r.Status = StatusSucceeded
		r.Stage = ""
		r.ErrorCode = ""
		r.LastError = ""
		return
	}
	r.Status = StatusFailed
	if result.Error != nil {
		r.Stage = string(result.Error.Stage)
		r.ErrorCode = string(result.Error.Cause)
		r.LastError = result.Error.Message
	}
}

func (r *Run) clone() *Run {
	if r == nil {
		return nil
	}
	c := *r
	if r.Result != nil {
		res := *r.Result
		c.Result = &res
	}
	return &c
}

const (
	CodeRunCompleted xerrors.Code = "RUN_COMPLETED"
	CodeRunPublish   xerrors.Code = "RUN_PUBLISH_FAILED"
)

func init() {
	xerrors.Register(CodeRunCompleted, xerrors.Attributes{
		Message:  "run already completed",
		Severity: xerrors.SeverityInfo,
	})
	xerrors.Register(CodeRunPublish, xerrors.Attributes{
		Message:   "failed to publish run",
		Severity:  xerrors.SeverityCritical,
		Retryable: true,
		Alert:     true,
	})
}

var (
	// ErrRunNotFound 表示指定的运行不存在。
	ErrRunNotFound = xerrors.New(xerrors.CodeNotFound, "run not found")
	// ErrRunConflict 表示运行已存在或正在执行。
	ErrRunConflict = xerrors.New(xerrors.CodeConflict, "run conflict")
	// ErrRunCompleted 表示运行已经结束，不能再次领取。
	ErrRunCompleted = xerrors.New(CodeRunCompleted, "run already completed")
)

// IsValidStatus 检查给定的状态是否为支持的枚举值。
func IsValidStatus(status Status) bool {
	switch status {
	case StatusPending, StatusRunning, StatusSucceeded, StatusFailed:
		return true
	default:
		return false
	}
}
