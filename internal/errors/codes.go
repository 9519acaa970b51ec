package errors

import "sync"

// Code 表示系统内的统一错误码。流水线失败时错误码即为返回给调用方的原因标签。
type Code string

// Severity 描述错误的严重程度，用于告警和审计。
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// 流水线原因标签。
const (
	CodeNoTasksFound             Code = "NoTasksFound"
	CodeTaskSearchFailed         Code = "TaskSearchFailed"
	CodeSelectionInvalid         Code = "SelectionInvalid"
	CodeSchemaFetchFailed        Code = "SchemaFetchFailed"
	CodeVariableFetchFailed      Code = "VariableFetchFailed"
	CodeRequiredInputUnmapped    Code = "RequiredInputUnmapped"
	CodeExecutionRejected        Code = "ExecutionRejected"
	CodeTransport                Code = "Transport"
	CodeTimeout                  Code = "Timeout"
	CodeMalformedReasoningOutput Code = "MalformedReasoningOutput"
	CodeReasoningFailed          Code = "ReasoningFailed"
	CodeInvalidRequest           Code = "InvalidRequest"
)

// 基础设施错误码。
const (
	CodeUnknown               Code = "UNKNOWN"
	CodeNotFound              Code = "NOT_FOUND"
	CodeConflict              Code = "CONFLICT"
	CodeUnauthorized          Code = "UNAUTHORIZED"
	CodeInitializationFailure Code = "INITIALIZATION_FAILURE"
	CodeStorageFailure        Code = "STORAGE_FAILURE"
	CodeQueueFailure          Code = "QUEUE_FAILURE"
)

// Attributes 为错误码提供默认行为。
type Attributes struct {
	Message   string
	Severity  Severity
	Retryable bool
	Alert     bool
}

var (
	registryMu sync.RWMutex
	registry   = map[Code]Attributes{
		CodeUnknown:                  {Message: "unknown error", Severity: SeverityCritical, Alert: true},
		CodeNotFound:                 {Message: "resource not found", Severity: SeverityInfo},
		CodeConflict:                 {Message: "resource conflict", Severity: SeverityWarning},
		CodeUnauthorized:             {Message: "missing or invalid credentials", Severity: SeverityWarning},
		CodeInitializationFailure:    {Message: "component not initialised", Severity: SeverityWarning, Retryable: true, Alert: true},
		CodeStorageFailure:           {Message: "storage failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeQueueFailure:             {Message: "queue failure", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeNoTasksFound:             {Message: "no candidate tasks matched the request", Severity: SeverityInfo},
		CodeTaskSearchFailed:         {Message: "task search failed", Severity: SeverityWarning},
		CodeSelectionInvalid:         {Message: "selected task is not a valid candidate", Severity: SeverityWarning},
		CodeSchemaFetchFailed:        {Message: "failed to fetch task input schema", Severity: SeverityWarning},
		CodeVariableFetchFailed:      {Message: "failed to fetch runtime variables", Severity: SeverityWarning},
		CodeRequiredInputUnmapped:    {Message: "required inputs could not be mapped", Severity: SeverityInfo},
		CodeExecutionRejected:        {Message: "task execution rejected by remote service", Severity: SeverityWarning},
		CodeTransport:                {Message: "remote service unreachable", Severity: SeverityCritical, Retryable: true, Alert: true},
		CodeTimeout:                  {Message: "deadline exceeded", Severity: SeverityWarning, Retryable: true},
		CodeMalformedReasoningOutput: {Message: "reasoning output did not match the expected shape", Severity: SeverityWarning},
		CodeReasoningFailed:          {Message: "reasoning collaborator failed", Severity: SeverityWarning, Alert: true},
		CodeInvalidRequest:           {Message: "invalid execution request", Severity: SeverityInfo},
	}
)

// Register 允许业务模块在初始化阶段注册新的错误码描述。
func Register(code Code, attr Attributes) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[code] = attr
}

// AttributesOf 返回错误码对应的属性。若未注册则返回 UNKNOWN 的属性。
func AttributesOf(code Code) Attributes {
	registryMu.RLock()
	defer registryMu.RUnlock()
	if attr, ok := registry[code]; ok {
		return attr
	}
	return registry[CodeUnknown]
}
