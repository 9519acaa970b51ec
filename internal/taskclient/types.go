package taskclient

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// TaskID 是远端任务的标识。远端服务可能以整数或字符串返回，统一归一为字符串。
type TaskID string

// UnmarshalJSON 同时接受 JSON 数字与字符串。
func (id *TaskID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = TaskID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("task_id 既不是字符串也不是数字: %s", data)
	}
	*id = TaskID(n.String())
	return nil
}

// TaskCandidate 描述检索到的候选任务，顺序与远端返回一致。
type TaskCandidate struct {
	TaskID      TaskID          `json:"task_id"`
	Name        string          `json:"task_name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"input_schema,omitempty"`
}

// InputField 描述任务声明的一个输入字段。
type InputField struct {
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Description string          `json:"description"`
	Required    bool            `json:"required"`
	Default     json.RawMessage `json:"default_value,omitempty"`
}

// HasDefault 判断字段是否声明了非空默认值。
func (f InputField) HasDefault() bool {
	trimmed := bytes.TrimSpace(f.Default)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// DefaultValue 解码默认值。
func (f InputField) DefaultValue() (any, error) {
	if !f.HasDefault() {
		return nil, nil
	}
	var v any
	if err := json.Unmarshal(f.Default, &v); err != nil {
		return nil, err
	}
	return v, nil
}

// RuntimeVariable 是某个运行上下文中的变量快照，仅在单次运行内有效。
type RuntimeVariable struct {
	VariableID  string `json:"variable_id"`
	Name        string `json:"name"`
	Type        string `json:"var_type"`
	Description string `json:"description"`
	Value       any    `json:"value,omitempty"`
}

// AssignmentType 区分字面值与变量引用。
type AssignmentType string

const (
	AssignmentExplicit          AssignmentType = "explicit"
	AssignmentVariableReference AssignmentType = "variable_reference"
)

// ParseAssignmentType 大小写不敏感地解析赋值类型。
func ParseAssignmentType(raw string) (AssignmentType, bool) {
	switch AssignmentType(strings.ToLower(strings.TrimSpace(raw))) {
	case AssignmentExplicit:
		return AssignmentExplicit, true
	case AssignmentVariableReference:
		return AssignmentVariableReference, true
	default:
		return "", false
	}
}

// Assignment 是提交给远端执行接口的单个输入赋值。
type Assignment struct {
	Value          any            `json:"value"`
	AssignmentType AssignmentType `json:"assignment_type"`
	VariableID     *string        `json:"variable_id"`
}

// Explicit 构造字面值赋值。
func Explicit(value any) Assignment {
	return Assignment{Value: value, AssignmentType: AssignmentExplicit}
}

// Reference 构造变量引用赋值。
func Reference(variableID string, value any) Assignment {
	id := variableID
	return Assignment{Value: value, AssignmentType: AssignmentVariableReference, VariableID: &id}
}

type searchRequest struct {
	ActionDescription string `json:"action_description"`
}

type searchResponse struct {
	Tasks []TaskCandidate `json:"tasks"`
}

type inputsResponse struct {
	Inputs []InputField `json:"inputs"`
}

type variablesResponse struct {
	Variables []RuntimeVariable `json:"variables"`
}

type executeRequest struct {
	ContextID        string                `json:"context_id"`
	TaskID           TaskID                `json:"task_id"`
	InputAssignments map[string]Assignment `json:"input_assignments"`
}

type executeResponse struct {
	Success      *bool           `json:"success"`
	Result       json.RawMessage `json:"result"`
	ErrorMessage string          `json:"error_message"`
}

// String 便于日志输出。
func (id TaskID) String() string { return string(id) }
