package mapper

import (
	"encoding/json"
	"fmt"
	"strings"

	"TaskPilot/internal/taskclient"
)

// normalizeType 把远端与推理协作方使用的各种类型名归一。
func normalizeType(t string) string {
	switch strings.ToLower(strings.TrimSpace(t)) {
	case "str", "string", "text", "email", "url":
		return "string"
	case "int", "integer", "long":
		return "integer"
	case "float", "double", "number", "decimal":
		return "number"
	case "bool", "boolean":
		return "boolean"
	case "array", "list":
		return "array"
	case "object", "dict", "map", "json":
		return "object"
	default:
		return ""
	}
}

// compatible 判断 actual 类型的值能否用于 expected 类型的字段。未知类型视为兼容。
func compatible(expected, actual string) bool {
	e, a := normalizeType(expected), normalizeType(actual)
	if e == "" || a == "" || e == a {
		return true
	}
	return e == "number" && a == "integer"
}

// kindOf 推断解码后 JSON 值的类型名。
func kindOf(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return "string"
	case bool:
		return "boolean"
	case json.Number:
		if strings.ContainsAny(x.String(), ".eE") {
			return "number"
		}
		return "integer"
	case float64, float32:
		return "number"
	case int, int32, int64:
		return "integer"
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return ""
	}
}

func typeWarning(f taskclient.InputField, a taskclient.Assignment, vars map[string]taskclient.RuntimeVariable) string {
	switch a.AssignmentType {
	case taskclient.AssignmentVariableReference:
		if a.VariableID == nil {
			return ""
		}
		v, ok := vars[*a.VariableID]
		if !ok || compatible(f.Type, v.Type) {
			return ""
		}
		return fmt.Sprintf("variable %q is %s but input expects %s", v.Name, v.Type, f.Type)
	default:
		kind := kindOf(a.Value)
		if compatible(f.Type, kind) {
			return ""
		}
		return fmt.Sprintf("explicit value is %s but input expects %s", kind, f.Type)
	}
}
