// Package taskclienttest 提供测试用的进程内任务执行服务，实现智能体依赖的
// 四个接口并记录收到的每次调用。
package taskclienttest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"

	"TaskPilot/internal/taskclient"
)

// ExecuteRequest 对应 POST /api/tasks/execute 的请求体。
type ExecuteRequest struct {
	ContextID        string                           `json:"context_id"`
	TaskID           string                           `json:"task_id"`
	InputAssignments map[string]taskclient.Assignment `json:"input_assignments"`
}

// ExecuteFunc 生成执行调用的响应，返回值按给定状态码编码为 JSON 响应体。
type ExecuteFunc func(req ExecuteRequest) (status int, body any)

// Server 是模拟的远端任务执行服务。
type Server struct {
	*httptest.Server

	mu        sync.Mutex
	tasks     []json.RawMessage
	inputs    map[string][]taskclient.InputField
	variables map[string][]taskclient.RuntimeVariable
	execute   ExecuteFunc
	failures  map[string][]int
	calls     map[string]int
	executed  []ExecuteRequest
	hook      func(op string)
}

// NewServer 启动模拟服务，调用方负责 Close。
func NewServer() *Server {
	s := &Server{
		inputs:    make(map[string][]taskclient.InputField),
		variables: make(map[string][]taskclient.RuntimeVariable),
		failures:  make(map[string][]int),
		calls:     make(map[string]int),
		execute: func(ExecuteRequest) (int, any) {
			return http.StatusOK, map[string]any{"success": true, "result": map[string]any{"status": "done"}}
		},
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	return s
}

// AddTask 登记搜索接口返回的候选任务。传入整数 id 时以数字形式输出 task_id。
func (s *Server) AddTask(id any, name, description string, inputs ...taskclient.InputField) {
	raw, _ := json.Marshal(map[string]any{"task_id": id, "task_name": name, "description": description})
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, raw)
	key := strings.Trim(string(mustJSON(id)), `"`)
	if inputs == nil {
		inputs = []taskclient.InputField{}
	}
	s.inputs[key] = inputs
}

// SetVariables 设置某个上下文的运行时变量快照。
func (s *Server) SetVariables(contextID string, vars ...taskclient.RuntimeVariable) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.variables[contextID] = vars
}

// OnExecute 替换执行接口的处理函数。
func (s *Server) OnExecute(fn ExecuteFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execute = fn
}

// FailNext 让 op 接下来的 len(statuses) 次调用依次返回给定状态码，之后恢复正常处理。
func (s *Server) FailNext(op string, statuses ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[op] = append(s.failures[op], statuses...)
}

// OnCall 注册在每次调用开始时同步执行的钩子。
func (s *Server) OnCall(hook func(op string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hook = hook
}

// Calls 返回 op 收到的请求次数。
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// Executed 返回迄今收到的全部执行请求。
func (s *Server) Executed() []ExecuteRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]ExecuteRequest(nil), s.executed...)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	op, arg := route(r)
	if op == "" {
		http.NotFound(w, r)
		return
	}

	s.mu.Lock()
	s.calls[op]++
	hook := s.hook
	var status int
	if pending := s.failures[op]; len(pending) > 0 {
		status = pending[0]
		s.failures[op] = pending[1:]
	}
	s.mu.Unlock()

	if hook != nil {
		hook(op)
	}
	if status != 0 {
		writeJSON(w, status, map[string]string{"detail": http.StatusText(status)})
		return
	}

	switch op {
	case taskclient.OpHealth:
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	case taskclient.OpFindTasks:
		s.mu.Lock()
		tasks := append([]json.RawMessage{}, s.tasks...)
		s.mu.Unlock()
		writeJSON(w, http.StatusOK, map[string]any{"tasks": tasks})
	case taskclient.OpGetTaskInputs:
		s.mu.Lock()
		inputs, ok := s.inputs[arg]
		s.mu.Unlock()
		if !ok {
			writeJSON(w, http.StatusNotFound, map[string]string{"detail": "task not found"})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"inputs": inputs})
	case taskclient.OpGetRuntimeVariables:
		s.mu.Lock()
		vars := s.variables[arg]
		s.mu.Unlock()
		if vars == nil {
			vars = []taskclient.RuntimeVariable{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"variables": vars})
	case taskclient.OpExecuteTask:
		var wire struct {
			ContextID        string                           `json:"context_id"`
			TaskID           taskclient.TaskID                `json:"task_id"`
			InputAssignments map[string]taskclient.Assignment `json:"input_assignments"`
		}
		if err := json.NewDecoder(r.Body).Decode(&wire); err != nil {
			writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"detail": err.Error()})
			return
		}
		req := ExecuteRequest{
			ContextID:        wire.ContextID,
			TaskID:           string(wire.TaskID),
			InputAssignments: wire.InputAssignments,
		}

		s.mu.Lock()
		s.executed = append(s.executed, req)
		fn := s.execute
		s.mu.Unlock()

		code, resp := fn(req)
		writeJSON(w, code, resp)
	}
}

func route(r *http.Request) (op, arg string) {
	path := strings.Trim(r.URL.Path, "/")
	parts := strings.Split(path, "/")
	switch {
	case r.Method == http.MethodGet && path == "health":
		return taskclient.OpHealth, ""
	case r.Method == http.MethodPost && path == "api/tasks/search":
		return taskclient.OpFindTasks, ""
	case r.Method == http.MethodPost && path == "api/tasks/execute":
		return taskclient.OpExecuteTask, ""
	case r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "api" && parts[1] == "tasks" && parts[3] == "inputs":
		return taskclient.OpGetTaskInputs, parts[2]
	case r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "api" && parts[1] == "runtime" && parts[3] == "variables":
		return taskclient.OpGetRuntimeVariables, parts[2]
	}
	return "", ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func mustJSON(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}
