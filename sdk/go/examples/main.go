package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"TaskPilot/sdk/go/taskpilot"
)

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/task-executor/runs", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_ = json.NewEncoder(w).Encode(taskpilot.Run{
			ID:                "run-demo",
			ActionDescription: "send the weekly report",
			ContextID:         "ctx-demo",
			Status:            "pending",
			CreatedAt:         time.Now().Unix(),
			Pending:           true,
		})
	})
	mux.HandleFunc("GET /api/task-executor/runs/run-demo", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(taskpilot.Run{
			ID:     "run-demo",
			Status: "succeeded",
			Result: &taskpilot.ExecutionResult{
				Success:       true,
				Result:        json.RawMessage(`{"delivered":true}`),
				TaskInfo:      &taskpilot.TaskInfo{TaskID: json.RawMessage(`7`), Name: "weekly_report"},
				ExecutionTime: 1.42,
			},
		})
	})

	srv := httptest.NewServer(mux)
	defer srv.Close()

	client, err := taskpilot.NewClient(srv.URL, srv.Client())
	if err != nil {
		panic(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	run, err := client.SubmitRun(ctx, taskpilot.ExecuteRequest{
		ActionDescription: "send the weekly report",
		ContextID:         "ctx-demo",
	})
	if err != nil {
		panic(err)
	}
	fmt.Printf("submitted run %s (status=%s)\n", run.ID, run.Status)

	done, err := client.WaitForRun(ctx, run.ID, 100*time.Millisecond)
	if err != nil {
		panic(err)
	}
	fmt.Printf("run %s finished: success=%v task=%s result=%s\n",
		done.ID, done.Result.Success, done.Result.TaskInfo.Name, done.Result.Result)
}
