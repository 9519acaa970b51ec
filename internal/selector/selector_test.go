package selector

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "TaskPilot/internal/errors"
	"TaskPilot/internal/llm"
	"TaskPilot/internal/taskclient"
)

type stubLLM struct {
	resp string
	err  error
	wait time.Duration
	last llm.Request
}

func (s *stubLLM) Generate(ctx context.Context, req llm.Request) (*llm.Response, error) {
	s.last = req
	if s.wait > 0 {
		select {
		case <-time.After(s.wait):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if s.err != nil {
		return nil, s.err
	}
	return &llm.Response{Content: s.resp}, nil
}

var candidates = []taskclient.TaskCandidate{
	{TaskID: "1", Name: "send_email", Description: "Send an email"},
	{TaskID: "2", Name: "send_sms", Description: "Send a text message"},
	{TaskID: "3", Name: "create_ticket", Description: "Open a ticket"},
}

func TestSelectDecodesDecision(t *testing.T) {
	stub := &stubLLM{resp: "```json\n" + `{"selected_task_id": 1, "reasoning": "email intent", "confidence": 0.92, "alternative_task_ids": ["2", "99", 1, "2", "3"]}` + "\n```"}
	decision, err := New(stub).Select(context.Background(), "send email to john", candidates)
	require.NoError(t, err)

	assert.Equal(t, taskclient.TaskID("1"), decision.SelectedTaskID)
	assert.Equal(t, "email intent", decision.Reasoning)
	assert.InDelta(t, 0.92, decision.Confidence, 1e-9)
	assert.Equal(t, []taskclient.TaskID{"2", "3"}, decision.Alternatives)

	assert.Equal(t, llm.PurposeSelectTask, stub.last.Purpose)
	assert.JSONEq(t, string(Schema), string(stub.last.Schema))
	assert.True(t, strings.Contains(stub.last.User, "task_id=3 name=create_ticket"))
}

func TestSelectReturnsOutOfSetIDUnchanged(t *testing.T) {
	stub := &stubLLM{resp: `{"selected_task_id": "42", "reasoning": "", "confidence": 0.5}`}
	decision, err := New(stub).Select(context.Background(), "x", candidates)
	require.NoError(t, err)
	assert.Equal(t, taskclient.TaskID("42"), decision.SelectedTaskID)
	assert.Empty(t, decision.Alternatives)
}

func TestSelectRejectsMalformedOutput(t *testing.T) {
	tests := map[string]string{
		"not json":             "I would pick the email task",
		"missing id":           `{"reasoning": "x", "confidence": 0.4}`,
		"missing confidence":   `{"selected_task_id": "1", "reasoning": "x"}`,
		"confidence too large": `{"selected_task_id": "1", "confidence": 1.5}`,
		"negative confidence":  `{"selected_task_id": "1", "confidence": -0.1}`,
		"id wrong type":        `{"selected_task_id": {"id": 1}, "confidence": 0.4}`,
		"empty id":             `{"selected_task_id": "", "confidence": 0.4}`,
		"alternatives scalar":  `{"selected_task_id": "1", "confidence": 0.4, "alternative_task_ids": "2"}`,
	}
	for name, content := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := New(&stubLLM{resp: content}).Select(context.Background(), "x", candidates)
			require.Error(t, err)
			assert.Equal(t, xerrors.CodeMalformedReasoningOutput, xerrors.CodeOf(err))
		})
	}
}

func TestSelectNullMeansNoSuitableTask(t *testing.T) {
	_, err := New(&stubLLM{resp: `{"selected_task_id": null, "reasoning": "nothing fits", "confidence": 0.1}`}).
		Select(context.Background(), "x", candidates)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeSelectionInvalid, xerrors.CodeOf(err))
}

func TestSelectReasoningFailure(t *testing.T) {
	_, err := New(&stubLLM{err: errors.New("model overloaded")}).Select(context.Background(), "x", candidates)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeReasoningFailed, xerrors.CodeOf(err))
}

func TestSelectHonoursDeadline(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := New(&stubLLM{wait: time.Second}).Select(ctx, "x", candidates)
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeTimeout, xerrors.CodeOf(err))
}

func TestSelectWithoutClient(t *testing.T) {
	_, err := New(nil).Select(context.Background(), "x", candidates)
	assert.Equal(t, xerrors.CodeInitializationFailure, xerrors.CodeOf(err))
}
