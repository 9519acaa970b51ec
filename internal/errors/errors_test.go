package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewUsesRegisteredMessage(t *testing.T) {
	err := New(CodeNoTasksFound, "")
	assert.Equal(t, "no candidate tasks matched the request", err.Message())
	assert.Equal(t, "[NoTasksFound] no candidate tasks matched the request", err.Error())
	assert.Equal(t, SeverityInfo, err.Severity())
}

func TestWrapChainAndIs(t *testing.T) {
	root := stdErrors.New("connection refused")
	err := fmt.Errorf("find tasks: %w", Wrap(CodeTransport, root, "search failed", WithStage("find_tasks")))

	assert.True(t, stdErrors.Is(err, root))
	assert.True(t, stdErrors.Is(err, New(CodeTransport, "")))
	assert.False(t, stdErrors.Is(err, New(CodeTimeout, "")))
	assert.Equal(t, CodeTransport, CodeOf(err))
	assert.True(t, HasCode(err, CodeTransport))

	xe, ok := From(err)
	require.True(t, ok)
	assert.Equal(t, "find_tasks", xe.Stage())
	assert.Equal(t, map[string]string{"stage": "find_tasks"}, xe.Metadata())
}

func TestRegistryDefaultsAndOverrides(t *testing.T) {
	assert.True(t, RetryableError(New(CodeTransport, "")))
	assert.True(t, ShouldAlert(New(CodeTransport, "")))
	assert.False(t, RetryableError(New(CodeExecutionRejected, "")))
	assert.False(t, RetryableError(New(CodeTransport, "", WithRetryable(false))))
	assert.False(t, ShouldAlert(New(CodeStorageFailure, "", WithAlert(false))))

	assert.False(t, RetryableError(stdErrors.New("plain")))
	assert.Equal(t, CodeUnknown, CodeOf(stdErrors.New("plain")))
	assert.Equal(t, CodeUnknown, CodeOf(nil))

	const custom Code = "CUSTOM_TEST_CODE"
	assert.Equal(t, AttributesOf(CodeUnknown), AttributesOf(custom))
	Register(custom, Attributes{Message: "custom", Severity: SeverityWarning, Retryable: true})
	assert.True(t, RetryableError(New(custom, "")))
	assert.Equal(t, "custom", New(custom, "").Message())
}

func TestDescribe(t *testing.T) {
	assert.Equal(t, "", Describe(nil))
	assert.Equal(t, "boom", Describe(stdErrors.New("boom")))
	assert.Equal(t, "mailbox full", Describe(New(CodeExecutionRejected, "mailbox full")))

	inner := New(CodeMalformedReasoningOutput, "missing selected_task_id")
	assert.Equal(t, "task search failed: missing selected_task_id", Describe(Wrap(CodeTaskSearchFailed, inner, "")))
	assert.Equal(t, "fetch inputs: EOF", Describe(Wrap(CodeSchemaFetchFailed, stdErrors.New("EOF"), "fetch inputs")))
}

func TestNilErrorIsSafe(t *testing.T) {
	var e *Error
	assert.Equal(t, "", e.Error())
	assert.Equal(t, CodeUnknown, e.Code())
	assert.False(t, e.Retryable())
	assert.False(t, e.ShouldAlert())
	assert.Nil(t, e.Metadata())
	assert.Empty(t, e.Stage())
}
