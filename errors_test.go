package batch

import (
	"errors"
	"fmt"
	"testing"

	goerrors "github.com/goliatone/go-errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindOfClassifiesConstructors(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindNone},
		{"plain", errors.New("boom"), KindRuntime},
		{"retryable", NewRetryable("again"), KindRetryable},
		{"process stop", NewProcessStop("stop"), KindProcessStop},
		{"abnormal end", NewAbnormalEnd(180, "E001", nil), KindAbnormalEnd},
		{"service unavailable", NewServiceUnavailable("down", nil), KindServiceUnavailable},
		{"service error", NewServiceError(409, "conflict", nil), KindServiceError},
		{"result error", NewResultError(Failure(404, "missing")), KindResultError},
		{"thread killed", ErrThreadKilled, KindThreadKilled},
		{"resource exhausted", NewResourceExhausted("oom"), KindResourceExhausted},
		{"irrecoverable", NewIrrecoverable("broken", nil), KindIrrecoverable},
		{"wrapped with fmt", fmt.Errorf("outer: %w", NewProcessStop("stop")), KindProcessStop},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, KindOf(tc.err))
		})
	}
}

func TestWrapRetryableKeepsCauseReachable(t *testing.T) {
	cause := NewServiceError(500, "backend failed", nil)
	err := WrapRetryable(cause, "retry later")

	require.True(t, IsRetryable(err))
	assert.Equal(t, KindRetryable, KindOf(err))

	var ge *goerrors.Error
	require.True(t, errors.As(err, &ge))
	assert.Equal(t, TextCodeServiceError, ge.TextCode)
}

func TestWrapRetryableAcceptsCriticalCause(t *testing.T) {
	err := WrapRetryable(NewResourceExhausted("stack exhausted"), "retry in a fresh scope")
	assert.True(t, IsRetryable(err))
}

func TestWrapRetryableIsIdempotent(t *testing.T) {
	err := NewRetryable("again")
	assert.Same(t, err, WrapRetryable(err, "wrap"))
	assert.Nil(t, WrapRetryable(nil, "nothing"))
}

func TestAbnormalEndWithRetryableCauseIsNotRetryable(t *testing.T) {
	err := NewAbnormalEnd(180, "E001", NewRetryable("again"))
	assert.False(t, IsRetryable(err))
	assert.Equal(t, KindAbnormalEnd, KindOf(err))
}

func TestExitCodeOf(t *testing.T) {
	code, ok := ExitCodeOf(NewAbnormalEnd(181, "E002", nil))
	require.True(t, ok)
	assert.Equal(t, 181, code)
	assert.Equal(t, "E002", FailureCodeOf(NewAbnormalEnd(181, "E002", nil)))

	code, ok = ExitCodeOf(NewAbnormalEnd(0, "", nil))
	require.True(t, ok)
	assert.Equal(t, DefaultAbnormalEndExitCode, code)

	_, ok = ExitCodeOf(errors.New("boom"))
	assert.False(t, ok)
}

func TestKindString(t *testing.T) {
	assert.Equal(t, "service_unavailable", KindServiceUnavailable.String())
	assert.Equal(t, "unknown", Kind(99).String())
}
