package batch

import (
	stderrors "errors"
	"fmt"

	goerrors "github.com/goliatone/go-errors"
)

// Kind classifies an error for the controllers in this module.
type Kind int

const (
	// KindNone is reported for nil errors.
	KindNone Kind = iota
	// KindRetryable errors may be re-invoked by a retry controller.
	KindRetryable
	// KindProcessStop is an operator requested stop of a resident process.
	KindProcessStop
	// KindAbnormalEnd is an already classified fatal exit carrying an exit code.
	KindAbnormalEnd
	// KindServiceUnavailable is a transient condition, absorbed with backoff.
	KindServiceUnavailable
	// KindServiceError is a domain failure reported by a business stage.
	KindServiceError
	// KindResultError is any other failed result raised as an error.
	KindResultError
	// KindRuntime is any other unclassified failure.
	KindRuntime
	// KindThreadKilled reports a worker goroutine that was terminated.
	KindThreadKilled
	// KindResourceExhausted reports stack or memory exhaustion.
	KindResourceExhausted
	// KindIrrecoverable reports a runtime condition that must not be retried.
	KindIrrecoverable
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindRetryable:
		return "retryable"
	case KindProcessStop:
		return "process_stop"
	case KindAbnormalEnd:
		return "abnormal_end"
	case KindServiceUnavailable:
		return "service_unavailable"
	case KindServiceError:
		return "service_error"
	case KindResultError:
		return "result_error"
	case KindRuntime:
		return "runtime"
	case KindThreadKilled:
		return "thread_killed"
	case KindResourceExhausted:
		return "resource_exhausted"
	case KindIrrecoverable:
		return "irrecoverable"
	default:
		return "unknown"
	}
}

const (
	CategoryBatch goerrors.Category = "batch"

	TextCodeProcessStop        = "PROCESS_STOP"
	TextCodeAbnormalEnd        = "PROCESS_ABNORMAL_END"
	TextCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
	TextCodeServiceError       = "SERVICE_ERROR"
	TextCodeResultError        = "RESULT_ERROR"
	TextCodeThreadKilled       = "THREAD_KILLED"
	TextCodeResourceExhausted  = "RESOURCE_EXHAUSTED"
	TextCodeIrrecoverable      = "IRRECOVERABLE"
	TextCodePanic              = "PANIC_RECOVERED"
	TextCodeChainExhausted     = "CHAIN_EXHAUSTED"
	TextCodeNoItemSource       = "NO_ITEM_SOURCE"
	TextCodeRetryable          = "RETRYABLE"

	// DefaultAbnormalEndExitCode is used when an abnormal end carries no exit code.
	DefaultAbnormalEndExitCode = 199
)

var (
	// ErrChainExhausted is returned when a stage delegates past the end of the chain.
	ErrChainExhausted = goerrors.New("no handler left in chain", CategoryBatch).
				WithTextCode(TextCodeChainExhausted)
	// ErrNoItemSource is returned when no source is installed and no factory can build one.
	ErrNoItemSource = goerrors.New("no item source available", CategoryBatch).
			WithTextCode(TextCodeNoItemSource)
	// ErrThreadKilled is reported for a worker goroutine that exited through runtime.Goexit.
	ErrThreadKilled = goerrors.New("worker goroutine terminated", goerrors.CategoryInternal).
			WithTextCode(TextCodeThreadKilled).
			WithSeverity(goerrors.SeverityFatal)
)

// NewRetryable returns an error marked as retryable.
func NewRetryable(message string) error {
	return goerrors.NewRetryable(message, CategoryBatch).
		WithTextCode(TextCodeRetryable).
		WithRetryDelay(0)
}

// WrapRetryable marks err as retryable. Errors that already are retryable are
// returned unchanged.
func WrapRetryable(err error, message string) error {
	if err == nil {
		return nil
	}
	if IsRetryable(err) {
		return err
	}
	// severity is reset because go-errors refuses to retry critical errors and
	// the wrapped cause may carry one
	return &retryableError{
		RetryableError: goerrors.WrapRetryable(err, CategoryBatch, message).
			WithSeverity(goerrors.SeverityError).
			WithTextCode(TextCodeRetryable).
			WithRetryDelay(0),
		cause: err,
	}
}

// retryableError keeps the wrapped cause reachable through errors.Is/As, the
// base go-errors wrapper flattens nested *goerrors.Error values.
type retryableError struct {
	*goerrors.RetryableError
	cause error
}

func (r *retryableError) Unwrap() error { return r.cause }

// NewProcessStop signals that the resident process has been asked to stop.
func NewProcessStop(message string) error {
	return goerrors.New(message, CategoryBatch).
		WithTextCode(TextCodeProcessStop).
		WithSeverity(goerrors.SeverityInfo)
}

// NewAbnormalEnd signals that the process must stop with exitCode.
// failureCode identifies the failure for operators.
func NewAbnormalEnd(exitCode int, failureCode string, cause error) error {
	msg := "process abnormal end"
	if failureCode != "" {
		msg = fmt.Sprintf("process abnormal end (%s)", failureCode)
	}
	e := goerrors.New(msg, CategoryBatch).
		WithTextCode(TextCodeAbnormalEnd).
		WithCode(exitCode).
		WithSeverity(goerrors.SeverityFatal).
		WithMetadata(map[string]any{
			"exit_code":    exitCode,
			"failure_code": failureCode,
		})
	e.Source = cause
	return e
}

// NewServiceUnavailable signals a transient outage of a downstream service.
func NewServiceUnavailable(message string, cause error) error {
	e := goerrors.New(message, goerrors.CategoryExternal).
		WithTextCode(TextCodeServiceUnavailable).
		WithSeverity(goerrors.SeverityWarning)
	e.Source = cause
	return e
}

// NewServiceError reports a domain failure with a status code.
func NewServiceError(status int, message string, cause error) error {
	e := goerrors.New(message, goerrors.CategoryHandler).
		WithTextCode(TextCodeServiceError).
		WithCode(status)
	e.Source = cause
	return e
}

// NewResultError raises a failed Result as an error.
func NewResultError(result Result) error {
	status := 500
	msg := "handler returned a failed result"
	if result != nil {
		status = result.StatusCode()
		if sr, ok := result.(*StatusResult); ok && sr.Message != "" {
			msg = sr.Message
		}
	}
	return goerrors.New(msg, goerrors.CategoryHandler).
		WithTextCode(TextCodeResultError).
		WithCode(status)
}

// NewResourceExhausted reports stack or memory exhaustion detected by a stage.
func NewResourceExhausted(message string) error {
	return goerrors.New(message, goerrors.CategoryInternal).
		WithTextCode(TextCodeResourceExhausted).
		WithSeverity(goerrors.SeverityCritical)
}

// NewIrrecoverable reports a runtime condition no retry can fix.
func NewIrrecoverable(message string, cause error) error {
	e := goerrors.New(message, goerrors.CategoryInternal).
		WithTextCode(TextCodeIrrecoverable).
		WithSeverity(goerrors.SeverityFatal)
	e.Source = cause
	return e
}

// KindOf classifies err.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	if IsRetryable(err) {
		return KindRetryable
	}
	switch textCode(err) {
	case TextCodeProcessStop:
		return KindProcessStop
	case TextCodeAbnormalEnd:
		return KindAbnormalEnd
	case TextCodeServiceUnavailable:
		return KindServiceUnavailable
	case TextCodeServiceError:
		return KindServiceError
	case TextCodeResultError:
		return KindResultError
	case TextCodeThreadKilled:
		return KindThreadKilled
	case TextCodeResourceExhausted:
		return KindResourceExhausted
	case TextCodeIrrecoverable:
		return KindIrrecoverable
	default:
		return KindRuntime
	}
}

// IsRetryable reports whether err is marked retryable. The wrap chain is
// walked until a retry marker or a classified terminal error is found.
func IsRetryable(err error) bool {
	for cur := err; cur != nil; cur = stderrors.Unwrap(cur) {
		if r, ok := cur.(interface{ IsRetryable() bool }); ok {
			return r.IsRetryable()
		}
		if ge, ok := cur.(*goerrors.Error); ok && isClassified(ge.TextCode) {
			return false
		}
	}
	return false
}

func isClassified(code string) bool {
	switch code {
	case TextCodeProcessStop, TextCodeAbnormalEnd, TextCodeServiceUnavailable,
		TextCodeServiceError, TextCodeResultError, TextCodeThreadKilled,
		TextCodeResourceExhausted, TextCodeIrrecoverable:
		return true
	}
	return false
}

// ExitCodeOf returns the exit code carried by an abnormal end or process stop.
func ExitCodeOf(err error) (int, bool) {
	var ge *goerrors.Error
	if !stderrors.As(err, &ge) {
		return 0, false
	}
	switch ge.TextCode {
	case TextCodeAbnormalEnd:
		if ge.Code == 0 {
			return DefaultAbnormalEndExitCode, true
		}
		return ge.Code, true
	case TextCodeProcessStop:
		return ge.Code, true
	}
	return 0, false
}

// FailureCodeOf returns the failure identifier attached to an abnormal end.
func FailureCodeOf(err error) string {
	var ge *goerrors.Error
	if !stderrors.As(err, &ge) || ge.Metadata == nil {
		return ""
	}
	code, _ := ge.Metadata["failure_code"].(string)
	return code
}

func statusOf(err error) (int, bool) {
	var ge *goerrors.Error
	if !stderrors.As(err, &ge) || ge.Code == 0 {
		return 0, false
	}
	switch ge.TextCode {
	case TextCodeServiceError, TextCodeResultError:
		return ge.Code, true
	}
	return 0, false
}

func textCode(err error) string {
	var ge *goerrors.Error
	if stderrors.As(err, &ge) {
		return ge.TextCode
	}
	return ""
}
