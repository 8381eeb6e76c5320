package batch

import (
	stderrors "errors"
	"fmt"
	"runtime"
	"strings"

	goerrors "github.com/goliatone/go-errors"
)

// RecoverError converts a recovered panic value into an error. Classified
// errors pass through unchanged, anything else becomes a runtime failure with
// the cleaned stack attached as metadata.
func RecoverError(value any, stack []byte) error {
	if value == nil {
		return nil
	}

	if err, ok := value.(error); ok {
		if KindOf(err) != KindRuntime {
			return err
		}
		var rerr runtime.Error
		if stderrors.As(err, &rerr) {
			return panicError(err, rerr.Error(), stack)
		}
		return panicError(err, err.Error(), stack)
	}

	return panicError(nil, fmt.Sprint(value), stack)
}

func panicError(source error, msg string, stack []byte) error {
	e := goerrors.New("recovered from panic: "+msg, goerrors.CategoryInternal).
		WithTextCode(TextCodePanic).
		WithMetadata(map[string]any{
			"stack": string(cleanStackTrace(stack)),
		})
	e.Source = source
	return e
}

// captureStack returns the stack of the current goroutine.
func captureStack() []byte {
	buf := make([]byte, 8096)
	n := runtime.Stack(buf, false)
	return buf[:n]
}

func cleanStackTrace(stack []byte) []byte {
	lines := strings.Split(string(stack), "\n")

	// we find the index after the panic line
	panicLineIndex := -1
	for i, line := range lines {
		if strings.Contains(line, "panic(") {
			panicLineIndex = i
			break
		}
	}

	// then remove everything before it, including the panic() call and its file line
	if panicLineIndex >= 0 && panicLineIndex+2 < len(lines) {
		lines = lines[panicLineIndex+2:]
	}

	return []byte(strings.Join(lines, "\n"))
}
