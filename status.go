package batch

import "net/http"

// ExitCode maps a result status code to a process exit code.
//
//	< 0       -> 1
//	0..199    -> unchanged
//	200..399  -> 0
//	400       -> 10
//	401       -> 11
//	403       -> 12
//	404       -> 13
//	409       -> 14
//	other 4xx -> 15
//	>= 500    -> 20
func ExitCode(status int) int {
	switch {
	case status < 0:
		return 1
	case status < http.StatusOK:
		return status
	case status < http.StatusBadRequest:
		return 0
	case status < http.StatusInternalServerError:
		switch status {
		case http.StatusBadRequest:
			return 10
		case http.StatusUnauthorized:
			return 11
		case http.StatusForbidden:
			return 12
		case http.StatusNotFound:
			return 13
		case http.StatusConflict:
			return 14
		default:
			return 15
		}
	default:
		return 20
	}
}

// ExitCodeFor derives the exit code of a finished run. Errors carrying an exit
// code win, other errors map through their status or to 20.
func ExitCodeFor(result Result, err error) int {
	if err != nil {
		if code, ok := ExitCodeOf(err); ok {
			return code
		}
		if status, ok := statusOf(err); ok {
			return ExitCode(status)
		}
		return ExitCode(http.StatusInternalServerError)
	}
	if result == nil {
		return 0
	}
	return ExitCode(result.StatusCode())
}
