package batch

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCodeTable(t *testing.T) {
	cases := []struct {
		status int
		want   int
	}{
		{-1, 1},
		{0, 0},
		{199, 199},
		{200, 0},
		{399, 0},
		{400, 10},
		{401, 11},
		{402, 15},
		{403, 12},
		{404, 13},
		{409, 14},
		{499, 15},
		{500, 20},
		{10000, 20},
	}
	for _, tc := range cases {
		assert.Equalf(t, tc.want, ExitCode(tc.status), "status %d", tc.status)
	}
}

func TestExitCodeForPrefersCarriedExitCode(t *testing.T) {
	err := NewAbnormalEnd(180, "RETRY_EXHAUSTED", errors.New("boom"))
	assert.Equal(t, 180, ExitCodeFor(Success(nil), err))
}

func TestExitCodeForServiceErrorStatus(t *testing.T) {
	err := NewServiceError(404, "missing", nil)
	assert.Equal(t, 13, ExitCodeFor(nil, err))
}

func TestExitCodeForUnclassifiedError(t *testing.T) {
	assert.Equal(t, 20, ExitCodeFor(nil, errors.New("boom")))
}

func TestExitCodeForResult(t *testing.T) {
	assert.Equal(t, 0, ExitCodeFor(nil, nil))
	assert.Equal(t, 0, ExitCodeFor(Success("ok"), nil))
	assert.Equal(t, 12, ExitCodeFor(Failure(403, "forbidden"), nil))
}
