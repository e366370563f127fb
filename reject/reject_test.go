package reject

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRejectionError(t *testing.T) {
	t.Parallel()

	r := New(StageSizing, ZeroSize, "stop %d ticks", 40)
	assert.Equal(t, "sizing: zero_size: stop 40 ticks", r.Error())
	assert.Equal(t, "guard: connection_unstable", (&Rejection{Stage: StageGuard, Code: ConnectionUnstable}).Error())

	wrapped := fmt.Errorf("cycle: %w", r)
	var got *Rejection
	assert.True(t, errors.As(wrapped, &got))
	assert.Equal(t, ZeroSize, got.Code)

	f := r.Fields()
	assert.Equal(t, "sizing", f["stage"])
	assert.Equal(t, "zero_size", f["code"])
}
