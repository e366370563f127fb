package id

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGeneratorMonotonic(t *testing.T) {
	t.Parallel()

	fixed := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	g := NewGeneratorWithSeed(42, func() time.Time { return fixed })

	prev := g.Next()
	for i := 0; i < 100; i++ {
		next := g.Next()
		assert.Less(t, prev, next)
		prev = next
	}
}

func TestPrefixedIDs(t *testing.T) {
	t.Parallel()

	co := ClientOrderID()
	tr := TradeID()
	assert.True(t, strings.HasPrefix(co, "co-"))
	assert.True(t, strings.HasPrefix(tr, "tr-"))
	assert.NotEqual(t, co[3:], tr[3:])

	ts, err := Time(co)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now(), ts, time.Minute)

	_, err = Time("not-a-ulid")
	assert.Error(t, err)
}
