package venue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLValueFreshnessExpires(t *testing.T) {
	c := NewTTLValue[int](20 * time.Millisecond)

	_, fresh := c.Get()
	assert.False(t, fresh, "an unset value is never fresh")

	c.Set(42)
	v, fresh := c.Get()
	assert.True(t, fresh)
	assert.Equal(t, 42, v)

	time.Sleep(30 * time.Millisecond)
	_, fresh = c.Get()
	assert.False(t, fresh, "value must go stale after its TTL elapses")

	last, ok := c.Last()
	assert.True(t, ok)
	assert.Equal(t, 42, last, "Last must still return the stale value")
}

func TestTTLMapPerKeyFreshness(t *testing.T) {
	m := NewTTLMap[string, float64](20 * time.Millisecond)

	m.Set("eth", 3000)
	v, fresh := m.Get("eth")
	assert.True(t, fresh)
	assert.Equal(t, 3000.0, v)

	_, fresh = m.Get("btc")
	assert.False(t, fresh, "an unset key is never fresh")

	time.Sleep(30 * time.Millisecond)
	_, fresh = m.Get("eth")
	assert.False(t, fresh)

	last, ok := m.Last("eth")
	assert.True(t, ok)
	assert.Equal(t, 3000.0, last)
}
