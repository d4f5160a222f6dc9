package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestReserveDelayDoesNotConsume pins the gate contract: peeking at the
// bucket must leave the token for the request that follows, otherwise every
// job pays the source budget twice.
func TestReserveDelayDoesNotConsume(t *testing.T) {
	rl := NewRateLimiter(1, 1)

	require.Zero(t, rl.ReserveDelay())
	require.Zero(t, rl.ReserveDelay(), "repeated peeks must not drain the bucket")

	require.True(t, rl.Allow(), "the single burst token must still be available")
	require.False(t, rl.Allow())
}

func TestReserveDelayReportsWaitWhenDry(t *testing.T) {
	rl := NewRateLimiter(0.1, 1)
	require.True(t, rl.Allow(), "drain the single burst token")

	first := rl.ReserveDelay()
	assert.Greater(t, first, time.Duration(0))

	second := rl.ReserveDelay()
	assert.Greater(t, second, time.Duration(0),
		"a dry-bucket peek must not shorten the next caller's wait")
}

func TestSourceLimitersRegisterAndGet(t *testing.T) {
	sl := NewSourceLimiters()
	require.Nil(t, sl.Get("wikidata"), "unregistered sources are unthrottled")

	bucket := sl.Register("wikidata", 0.5, 1)
	assert.Same(t, bucket, sl.Get("wikidata"))
}
