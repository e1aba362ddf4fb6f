package signal

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/dkeye/peershare/internal/core"
)

func TestFrameLimiterWindow(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	rl := NewFrameLimiter(2, time.Second)
	rl.now = func() time.Time { return now }

	sid := core.SessionID("sid-1")
	assert.True(t, rl.Allow(sid))
	assert.True(t, rl.Allow(sid))
	assert.False(t, rl.Allow(sid))
	assert.True(t, rl.Allow("sid-2"))

	now = now.Add(1500 * time.Millisecond)
	assert.True(t, rl.Allow(sid))

	rl.Forget(sid)
	assert.True(t, rl.Allow(sid))
	assert.True(t, rl.Allow(sid))
}

func TestNilFrameLimiterAllows(t *testing.T) {
	rl := NewFrameLimiter(0, time.Second)
	assert.Nil(t, rl)
	assert.True(t, rl.Allow("sid"))
	rl.Forget("sid")
}

func TestOriginChecker(t *testing.T) {
	check := originChecker([]string{"https://app.example.com/"})

	req := httptest.NewRequest("GET", "/ws", nil)
	assert.True(t, check(req), "no origin header")

	req.Header.Set("Origin", "https://APP.example.com")
	assert.True(t, check(req))

	req.Header.Set("Origin", "https://evil.example.com")
	assert.False(t, check(req))

	assert.True(t, originChecker(nil)(req))
}
