package memory

import (
	"sync"
	"testing"
	"time"

	"github.com/jinford/docpipe/internal/module/pipeline/adapter/storetest"
	"github.com/jinford/docpipe/internal/module/pipeline/domain"
)

// fakeClock は実時間にオフセットを加えた時計です
type fakeClock struct {
	mu     sync.Mutex
	offset time.Duration
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Now().Add(c.offset)
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.offset += d
}

func TestStore_Suite(t *testing.T) {
	storetest.Run(t, func(t *testing.T, policy domain.RetryPolicy, staleAfter time.Duration) storetest.Fixture {
		clock := &fakeClock{}
		s := New(WithClock(clock.Now), WithRetryPolicy(policy), WithStaleAfter(staleAfter))
		return storetest.Fixture{
			Documents: s.Documents(),
			Jobs:      s.Jobs(),
			Staging:   s.Staging(),
			Chunks:    s.Chunks(),
			Events:    s.Events(),
			Advance:   clock.Advance,
		}
	})
}
