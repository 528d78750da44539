// Copyright Pigeonworks LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package breaker

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestNew_Defaults(t *testing.T) {
	b := New("auth", nil)
	assert.Equal(t, "auth", b.Name())
	assert.Equal(t, DefaultThreshold, b.config.Threshold)
	assert.Equal(t, DefaultWindow, b.config.Window)
	assert.Equal(t, DefaultCooldown, b.config.Cooldown)

	b = New("auth", &Config{Threshold: 2})
	assert.Equal(t, 2, b.config.Threshold)
	assert.Equal(t, DefaultWindow, b.config.Window)
}

func TestBreaker_WindowCorrectness(t *testing.T) {
	t.Run("five failures within ten seconds open", func(t *testing.T) {
		clock := newFakeClock()
		b := New("emr", DefaultConfig(), WithClock(clock.Now))

		for i := 0; i < 4; i++ {
			assert.False(t, b.RecordFailure())
			clock.Advance(2 * time.Second)
		}
		assert.False(t, b.IsOpen())
		assert.True(t, b.RecordFailure())
		assert.True(t, b.IsOpen())
	})

	t.Run("five failures across seventy seconds never open", func(t *testing.T) {
		clock := newFakeClock()
		b := New("emr", DefaultConfig(), WithClock(clock.Now))

		for i := 0; i < 5; i++ {
			if i > 0 {
				clock.Advance(17500 * time.Millisecond)
			}
			assert.False(t, b.RecordFailure(), "failure %d", i)
			assert.False(t, b.IsOpen())
		}
		assert.Equal(t, 4, b.Snapshot().Failures)
	})

	t.Run("slow trickle keeps pruning", func(t *testing.T) {
		clock := newFakeClock()
		b := New("emr", DefaultConfig(), WithClock(clock.Now))

		for i := 0; i < 50; i++ {
			b.RecordFailure()
			clock.Advance(16 * time.Second)
		}
		assert.False(t, b.IsOpen())
		assert.LessOrEqual(t, b.Snapshot().Failures, 4)
	})
}

func TestBreaker_Cooldown(t *testing.T) {
	clock := newFakeClock()
	b := New("rtc", DefaultConfig(), WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	opened := clock.Now()
	require.True(t, b.IsOpen())

	for elapsed := time.Duration(0); elapsed < DefaultCooldown; elapsed += time.Second {
		assert.True(t, b.IsOpen(), "open at %s", elapsed)
		assert.Equal(t, DefaultCooldown-elapsed, b.RetryAfter())
		clock.Advance(time.Second)
	}

	assert.Equal(t, opened.Add(DefaultCooldown), clock.Now())
	assert.False(t, b.IsOpen(), "closed once now reaches cooldownUntil")
	assert.Zero(t, b.RetryAfter())
	assert.NoError(t, b.Allow())
}

func TestBreaker_OpenDoesNotExtendCooldown(t *testing.T) {
	clock := newFakeClock()
	b := New("rtc", DefaultConfig(), WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	clock.Advance(10 * time.Second)
	assert.False(t, b.RecordFailure(), "already open")
	assert.Equal(t, 5*time.Second, b.RetryAfter())
}

func TestBreaker_ReopensAfterCooldownWhileFailing(t *testing.T) {
	clock := newFakeClock()
	b := New("rtc", DefaultConfig(), WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	clock.Advance(DefaultCooldown)
	require.False(t, b.IsOpen())

	// Old failures are still in the window, so one more failure reopens.
	assert.True(t, b.RecordFailure())
	assert.True(t, b.IsOpen())
}

func TestBreaker_Allow(t *testing.T) {
	clock := newFakeClock()
	b := New("emr", &Config{Threshold: 5, Window: time.Minute, Cooldown: 15 * time.Second}, WithClock(clock.Now))

	for i := 0; i < 5; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
		clock.Advance(time.Second)
	}

	err := b.Allow()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCircuitOpen))

	var openErr *OpenError
	require.True(t, errors.As(err, &openErr))
	assert.Equal(t, "emr", openErr.Name)
	assert.Equal(t, 14*time.Second, openErr.RetryAfter)
	assert.Contains(t, openErr.Error(), "emr")

	clock.Advance(14 * time.Second)
	assert.NoError(t, b.Allow())
}

func TestBreaker_Reset(t *testing.T) {
	clock := newFakeClock()
	b := New("emr", DefaultConfig(), WithClock(clock.Now))
	for i := 0; i < 5; i++ {
		b.RecordFailure()
	}
	require.True(t, b.IsOpen())

	b.Reset()
	assert.False(t, b.IsOpen())
	assert.Zero(t, b.Snapshot().Failures)
}

func TestBreaker_Snapshot(t *testing.T) {
	clock := newFakeClock()
	b := New("emr", DefaultConfig(), WithClock(clock.Now))
	b.RecordFailure()
	b.RecordFailure()

	st := b.Snapshot()
	assert.Equal(t, "emr", st.Name)
	assert.False(t, st.Open)
	assert.Equal(t, 2, st.Failures)
	assert.Equal(t, DefaultThreshold, st.Threshold)

	for i := 0; i < 3; i++ {
		b.RecordFailure()
	}
	st = b.Snapshot()
	assert.True(t, st.Open)
	assert.Equal(t, DefaultCooldown.Milliseconds(), st.RetryAfterMS)
	assert.Equal(t, clock.Now().Add(DefaultCooldown), st.CooldownUntil)
}

func TestRegistry(t *testing.T) {
	clock := newFakeClock()
	r := NewRegistry(&Config{Threshold: 2}, WithClock(clock.Now))

	var opened []string
	r.OnOpen(func(name string) { opened = append(opened, name) })

	emr := r.Get("emr")
	assert.Same(t, emr, r.Get("emr"))
	r.Get("auth")

	_, ok := r.Lookup("rtc")
	assert.False(t, ok)
	assert.Equal(t, []string{"auth", "emr"}, r.Names())

	emr.RecordFailure()
	emr.RecordFailure()
	assert.Equal(t, []string{"emr"}, opened)

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.False(t, snap[0].Open)
	assert.True(t, snap[1].Open)

	r.Reset("emr")
	r.Reset("missing")
	assert.False(t, emr.IsOpen())
}

func TestNewRecoverer_Validation(t *testing.T) {
	r := NewRegistry(nil)

	_, err := NewRecoverer(r, 0, time.Second, nil)
	assert.ErrorIs(t, err, ErrInvalidRecoveryInterval)

	_, err = NewRecoverer(r, time.Second, -time.Second, nil)
	assert.ErrorIs(t, err, ErrInvalidRecoveryTimeout)

	rec, err := NewRecoverer(r, time.Second, time.Second, nil)
	require.NoError(t, err)
	assert.NotNil(t, rec)
}

func TestRecoverer_Check(t *testing.T) {
	r := NewRegistry(&Config{Threshold: 1, Cooldown: time.Hour})
	rec, err := NewRecoverer(r, time.Hour, time.Second, nil)
	require.NoError(t, err)

	var healthy atomic.Bool
	rec.Register("emr", func(ctx context.Context) error {
		if healthy.Load() {
			return nil
		}
		return errors.New("connection refused")
	})

	b := r.Get("emr")
	assert.False(t, rec.check(context.Background(), "emr"), "closed breakers are skipped")

	b.RecordFailure()
	require.True(t, b.IsOpen())
	assert.False(t, rec.check(context.Background(), "emr"))
	assert.True(t, b.IsOpen())

	healthy.Store(true)
	assert.True(t, rec.check(context.Background(), "emr"))
	assert.False(t, b.IsOpen())

	r.Get("auth").RecordFailure()
	assert.False(t, rec.check(context.Background(), "auth"), "no check registered")
}

func TestRecoverer_RunClosesOnOpen(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	r := NewRegistry(&Config{Threshold: 1, Cooldown: time.Hour})
	rec, err := NewRecoverer(r, time.Hour, time.Second, nil)
	require.NoError(t, err)
	rec.Register("emr", HTTPCheck(srv.Client(), srv.URL))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		rec.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	b := r.Get("emr")
	b.RecordFailure()

	require.Eventually(t, func() bool { return !b.IsOpen() }, 2*time.Second, 10*time.Millisecond)
}

func TestHTTPCheck(t *testing.T) {
	var code atomic.Int32
	code.Store(http.StatusOK)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(int(code.Load()))
	}))
	defer srv.Close()

	check := HTTPCheck(nil, srv.URL)
	assert.NoError(t, check(context.Background()))

	code.Store(http.StatusBadGateway)
	assert.Error(t, check(context.Background()))

	srv.Close()
	assert.Error(t, check(context.Background()))
}
