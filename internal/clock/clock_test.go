package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)

func fired(tm Timer) bool {
	select {
	case <-tm.C():
		return true
	default:
		return false
	}
}

func TestFakeTimerFiresOnAdvance(t *testing.T) {
	f := NewFake(t0)
	tm := f.NewTimer(time.Minute)
	assert.Equal(t, 1, f.ActiveTimers())

	f.Advance(59 * time.Second)
	assert.False(t, fired(tm))

	f.Advance(time.Second)
	require.True(t, fired(tm))
	assert.Equal(t, 0, f.ActiveTimers())

	f.Advance(time.Hour)
	assert.False(t, fired(tm), "a one-shot timer fires once")
}

func TestFakeTimerStopAndReset(t *testing.T) {
	f := NewFake(t0)
	tm := f.NewTimer(time.Minute)

	assert.True(t, tm.Stop())
	assert.False(t, tm.Stop())
	f.Advance(2 * time.Minute)
	assert.False(t, fired(tm))

	assert.False(t, tm.Reset(time.Second))
	f.Set(t0.Add(2*time.Minute + time.Second))
	assert.True(t, fired(tm))
}

func TestFakeTimerZeroDurationFiresImmediately(t *testing.T) {
	f := NewFake(t0)
	assert.True(t, fired(f.NewTimer(0)))
}

func TestRealTimer(t *testing.T) {
	tm := Real{}.NewTimer(time.Millisecond)
	select {
	case <-tm.C():
	case <-time.After(5 * time.Second):
		t.Fatal("real timer did not fire")
	}
	assert.Equal(t, time.UTC, Real{}.Now().Location())
}
