package nvme

import (
	"errors"
	"testing"
	"time"
)

func TestPollUntil(t *testing.T) {
	t.Run("done at once", func(t *testing.T) {
		var calls int
		err := PollUntil(&fakeClock{step: time.Hour}, 0, func() (bool, error) {
			calls++
			return true, nil
		})

		if err != nil || calls != 1 {
			t.Errorf("err=%v calls=%d", err, calls)
		}
	})

	t.Run("zero timeout still polls", func(t *testing.T) {
		var calls int
		err := PollUntil(&fakeClock{step: time.Second}, 0, func() (bool, error) {
			calls++
			return false, nil
		})

		if !errors.Is(err, ErrTimeout) || calls != 1 {
			t.Errorf("err=%v calls=%d", err, calls)
		}
	})

	t.Run("done later", func(t *testing.T) {
		var calls int
		err := PollUntil(&fakeClock{step: time.Millisecond}, time.Second, func() (bool, error) {
			calls++
			return calls == 10, nil
		})

		if err != nil || calls != 10 {
			t.Errorf("err=%v calls=%d", err, calls)
		}
	})

	t.Run("timeout", func(t *testing.T) {
		clock := &fakeClock{step: 100 * time.Millisecond}
		err := PollUntil(clock, time.Second, func() (bool, error) {
			return false, nil
		})

		if !errors.Is(err, ErrTimeout) {
			t.Errorf("error isn't ErrTimeout: %v", err)
		}

		if clock.now.Sub(time.Time{}) <= time.Second {
			t.Errorf("gave up at %v", clock.now.Sub(time.Time{}))
		}
	})

	t.Run("error", func(t *testing.T) {
		boom := errors.New("boom")
		err := PollUntil(&fakeClock{step: time.Millisecond}, time.Second, func() (bool, error) {
			return false, boom
		})

		if err != boom {
			t.Errorf("err = %v", err)
		}
	})
}

func TestStateString(t *testing.T) {
	if s := StateIOQueueReady.String(); s != "io queue ready" {
		t.Errorf("%q", s)
	}

	if s := State(42).String(); s != "State(42)" {
		t.Errorf("%q", s)
	}

	if s := cmdTimedOut.String(); s != "timed out" {
		t.Errorf("%q", s)
	}
}
