package nvme

import "time"

// Clock is the driver's only source of time.
type Clock interface {
	Now() time.Time
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now() }

// PollUntil calls cond until it reports true, returns an error, or more than
// timeout has elapsed on clock. Cond is always called at least once. On
// expiry PollUntil returns ErrTimeout.
func PollUntil(clock Clock, timeout time.Duration, cond func() (bool, error)) error {
	start := clock.Now()
	for {
		done, err := cond()
		if err != nil {
			return err
		}

		if done {
			return nil
		}

		if clock.Now().Sub(start) > timeout {
			return ErrTimeout
		}
	}
}
