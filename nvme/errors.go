package nvme

import (
	"errors"
	"fmt"

	"github.com/c35s/nvmeboot/proto"
)

var (
	ErrNoMemory      = errors.New("nvme: out of DMA memory")
	ErrTimeout       = errors.New("nvme: timed out")
	ErrCommandFailed = errors.New("nvme: command failed")
	ErrNotSupported  = errors.New("nvme: not supported")
	ErrNoResource    = errors.New("nvme: not enough queues granted")
	ErrInvalid       = errors.New("nvme: invalid argument")
	ErrTooLarge      = errors.New("nvme: transfer too large")
	ErrClosed        = errors.New("nvme: device is closed")
)

// StatusError is returned when a command completes with a failure status.
// It matches ErrCommandFailed.
type StatusError struct {
	Op     string
	Status proto.Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("nvme: %s: %s (sct=%#x sc=%#x dnr=%v)",
		e.Op, e.Status, e.Status.SCT(), e.Status.SC(), e.Status.DNR())
}

func (e *StatusError) Is(target error) bool {
	return target == ErrCommandFailed
}
