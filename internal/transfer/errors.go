package transfer

import (
	"errors"
	"fmt"
	"syscall"
)

// ErrPaused is the cancellation cause used to pause a running attempt.
var ErrPaused = errors.New("download paused")

// RangeRejectedError is returned when the origin answers a ranged request
// with 416. The partial file can no longer be trusted.
type RangeRejectedError struct {
	URL    string // Requested resource
	Offset int64  // Offset sent in the Range header
}

func (e *RangeRejectedError) Error() string {
	return fmt.Sprintf("range bytes=%d- rejected by %s", e.Offset, e.URL)
}

// ClientError represents 4xx responses other than 416.
type ClientError struct {
	StatusCode int
	Err        error // Underlying error, if any
}

func (e *ClientError) Error() string {
	return fmt.Sprintf("client error %d", e.StatusCode)
}

func (e *ClientError) Unwrap() error {
	return e.Err
}

// ServerError represents 5xx responses. They are worth retrying.
type ServerError struct {
	StatusCode int
	Err        error
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d", e.StatusCode)
}

func (e *ServerError) Unwrap() error {
	return e.Err
}

// UnexpectedStatusError represents any other response the transfer cannot use,
// including a success status without a body (StatusCode is kept, Reason says why).
type UnexpectedStatusError struct {
	StatusCode int
	Reason     string
}

func (e *UnexpectedStatusError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("unexpected response %d: %s", e.StatusCode, e.Reason)
	}

	return fmt.Sprintf("unexpected response %d", e.StatusCode)
}

// IOError represents a filesystem failure on the destination file.
type IOError struct {
	Op        string // "stat", "open", "write", "remove", ...
	Path      string
	Transient bool // EAGAIN, EBUSY, EINTR or ETXTBSY
	Err       error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Path, e.Err)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// InvariantError signals a defect: state the transfer should never observe.
// It is returned as an error by Execute instead of being folded into an Outcome.
type InvariantError struct {
	ID     string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("invariant violated for download %s: %s", e.ID, e.Detail)
}

func newIOError(op, path string, err error) *IOError {
	return &IOError{Op: op, Path: path, Transient: isTransientErrno(err), Err: err}
}

func isTransientErrno(err error) bool {
	return errors.Is(err, syscall.EAGAIN) ||
		errors.Is(err, syscall.EBUSY) ||
		errors.Is(err, syscall.EINTR) ||
		errors.Is(err, syscall.ETXTBSY)
}
