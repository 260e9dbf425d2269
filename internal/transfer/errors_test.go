package transfer

import (
	"errors"
	"io/fs"
	"syscall"
	"testing"
)

func TestErrorMessages(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"range rejected", &RangeRejectedError{URL: "https://host/model.gguf", Offset: 1000}, "range bytes=1000- rejected by https://host/model.gguf"},
		{"client", &ClientError{StatusCode: 404}, "client error 404"},
		{"server", &ServerError{StatusCode: 503}, "server error 503"},
		{"unexpected", &UnexpectedStatusError{StatusCode: 304}, "unexpected response 304"},
		{"unexpected with reason", &UnexpectedStatusError{StatusCode: 200, Reason: "empty body"}, "unexpected response 200: empty body"},
		{"io", &IOError{Op: "write", Path: "/data/model.gguf", Err: errors.New("no space left on device")}, "write /data/model.gguf: no space left on device"},
		{"invariant", &InvariantError{ID: "m1", Detail: "boom"}, "invariant violated for download m1: boom"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.want {
				t.Errorf("Error() = %q, want %q", got, tt.want)
			}
		})
	}
}

// TestIOError_Transient verifies errno classification through wrapped path errors
func TestIOError_Transient(t *testing.T) {
	tests := []struct {
		errno     syscall.Errno
		transient bool
	}{
		{syscall.EAGAIN, true},
		{syscall.EBUSY, true},
		{syscall.EINTR, true},
		{syscall.ETXTBSY, true},
		{syscall.ENOSPC, false},
		{syscall.EACCES, false},
	}

	for _, tt := range tests {
		t.Run(tt.errno.Error(), func(t *testing.T) {
			err := newIOError("write", "/data/model.gguf", &fs.PathError{Op: "write", Path: "/data/model.gguf", Err: tt.errno})
			if err.Transient != tt.transient {
				t.Errorf("Transient = %v, want %v", err.Transient, tt.transient)
			}

			if !errors.Is(err, tt.errno) {
				t.Errorf("errors.Is(%v) = false, want true", tt.errno)
			}
		})
	}
}

// TestErrorUnwrapping verifies typed errors expose their cause
func TestErrorUnwrapping(t *testing.T) {
	cause := errors.New("cause")

	if !errors.Is(&ClientError{StatusCode: 400, Err: cause}, cause) {
		t.Error("ClientError does not unwrap")
	}

	if !errors.Is(&ServerError{StatusCode: 500, Err: cause}, cause) {
		t.Error("ServerError does not unwrap")
	}

	var ioErr *IOError
	if !errors.As(error(&IOError{Err: cause}), &ioErr) {
		t.Error("errors.As failed for IOError")
	}
}

func TestOutcome(t *testing.T) {
	if !retryLater(ReasonPaused, nil).Paused() {
		t.Error("paused retry not reported as paused")
	}

	if retryLater("server error 503", nil).Paused() {
		t.Error("server retry reported as paused")
	}

	if got := permanentFailure("client error 404", nil).String(); got != "permanent_failure: client error 404" {
		t.Errorf("String() = %q", got)
	}
}
