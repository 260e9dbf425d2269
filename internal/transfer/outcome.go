package transfer

import "fmt"

// Kind classifies the result of one transfer attempt.
type Kind int

const (
	KindSuccess Kind = iota
	KindRetryLater
	KindPermanentFailure
	KindCancelled
)

func (k Kind) String() string {
	switch k {
	case KindSuccess:
		return "success"
	case KindRetryLater:
		return "retry_later"
	case KindPermanentFailure:
		return "permanent_failure"
	case KindCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// ReasonPaused is the RetryLater reason used when the record was paused mid-transfer.
const ReasonPaused = "paused"

// Outcome is what one attempt achieved. Expected failures are reported here,
// never as an error from Execute.
type Outcome struct {
	Kind         Kind
	BytesWritten int64 // bytes written during this attempt
	TotalBytes   int64
	Reason       string
	Err          error
}

// Paused reports whether the attempt stopped because the record was paused.
func (o Outcome) Paused() bool {
	return o.Kind == KindRetryLater && o.Reason == ReasonPaused
}

func (o Outcome) String() string {
	if o.Reason == "" {
		return o.Kind.String()
	}

	return o.Kind.String() + ": " + o.Reason
}

func success(written, total int64) Outcome {
	return Outcome{Kind: KindSuccess, BytesWritten: written, TotalBytes: total}
}

func retryLater(reason string, err error) Outcome {
	return Outcome{Kind: KindRetryLater, Reason: reason, Err: err}
}

func permanentFailure(reason string, err error) Outcome {
	return Outcome{Kind: KindPermanentFailure, Reason: reason, Err: err}
}

func cancelled(written int64) Outcome {
	return Outcome{Kind: KindCancelled, BytesWritten: written, Reason: "cancelled"}
}
