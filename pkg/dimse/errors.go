package dimse

import (
	"errors"
	"fmt"
	"net"
	"os"
)

// Error taxonomy shared by every DIMSE operation. Operations wrap these with
// context, so callers should test with errors.Is.
var (
	ErrNetworkInitFailed   = errors.New("dimse: network initialization failed")
	ErrConnectFailed       = errors.New("dimse: connect failed")
	ErrAssociationRejected = errors.New("dimse: association rejected")
	ErrContextNotAccepted  = errors.New("dimse: presentation context not accepted")
	ErrDimseTimeout        = errors.New("dimse: timed out waiting for peer")
	ErrDimseFailure        = errors.New("dimse: failure response")
	ErrStoreWriteFailed    = errors.New("dimse: store write failed")
	ErrCancelled           = errors.New("dimse: operation cancelled")
	ErrValueTooLong        = errors.New("dimse: value too long for its VR")

	// ErrReleased is returned by ReceiveMessage when the peer released the
	// association. The release response has already been sent.
	ErrReleased = errors.New("dimse: association released by peer")
)

// RejectError is returned when the peer answers A-ASSOCIATE-RQ with
// A-ASSOCIATE-RJ.
type RejectError struct {
	Result byte
	Source byte
	Reason byte
}

func (e *RejectError) Error() string {
	return fmt.Sprintf("association rejected: result=%d source=%s reason=%s",
		e.Result, rejectSourceName(e.Source), rejectReasonName(e.Source, e.Reason))
}

func (e *RejectError) Is(target error) bool {
	return target == ErrAssociationRejected
}

// Permanent reports whether the rejection is permanent rather than transient.
func (e *RejectError) Permanent() bool {
	return e.Result == 1
}

func rejectSourceName(source byte) string {
	switch source {
	case 1:
		return "service-user"
	case 2:
		return "service-provider-acse"
	case 3:
		return "service-provider-presentation"
	default:
		return "unknown"
	}
}

func rejectReasonName(source, reason byte) string {
	switch {
	case source == 1 && reason == 1:
		return "no-reason-given"
	case source == 1 && reason == 2:
		return "application-context-not-supported"
	case source == 1 && reason == 3:
		return "calling-ae-title-not-recognized"
	case source == 1 && reason == 7:
		return "called-ae-title-not-recognized"
	case source == 3 && reason == 1:
		return "temporary-congestion"
	case source == 3 && reason == 2:
		return "local-limit-exceeded"
	default:
		return fmt.Sprintf("0x%02x", reason)
	}
}

// StatusError carries a non-success, non-pending DIMSE status.
type StatusError struct {
	Op      string
	Status  uint16
	Comment string
}

func (e *StatusError) Error() string {
	if e.Comment != "" {
		return fmt.Sprintf("%s failed with status 0x%04X: %s", e.Op, e.Status, e.Comment)
	}
	return fmt.Sprintf("%s failed with status 0x%04X", e.Op, e.Status)
}

func (e *StatusError) Is(target error) bool {
	return target == ErrDimseFailure
}

// AbortError is returned when the peer sends A-ABORT.
type AbortError struct {
	Source byte
	Reason byte
}

func (e *AbortError) Error() string {
	return fmt.Sprintf("association aborted by peer (source=%d, reason=%d)", e.Source, e.Reason)
}

func (e *AbortError) Is(target error) bool {
	return target == ErrDimseFailure
}

func isTimeout(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
