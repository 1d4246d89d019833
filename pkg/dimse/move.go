package dimse

import (
	"context"
	"fmt"
	"time"
)

// MoveProgress is the sub-operation state reported by a C-MOVE response.
// Counters the peer omitted are -1.
type MoveProgress struct {
	Status    uint16
	Remaining int
	Completed int
	Failed    int
	Warning   int
}

func progressFrom(cmd *Command) MoveProgress {
	count := func(v *uint16) int {
		if v == nil {
			return -1
		}
		return int(*v)
	}
	return MoveProgress{
		Status:    cmd.Status,
		Remaining: count(cmd.Remaining),
		Completed: count(cmd.Completed),
		Failed:    count(cmd.Failed),
		Warning:   count(cmd.Warning),
	}
}

// CMoveRequest represents a C-MOVE request
type CMoveRequest struct {
	// SOPClassUID defaults to the Study Root information model.
	SOPClassUID string
	// Destination is the AE title the archive sends the objects to.
	Destination string
	Identifier  *Dataset
	Priority    uint16

	// Timeout bounds each wait for a response. Archives may take a long
	// time between pending responses; zero uses the DIMSE timeout.
	Timeout time.Duration

	// OnProgress is called for each pending response. Returning false
	// sends C-CANCEL.
	OnProgress func(MoveProgress) bool

	// Cancelled is polled while waiting for responses.
	Cancelled func() bool
}

// CMoveResponse carries the final C-MOVE response.
type CMoveResponse struct {
	MoveProgress
	Responses  int
	CancelSent bool
}

// CMove performs a C-MOVE operation. The caller must already be listening
// for the storage sub-associations the archive opens to req.Destination.
// A final status of Cancel or a warning is not an error; a failure status is
// returned as *StatusError.
func (a *Association) CMove(ctx context.Context, req *CMoveRequest) (*CMoveResponse, error) {
	if req.Destination == "" {
		return nil, fmt.Errorf("C-MOVE: destination AE title is required")
	}
	sopClass := req.SOPClassUID
	if sopClass == "" {
		sopClass = StudyRootMoveSOPClass
	}
	pcID, err := a.FindAcceptedPresentationContext(sopClass)
	if err != nil {
		return nil, err
	}

	identifier := req.Identifier
	if identifier == nil {
		identifier = NewDataset()
	}
	payload, err := identifier.Encode(a.contexts[pcID].TransferSyntax)
	if err != nil {
		return nil, fmt.Errorf("failed to encode C-MOVE identifier: %w", err)
	}

	msgID := a.nextMessageID()
	command := &Command{
		CommandField:        CMoveRQ,
		MessageID:           msgID,
		AffectedSOPClassUID: sopClass,
		Priority:            req.Priority,
		MoveDestination:     req.Destination,
	}
	if err := a.SendMessage(pcID, command, payload); err != nil {
		return nil, fmt.Errorf("failed to send C-MOVE request: %w", err)
	}
	a.log.Debug().
		Str("destination", req.Destination).
		Uint16("message_id", msgID).
		Msg("C-MOVE request sent")

	timeout := req.Timeout
	if timeout == 0 {
		timeout = a.cfg.DIMSETimeout
	}
	res, err := a.runExchange(ctx, exchange{
		op:            "C-MOVE",
		contextID:     pcID,
		messageID:     msgID,
		responseField: CMoveRSP,
		timeout:       timeout,
		cancelled:     req.Cancelled,
		onPending: func(msg *Message) (bool, error) {
			if req.OnProgress == nil {
				return true, nil
			}
			return req.OnProgress(progressFrom(msg.Command)), nil
		},
	})

	response := &CMoveResponse{Responses: res.responses, CancelSent: res.cancelSent}
	if res.final != nil {
		response.MoveProgress = progressFrom(res.final)
	}
	return response, err
}
