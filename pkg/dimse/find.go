package dimse

import (
	"context"
	"fmt"
)

// CFindRequest represents a C-FIND request
type CFindRequest struct {
	// SOPClassUID defaults to the Study Root information model.
	SOPClassUID string
	Identifier  *Dataset
	Priority    uint16

	// OnResult receives each pending identifier in arrival order. Returning
	// false sends C-CANCEL and ignores further matches.
	OnResult func(*Dataset) bool

	// Cancelled is polled while waiting for responses.
	Cancelled func() bool
}

// CFindResponse summarizes a completed C-FIND exchange
type CFindResponse struct {
	Responses  int
	Status     uint16
	CancelSent bool
}

// CFind performs a C-FIND operation. Identifiers are streamed to
// req.OnResult rather than collected.
func (a *Association) CFind(ctx context.Context, req *CFindRequest) (*CFindResponse, error) {
	sopClass := req.SOPClassUID
	if sopClass == "" {
		sopClass = StudyRootFindSOPClass
	}
	pcID, err := a.FindAcceptedPresentationContext(sopClass)
	if err != nil {
		return nil, err
	}
	ts := a.contexts[pcID].TransferSyntax

	identifier := req.Identifier
	if identifier == nil {
		identifier = NewDataset()
	}
	payload, err := identifier.Encode(ts)
	if err != nil {
		return nil, fmt.Errorf("failed to encode C-FIND identifier: %w", err)
	}

	msgID := a.nextMessageID()
	command := &Command{
		CommandField:        CFindRQ,
		MessageID:           msgID,
		AffectedSOPClassUID: sopClass,
		Priority:            req.Priority,
	}
	if err := a.SendMessage(pcID, command, payload); err != nil {
		return nil, fmt.Errorf("failed to send C-FIND request: %w", err)
	}

	res, err := a.runExchange(ctx, exchange{
		op:            "C-FIND",
		contextID:     pcID,
		messageID:     msgID,
		responseField: CFindRSP,
		timeout:       a.cfg.DIMSETimeout,
		cancelled:     req.Cancelled,
		onPending: func(msg *Message) (bool, error) {
			ds, err := Decode(msg.Data, ts)
			if err != nil {
				return false, fmt.Errorf("C-FIND: %w: malformed identifier: %w", ErrDimseFailure, err)
			}
			if req.OnResult == nil {
				return true, nil
			}
			return req.OnResult(ds), nil
		},
	})

	response := &CFindResponse{Responses: res.responses, CancelSent: res.cancelSent}
	if res.final != nil {
		response.Status = res.final.Status
	}
	return response, err
}
