package dimse

import (
	"context"
	"fmt"
)

// CEcho performs a C-ECHO operation (DICOM ping)
func (a *Association) CEcho(ctx context.Context) error {
	pcID, err := a.FindAcceptedPresentationContext(VerificationSOPClass)
	if err != nil {
		return err
	}

	msgID := a.nextMessageID()
	command := &Command{
		CommandField:        CEchoRQ,
		MessageID:           msgID,
		AffectedSOPClassUID: VerificationSOPClass,
	}
	if err := a.SendMessage(pcID, command, nil); err != nil {
		return fmt.Errorf("failed to send C-ECHO request: %w", err)
	}

	rsp, err := a.ReceiveMessage(ctx)
	if err != nil {
		return fmt.Errorf("failed to receive C-ECHO response: %w", err)
	}
	if rsp.Command.CommandField != CEchoRSP || rsp.Command.MessageIDBeingRespondedTo != msgID {
		return fmt.Errorf("%w: unexpected %s in reply to C-ECHO", ErrDimseFailure, commandName(rsp.Command.CommandField))
	}
	if rsp.Command.Status != StatusSuccess {
		return &StatusError{Op: "C-ECHO", Status: rsp.Command.Status, Comment: rsp.Command.ErrorComment}
	}
	return nil
}
