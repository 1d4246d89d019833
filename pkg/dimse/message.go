package dimse

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// Message is one reassembled DIMSE message: a command set and, when the
// command announces one, its data set in the context's transfer syntax.
type Message struct {
	ContextID byte
	Command   *Command
	Data      []byte
}

// SendMessage writes cmd, and data when non-nil, on the given presentation
// context. The command's data set type is set from data. Sending on a context
// that was not accepted is a programming error and panics.
func (a *Association) SendMessage(contextID byte, cmd *Command, data []byte) error {
	pc, ok := a.contexts[contextID]
	if !ok || !pc.Accepted() {
		panic(fmt.Sprintf("dimse: send on presentation context %d which was not accepted", contextID))
	}
	if data != nil {
		cmd.DataSetType = DataSetPresent
	} else {
		cmd.DataSetType = DataSetAbsent
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return fmt.Errorf("send %s: %w: association is closed", commandName(cmd.CommandField), ErrDimseFailure)
	}

	_ = a.conn.SetWriteDeadline(time.Now().Add(a.cfg.DIMSETimeout))
	defer a.conn.SetWriteDeadline(time.Time{})

	if err := a.writePDVs(contextID, EncodeCommand(cmd), true); err != nil {
		return a.ioError("send "+commandName(cmd.CommandField), err)
	}
	if data != nil {
		if err := a.writePDVs(contextID, data, false); err != nil {
			return a.ioError("send data set", err)
		}
	}
	a.log.Trace().
		Str("command", commandName(cmd.CommandField)).
		Uint8("context_id", contextID).
		Int("data_bytes", len(data)).
		Msg("Sent DIMSE message")
	return nil
}

// writePDVs fragments payload into P-DATA-TF PDUs no larger than the peer's
// maximum.
func (a *Association) writePDVs(contextID byte, payload []byte, command bool) error {
	limit := int(a.peerMaxPDU)
	if limit == 0 || limit > maxPDUSize {
		limit = int(a.cfg.MaxPDULength)
	}
	chunk := limit - 6 // PDV item length and header
	if chunk < 16 {
		chunk = 16
	}

	for off := 0; ; {
		end := min(off+chunk, len(payload))
		ctrl := byte(0)
		if command {
			ctrl |= 0x01
		}
		if end == len(payload) {
			ctrl |= 0x02
		}
		pdv := make([]byte, 0, 6+end-off)
		pdv = binary.BigEndian.AppendUint32(pdv, uint32(end-off+2))
		pdv = append(pdv, contextID, ctrl)
		pdv = append(pdv, payload[off:end]...)
		if err := writePDU(a.conn, pduPDataTF, pdv); err != nil {
			return err
		}
		off = end
		if off >= len(payload) {
			return nil
		}
	}
}

// ReceiveMessage waits up to the DIMSE timeout for the next message.
// When the peer releases the association it answers the release and returns
// ErrReleased.
func (a *Association) ReceiveMessage(ctx context.Context) (*Message, error) {
	return a.receive(ctx, a.cfg.DIMSETimeout, nil)
}

func (a *Association) receive(ctx context.Context, timeout time.Duration, cancelled func() bool) (*Message, error) {
	if err := a.awaitData(ctx, timeout, cancelled); err != nil {
		return nil, err
	}

	var (
		msg      Message
		cmdBuf   []byte
		dataBuf  []byte
		dataDone bool
	)
	for {
		_ = a.conn.SetReadDeadline(time.Now().Add(a.cfg.DIMSETimeout))
		p, err := readPDU(a.r)
		_ = a.conn.SetReadDeadline(time.Time{})
		if err != nil {
			return nil, a.ioError("read PDU", err)
		}

		switch p.typ {
		case pduPDataTF:
		case pduReleaseRQ:
			a.answerRelease()
			return nil, ErrReleased
		case pduAbort:
			a.markClosed()
			_ = a.conn.Close()
			return nil, decodeAbort(p.data)
		default:
			a.Abort()
			return nil, fmt.Errorf("%w: unexpected PDU 0x%02X", ErrDimseFailure, p.typ)
		}

		data := p.data
		for off := 0; off < len(data); {
			if off+6 > len(data) {
				return nil, fmt.Errorf("%w: truncated PDV item", ErrDimseFailure)
			}
			length := int(binary.BigEndian.Uint32(data[off:]))
			if length < 2 || off+4+length > len(data) {
				return nil, fmt.Errorf("%w: PDV item length %d overruns PDU", ErrDimseFailure, length)
			}
			contextID, ctrl := data[off+4], data[off+5]
			fragment := data[off+6 : off+4+length]
			off += 4 + length

			if ctrl&0x01 != 0 {
				cmdBuf = append(cmdBuf, fragment...)
				if ctrl&0x02 != 0 {
					cmd, err := DecodeCommand(cmdBuf)
					if err != nil {
						return nil, err
					}
					msg.Command = cmd
					msg.ContextID = contextID
				}
				continue
			}
			if msg.Command == nil {
				return nil, fmt.Errorf("%w: data set fragment before command", ErrDimseFailure)
			}
			dataBuf = append(dataBuf, fragment...)
			if ctrl&0x02 != 0 {
				dataDone = true
			}
		}

		if msg.Command != nil && (!msg.Command.HasDataSet() || dataDone) {
			msg.Data = dataBuf
			a.log.Trace().
				Str("command", commandName(msg.Command.CommandField)).
				Uint8("context_id", msg.ContextID).
				Int("data_bytes", len(dataBuf)).
				Msg("Received DIMSE message")
			return &msg, nil
		}
	}
}

// awaitData blocks until the peer has sent something, polling cancelled and
// ctx every PollInterval so a cancel request is noticed even when the peer
// is silent.
func (a *Association) awaitData(ctx context.Context, timeout time.Duration, cancelled func() bool) error {
	deadline := time.Now().Add(timeout)
	defer a.conn.SetReadDeadline(time.Time{})

	for {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		if cancelled != nil && cancelled() {
			return ErrCancelled
		}
		if a.r.Buffered() > 0 {
			return nil
		}

		tick := time.Now().Add(a.cfg.PollInterval)
		if tick.After(deadline) {
			tick = deadline
		}
		_ = a.conn.SetReadDeadline(tick)
		_, err := a.r.Peek(1)
		if err == nil {
			return nil
		}
		if !isTimeout(err) {
			return a.ioError("await response", err)
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("no response within %s: %w", timeout, ErrDimseTimeout)
		}
	}
}

func (a *Association) ioError(op string, err error) error {
	switch {
	case isTimeout(err):
		return fmt.Errorf("%s: %w", op, ErrDimseTimeout)
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF), errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%s: %w: connection closed", op, ErrDimseFailure)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrDimseFailure, err)
	}
}

// exchange describes one request awaiting a stream of pending responses
// followed by a final one.
type exchange struct {
	op            string
	contextID     byte
	messageID     uint16
	responseField uint16
	timeout       time.Duration
	cancelled     func() bool

	// onPending is called for each pending response delivered before a
	// cancel. Returning false asks the peer to stop.
	onPending func(*Message) (bool, error)
}

type exchangeResult struct {
	final      *Command
	responses  int
	cancelSent bool
}

// runExchange drives x until the final response. A cancel (from ctx,
// x.cancelled or onPending) sends C-CANCEL once; pending responses after
// that are discarded and the final response is awaited for CancelGrace.
// If the peer does not answer in time ErrCancelled is returned and the
// caller should abort the association.
func (a *Association) runExchange(ctx context.Context, x exchange) (exchangeResult, error) {
	var res exchangeResult
	requestCancel := func() error {
		res.cancelSent = true
		a.log.Debug().Str("op", x.op).Uint16("message_id", x.messageID).Msg("Sending C-CANCEL")
		return a.SendMessage(x.contextID, &Command{
			CommandField:              CCancelRQ,
			MessageIDBeingRespondedTo: x.messageID,
		}, nil)
	}

	for {
		var (
			msg *Message
			err error
		)
		if res.cancelSent {
			msg, err = a.receive(context.WithoutCancel(ctx), a.cfg.CancelGrace, nil)
		} else {
			msg, err = a.receive(ctx, x.timeout, x.cancelled)
		}

		if err != nil {
			if errors.Is(err, ErrCancelled) && !res.cancelSent {
				if err := requestCancel(); err != nil {
					return res, fmt.Errorf("%s: %w", x.op, err)
				}
				continue
			}
			if res.cancelSent && errors.Is(err, ErrDimseTimeout) {
				return res, fmt.Errorf("%s: C-CANCEL not acknowledged: %w", x.op, ErrCancelled)
			}
			return res, fmt.Errorf("%s: %w", x.op, err)
		}

		cmd := msg.Command
		if cmd.CommandField != x.responseField || cmd.MessageIDBeingRespondedTo != x.messageID {
			return res, fmt.Errorf("%s: %w: unexpected %s for message %d",
				x.op, ErrDimseFailure, commandName(cmd.CommandField), cmd.MessageIDBeingRespondedTo)
		}

		if IsPending(cmd.Status) {
			if res.cancelSent {
				continue
			}
			res.responses++
			more, err := x.onPending(msg)
			if err != nil {
				return res, err
			}
			if !more {
				if err := requestCancel(); err != nil {
					return res, fmt.Errorf("%s: %w", x.op, err)
				}
			}
			continue
		}

		res.final = cmd
		if IsFailure(cmd.Status) {
			return res, &StatusError{Op: x.op, Status: cmd.Status, Comment: cmd.ErrorComment}
		}
		return res, nil
	}
}
