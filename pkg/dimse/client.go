package dimse

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// AssociationConfig holds configuration for DICOM associations
type AssociationConfig struct {
	CallingAETitle string
	CalledAETitle  string
	MaxPDULength   uint32

	// ConnectTimeout bounds the TCP (and TLS) handshake, ACSETimeout the
	// association negotiation and release, DIMSETimeout each wait for a
	// DIMSE response.
	ConnectTimeout time.Duration
	ACSETimeout    time.Duration
	DIMSETimeout   time.Duration

	// PollInterval is how often a blocked receive re-checks cancellation.
	PollInterval time.Duration
	// CancelGrace bounds the wait for the final response after C-CANCEL.
	CancelGrace time.Duration

	Logger *zerolog.Logger
}

func (c *AssociationConfig) setDefaults() {
	if c.MaxPDULength == 0 {
		c.MaxPDULength = 16384 // 16KB default
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 30 * time.Second
	}
	if c.ACSETimeout == 0 {
		c.ACSETimeout = 30 * time.Second
	}
	if c.DIMSETimeout == 0 {
		c.DIMSETimeout = 60 * time.Second
	}
	if c.PollInterval == 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	if c.CancelGrace == 0 {
		c.CancelGrace = 10 * time.Second
	}
}

func (c *AssociationConfig) logger() zerolog.Logger {
	if c.Logger != nil {
		return *c.Logger
	}
	return log.Logger
}

// Association represents a negotiated DICOM association. It is used by one
// goroutine at a time; Release and Abort may be called from any goroutine.
type Association struct {
	conn net.Conn
	r    *bufio.Reader
	role Role
	cfg  AssociationConfig
	log  zerolog.Logger

	callingAET string
	calledAET  string
	contexts   map[byte]*PresentationContext
	peerMaxPDU uint32

	mu        sync.Mutex
	closed    bool
	messageID uint16
}

func newAssociation(conn net.Conn, role Role, cfg AssociationConfig) *Association {
	return &Association{
		conn:       conn,
		r:          bufio.NewReaderSize(conn, 64*1024),
		role:       role,
		cfg:        cfg,
		log:        cfg.logger().With().Str("component", "dimse").Str("role", role.String()).Logger(),
		callingAET: cfg.CallingAETitle,
		calledAET:  cfg.CalledAETitle,
		contexts:   make(map[byte]*PresentationContext),
	}
}

// NewPresentationContexts proposes each abstract syntax with the same
// transfer syntaxes, numbering contexts 1, 3, 5 and so on.
func NewPresentationContexts(abstractSyntaxes, transferSyntaxes []string) []*PresentationContext {
	contexts := make([]*PresentationContext, 0, len(abstractSyntaxes))
	id := byte(1)
	for _, as := range abstractSyntaxes {
		contexts = append(contexts, &PresentationContext{
			ID:               id,
			AbstractSyntax:   as,
			TransferSyntaxes: transferSyntaxes,
		})
		id += 2 // Must be odd numbers
	}
	return contexts
}

// negotiate sends A-ASSOCIATE-RQ and processes the answer. Cancelling ctx
// interrupts the blocked read.
func (a *Association) negotiate(ctx context.Context, proposed []*PresentationContext) error {
	stop := context.AfterFunc(ctx, func() {
		_ = a.conn.SetDeadline(time.Now())
	})
	defer stop()

	rq := &associateRQ{
		calledAE:     a.calledAET,
		callingAE:    a.callingAET,
		contexts:     proposed,
		maxPDULength: a.cfg.MaxPDULength,
	}
	if err := a.conn.SetDeadline(time.Now().Add(a.cfg.ACSETimeout)); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectFailed, err)
	}
	if err := writePDU(a.conn, pduAssociateRQ, rq.encode()); err != nil {
		return a.negotiationError(ctx, "send A-ASSOCIATE-RQ", err)
	}
	p, err := readPDU(a.r)
	if err != nil {
		return a.negotiationError(ctx, "read A-ASSOCIATE response", err)
	}
	_ = a.conn.SetDeadline(time.Time{})

	switch p.typ {
	case pduAssociateAC:
		results, info, err := decodeAssociateAC(p.data)
		if err != nil {
			return err
		}
		a.peerMaxPDU = info.maxPDULength
		accepted := 0
		for _, pc := range proposed {
			negotiated := *pc
			negotiated.Result = ResultNoReason
			if r, ok := results[pc.ID]; ok {
				negotiated.Result = r.result
				if r.result == ResultAcceptance {
					negotiated.TransferSyntax = r.transferSyntax
					accepted++
				}
			}
			a.contexts[pc.ID] = &negotiated
		}
		if accepted == 0 {
			return fmt.Errorf("%w: %s accepted none of the proposed presentation contexts", ErrContextNotAccepted, a.calledAET)
		}
		return nil
	case pduAssociateRJ:
		return decodeAssociateRJ(p.data)
	case pduAbort:
		return decodeAbort(p.data)
	default:
		return fmt.Errorf("%w: unexpected PDU 0x%02X during negotiation", ErrDimseFailure, p.typ)
	}
}

func (a *Association) negotiationError(ctx context.Context, op string, err error) error {
	switch {
	case ctx.Err() != nil:
		return fmt.Errorf("%s: %w: %w", op, ErrCancelled, ctx.Err())
	case isTimeout(err):
		return fmt.Errorf("%s: %w", op, ErrDimseTimeout)
	default:
		return fmt.Errorf("%s: %w: %w", op, ErrConnectFailed, err)
	}
}

// FindAcceptedPresentationContext returns the lowest accepted context ID for
// abstractSyntax.
func (a *Association) FindAcceptedPresentationContext(abstractSyntax string) (byte, error) {
	ids := make([]int, 0, len(a.contexts))
	for id := range a.contexts {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	for _, id := range ids {
		pc := a.contexts[byte(id)]
		if pc.AbstractSyntax == abstractSyntax && pc.Accepted() {
			return byte(id), nil
		}
	}
	return 0, fmt.Errorf("%w: %s by %s", ErrContextNotAccepted, abstractSyntax, a.peerAETitle())
}

// PresentationContext returns the negotiated context with the given ID.
func (a *Association) PresentationContext(id byte) (*PresentationContext, bool) {
	pc, ok := a.contexts[id]
	return pc, ok
}

// CallingAETitle returns the AE title of the requestor.
func (a *Association) CallingAETitle() string { return a.callingAET }

// CalledAETitle returns the AE title of the acceptor.
func (a *Association) CalledAETitle() string { return a.calledAET }

// RemoteAddr returns the peer's network address.
func (a *Association) RemoteAddr() net.Addr { return a.conn.RemoteAddr() }

func (a *Association) peerAETitle() string {
	if a.role == RoleSCU {
		return a.calledAET
	}
	return a.callingAET
}

func (a *Association) nextMessageID() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.messageID++
	if a.messageID == 0 {
		a.messageID = 1
	}
	return a.messageID
}

// markClosed flips the association to closed and reports whether this call
// did it.
func (a *Association) markClosed() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return false
	}
	a.closed = true
	return true
}

// Release performs an orderly A-RELEASE and closes the connection. It is
// safe to call more than once.
func (a *Association) Release() error {
	if !a.markClosed() {
		return nil
	}
	defer a.conn.Close()

	if err := a.conn.SetDeadline(time.Now().Add(a.cfg.ACSETimeout)); err != nil {
		return err
	}
	if err := writePDU(a.conn, pduReleaseRQ, make([]byte, 4)); err != nil {
		return fmt.Errorf("send A-RELEASE-RQ: %w", err)
	}
	for {
		p, err := readPDU(a.r)
		if err != nil {
			return fmt.Errorf("await A-RELEASE-RP: %w", err)
		}
		switch p.typ {
		case pduReleaseRP:
			a.log.Debug().Str("peer", a.peerAETitle()).Msg("Association released")
			return nil
		case pduReleaseRQ:
			// Release collision: answer and finish.
			return writePDU(a.conn, pduReleaseRP, make([]byte, 4))
		case pduAbort:
			return decodeAbort(p.data)
		default:
			// Late P-DATA after a cancel is dropped.
		}
	}
}

// Abort sends A-ABORT and closes the connection without waiting. It is safe
// to call more than once and after Release.
func (a *Association) Abort() error {
	if !a.markClosed() {
		return nil
	}
	defer a.conn.Close()
	_ = a.conn.SetWriteDeadline(time.Now().Add(time.Second))
	if err := writePDU(a.conn, pduAbort, encodeAbort(0, 0)); err != nil {
		return fmt.Errorf("send A-ABORT: %w", err)
	}
	a.log.Debug().Str("peer", a.peerAETitle()).Msg("Association aborted")
	return nil
}

// answerRelease replies to a peer A-RELEASE-RQ and closes the connection.
func (a *Association) answerRelease() {
	if !a.markClosed() {
		return
	}
	_ = a.conn.SetWriteDeadline(time.Now().Add(a.cfg.ACSETimeout))
	if err := writePDU(a.conn, pduReleaseRP, make([]byte, 4)); err != nil {
		a.log.Debug().Err(err).Msg("Failed to send A-RELEASE-RP")
	}
	_ = a.conn.Close()
}
