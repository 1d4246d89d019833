package dimse

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"
)

// AcceptPolicy decides what an acceptor agrees to during negotiation.
type AcceptPolicy struct {
	// AETitle is our own AE title. When StrictCalledAETitle is set a request
	// addressed to another title is rejected.
	AETitle             string
	StrictCalledAETitle bool

	// AbstractSyntaxes reports whether an abstract syntax is supported.
	AbstractSyntaxes func(uid string) bool
	// TransferSyntaxes lists acceptable transfer syntaxes in order of
	// preference.
	TransferSyntaxes []string
}

// AcceptAssociation runs the acceptor side of association negotiation on
// conn. On rejection the A-ASSOCIATE-RJ has been sent, the connection is
// closed and a *RejectError is returned.
func AcceptAssociation(conn net.Conn, cfg AssociationConfig, policy AcceptPolicy) (*Association, error) {
	cfg.setDefaults()
	a := newAssociation(conn, RoleSCP, cfg)

	_ = conn.SetDeadline(time.Now().Add(cfg.ACSETimeout))
	p, err := readPDU(a.r)
	if err != nil {
		a.markClosed()
		_ = conn.Close()
		return nil, a.ioError("read A-ASSOCIATE-RQ", err)
	}
	if p.typ != pduAssociateRQ {
		a.Abort()
		return nil, fmt.Errorf("%w: expected A-ASSOCIATE-RQ, got PDU 0x%02X", ErrDimseFailure, p.typ)
	}
	rq, err := decodeAssociateRQ(p.data)
	if err != nil {
		a.Abort()
		return nil, err
	}
	a.callingAET, a.calledAET = rq.callingAE, rq.calledAE

	if rq.applicationContext != ApplicationContextUID {
		return nil, a.reject(1, 1, 2)
	}
	if policy.StrictCalledAETitle && rq.calledAE != policy.AETitle {
		return nil, a.reject(1, 1, 7)
	}

	for _, pc := range rq.contexts {
		switch {
		case policy.AbstractSyntaxes == nil || !policy.AbstractSyntaxes(pc.AbstractSyntax):
			pc.Result = ResultAbstractSyntaxNotSupported
		default:
			if ts := chooseTransferSyntax(policy.TransferSyntaxes, pc.TransferSyntaxes); ts != "" {
				pc.Result = ResultAcceptance
				pc.TransferSyntax = ts
			} else {
				pc.Result = ResultTransferSyntaxesNotSupported
			}
		}
		a.contexts[pc.ID] = pc
	}
	a.peerMaxPDU = rq.maxPDULength

	if err := writePDU(conn, pduAssociateAC, encodeAssociateAC(rq, cfg.MaxPDULength)); err != nil {
		a.markClosed()
		_ = conn.Close()
		return nil, a.ioError("send A-ASSOCIATE-AC", err)
	}
	_ = conn.SetDeadline(time.Time{})
	return a, nil
}

func (a *Association) reject(result, source, reason byte) error {
	_ = writePDU(a.conn, pduAssociateRJ, encodeAssociateRJ(result, source, reason))
	a.markClosed()
	_ = a.conn.Close()
	return &RejectError{Result: result, Source: source, Reason: reason}
}

func chooseTransferSyntax(preferred, proposed []string) string {
	for _, want := range preferred {
		for _, ts := range proposed {
			if ts == want {
				return ts
			}
		}
	}
	return ""
}

// StoreRequest is one incoming C-STORE.
type StoreRequest struct {
	Association             *Association
	ContextID               byte
	TransferSyntax          string
	SOPClassUID             string
	SOPInstanceUID          string
	MoveOriginatorAETitle   string
	MoveOriginatorMessageID uint16
	Data                    []byte
}

// StoreHandler processes incoming C-STORE requests and returns the DIMSE
// status to answer with.
type StoreHandler interface {
	HandleStore(ctx context.Context, req *StoreRequest) uint16
}

// ServiceProvider accepts associations on an endpoint and serves
// Verification and Storage requests on them.
type ServiceProvider struct {
	AETitle             string
	Config              AssociationConfig
	StrictCalledAETitle bool
	// TransferSyntaxes defaults to StorageTransferSyntaxes.
	TransferSyntaxes []string
	Handler          StoreHandler
	// DrainTimeout bounds how long Serve waits for open associations after
	// ctx is done before closing them. Zero means the ACSE timeout.
	DrainTimeout time.Duration
}

// Serve accepts associations on ep until ctx is done, then waits for open
// associations to finish. It returns nil when stopped through ctx.
func (p *ServiceProvider) Serve(ctx context.Context, ep *Endpoint) error {
	if p.Handler == nil {
		return errors.New("dimse: store handler is required")
	}
	if ep == nil || ep.listener == nil {
		return fmt.Errorf("%w: endpoint is not listening", ErrNetworkInitFailed)
	}
	cfg := p.Config
	cfg.setDefaults()
	logger := cfg.logger()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = ep.Close()
	}()

	// Open associations outlive ctx until the drain deadline.
	connCtx, closeConns := context.WithCancel(context.WithoutCancel(ctx))
	defer closeConns()

	logger.Debug().
		Str("address", ep.Addr().String()).
		Str("ae_title", p.AETitle).
		Msg("Store receiver listening")

	var (
		wg       sync.WaitGroup
		serveErr error
	)
	for {
		conn, err := ep.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			if isTimeout(err) {
				logger.Warn().Err(err).Msg("Accept timeout")
				continue
			}
			serveErr = fmt.Errorf("accept: %w", err)
			break
		}
		wg.Add(1)
		go func(c net.Conn) {
			defer wg.Done()
			p.handleConnection(connCtx, c, cfg)
		}(conn)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	drain := p.DrainTimeout
	if drain == 0 {
		drain = cfg.ACSETimeout
	}
	select {
	case <-done:
	case <-time.After(drain):
		logger.Warn().Dur("drain_timeout", drain).Msg("Closing store associations still open after stop")
		closeConns()
		<-done
	}
	return serveErr
}

func (p *ServiceProvider) acceptsAbstractSyntax(uid string) bool {
	return uid == VerificationSOPClass || IsStorageSOPClass(uid)
}

func (p *ServiceProvider) handleConnection(ctx context.Context, conn net.Conn, cfg AssociationConfig) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	logger := cfg.logger().With().Str("remote_addr", conn.RemoteAddr().String()).Logger()

	transferSyntaxes := p.TransferSyntaxes
	if len(transferSyntaxes) == 0 {
		transferSyntaxes = StorageTransferSyntaxes
	}
	a, err := AcceptAssociation(conn, cfg, AcceptPolicy{
		AETitle:             p.AETitle,
		StrictCalledAETitle: p.StrictCalledAETitle,
		AbstractSyntaxes:    p.acceptsAbstractSyntax,
		TransferSyntaxes:    transferSyntaxes,
	})
	if err != nil {
		logger.Warn().Err(err).Msg("Incoming association not established")
		return
	}
	logger.Debug().Str("calling_aet", a.CallingAETitle()).Msg("Accepted incoming association")

	for {
		msg, err := a.ReceiveMessage(ctx)
		if errors.Is(err, ErrReleased) {
			logger.Debug().Str("calling_aet", a.CallingAETitle()).Msg("Incoming association released")
			return
		}
		if err != nil {
			if ctx.Err() == nil {
				logger.Warn().Err(err).Msg("Incoming association ended")
			}
			a.Abort()
			return
		}

		pc, ok := a.contexts[msg.ContextID]
		if !ok || !pc.Accepted() {
			logger.Warn().Uint8("context_id", msg.ContextID).Msg("Message on unaccepted presentation context")
			a.Abort()
			return
		}

		cmd := msg.Command
		switch cmd.CommandField {
		case CEchoRQ:
			err = a.SendMessage(msg.ContextID, &Command{
				CommandField:              CEchoRSP,
				MessageIDBeingRespondedTo: cmd.MessageID,
				AffectedSOPClassUID:       VerificationSOPClass,
				Status:                    StatusSuccess,
			}, nil)
		case CStoreRQ:
			status := p.Handler.HandleStore(ctx, &StoreRequest{
				Association:             a,
				ContextID:               msg.ContextID,
				TransferSyntax:          pc.TransferSyntax,
				SOPClassUID:             cmd.AffectedSOPClassUID,
				SOPInstanceUID:          cmd.AffectedSOPInstanceUID,
				MoveOriginatorAETitle:   cmd.MoveOriginatorAETitle,
				MoveOriginatorMessageID: cmd.MoveOriginatorMessageID,
				Data:                    msg.Data,
			})
			err = a.SendMessage(msg.ContextID, &Command{
				CommandField:              CStoreRSP,
				MessageIDBeingRespondedTo: cmd.MessageID,
				AffectedSOPClassUID:       cmd.AffectedSOPClassUID,
				AffectedSOPInstanceUID:    cmd.AffectedSOPInstanceUID,
				Status:                    status,
			}, nil)
		default:
			logger.Warn().Str("command", commandName(cmd.CommandField)).Msg("Unsupported command on store association")
			a.Abort()
			return
		}
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to send response")
			a.Abort()
			return
		}
	}
}
