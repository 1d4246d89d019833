package dimse

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"sync"
)

// Role is the side of the protocol an endpoint or association plays.
type Role int

const (
	RoleSCU Role = iota
	RoleSCP
)

func (r Role) String() string {
	if r == RoleSCP {
		return "scp"
	}
	return "scu"
}

// Endpoint is a network endpoint for requesting or accepting associations.
// An SCP endpoint owns a listening socket; an SCU endpoint only dials.
type Endpoint struct {
	role      Role
	tls       *tls.Config
	listener  net.Listener
	closeOnce sync.Once
	closeErr  error
}

// OpenEndpoint prepares an endpoint. For RoleSCP it listens on port on all
// interfaces; port 0 picks a free port. A non-nil tlsConfig enables TLS on
// every connection made or accepted through the endpoint.
func OpenEndpoint(role Role, port int, tlsConfig *tls.Config) (*Endpoint, error) {
	e := &Endpoint{role: role, tls: tlsConfig}
	if role != RoleSCP {
		return e, nil
	}
	if port < 0 || port > 65535 {
		return nil, fmt.Errorf("%w: invalid port %d", ErrNetworkInitFailed, port)
	}
	ln, err := net.Listen("tcp", net.JoinHostPort("", strconv.Itoa(port)))
	if err != nil {
		return nil, fmt.Errorf("%w: listen on port %d: %w", ErrNetworkInitFailed, port, err)
	}
	if tlsConfig != nil {
		ln = tls.NewListener(ln, tlsConfig)
	}
	e.listener = ln
	return e, nil
}

// Secure reports whether the endpoint uses TLS.
func (e *Endpoint) Secure() bool {
	return e.tls != nil
}

// Addr returns the listening address of an SCP endpoint, or nil.
func (e *Endpoint) Addr() net.Addr {
	if e.listener == nil {
		return nil
	}
	return e.listener.Addr()
}

// Port returns the bound port of an SCP endpoint, or 0.
func (e *Endpoint) Port() int {
	if addr, ok := e.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Accept waits for the next inbound connection.
func (e *Endpoint) Accept() (net.Conn, error) {
	if e.listener == nil {
		return nil, fmt.Errorf("%w: endpoint is not listening", ErrNetworkInitFailed)
	}
	return e.listener.Accept()
}

// Close stops listening. It is safe to call more than once.
func (e *Endpoint) Close() error {
	e.closeOnce.Do(func() {
		if e.listener != nil {
			e.closeErr = e.listener.Close()
		}
	})
	return e.closeErr
}

// RequestAssociation dials address and negotiates an association with the
// proposed presentation contexts. Contexts without an ID are numbered.
// Cancelling ctx interrupts both the dial and the negotiation.
func (e *Endpoint) RequestAssociation(ctx context.Context, address string, cfg AssociationConfig, contexts []*PresentationContext) (*Association, error) {
	cfg.setDefaults()
	numberContexts(contexts)

	dialCtx, cancel := context.WithTimeout(ctx, cfg.ConnectTimeout)
	defer cancel()

	var (
		conn net.Conn
		err  error
	)
	if e.tls != nil {
		d := &tls.Dialer{Config: e.tls}
		conn, err = d.DialContext(dialCtx, "tcp", address)
	} else {
		var d net.Dialer
		conn, err = d.DialContext(dialCtx, "tcp", address)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("connect to %s: %w: %w", address, ErrCancelled, ctx.Err())
		}
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectFailed, address, err)
	}

	a := newAssociation(conn, RoleSCU, cfg)
	if err := a.negotiate(ctx, contexts); err != nil {
		a.Abort()
		return nil, err
	}
	a.log.Debug().
		Str("remote_ae", cfg.CalledAETitle).
		Str("address", address).
		Uint32("peer_max_pdu", a.peerMaxPDU).
		Msg("Association established")
	return a, nil
}

func numberContexts(contexts []*PresentationContext) {
	next := byte(1)
	for _, pc := range contexts {
		if pc.ID == 0 {
			pc.ID = next
		}
		if pc.ID >= next {
			next = pc.ID + 2
		}
	}
}
