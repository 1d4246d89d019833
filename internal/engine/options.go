package engine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/ris-dicom-qr/internal/metrics"
	"github.com/otcheredev/ris-dicom-qr/internal/models"
	"github.com/otcheredev/ris-dicom-qr/pkg/dimse"
)

// Options configures a query or retrieve engine. The endpoints are read-only
// once the engine is constructed.
type Options struct {
	Remote models.RemoteEndpoint
	Local  models.LocalIdentity

	// TLSConfig is used for the remote connection when Remote.Secure is set
	// and for the store receiver when Local.Secure is set.
	TLSConfig *tls.Config

	MaxPDULength   uint32
	ConnectTimeout time.Duration
	ACSETimeout    time.Duration
	DIMSETimeout   time.Duration
	// MoveTimeout bounds the wait between C-MOVE responses. Archives can be
	// slow to report progress, so it defaults to four DIMSE timeouts.
	MoveTimeout       time.Duration
	PollInterval      time.Duration
	CancelGrace       time.Duration
	StoreDrainTimeout time.Duration

	Logger *zerolog.Logger
}

func (o Options) validate() error {
	if o.Remote.AETitle == "" {
		return errors.New("remote AE title is required")
	}
	if len(o.Remote.AETitle) > 16 || len(o.Local.AETitle) > 16 {
		return errors.New("AE titles are limited to 16 characters")
	}
	if o.Remote.Host == "" || o.Remote.Port <= 0 {
		return fmt.Errorf("invalid remote address %q", o.Remote.Address())
	}
	if o.Local.AETitle == "" {
		return errors.New("local AE title is required")
	}
	if (o.Remote.Secure || o.Local.Secure) && o.TLSConfig == nil {
		return errors.New("TLS configuration is required for a secure endpoint")
	}
	return nil
}

func (o Options) logger() zerolog.Logger {
	if o.Logger != nil {
		return *o.Logger
	}
	return log.Logger
}

func (o Options) associationConfig() dimse.AssociationConfig {
	logger := o.logger()
	return dimse.AssociationConfig{
		CallingAETitle: o.Local.AETitle,
		CalledAETitle:  o.Remote.AETitle,
		MaxPDULength:   o.MaxPDULength,
		ConnectTimeout: o.ConnectTimeout,
		ACSETimeout:    o.ACSETimeout,
		DIMSETimeout:   o.DIMSETimeout,
		PollInterval:   o.PollInterval,
		CancelGrace:    o.CancelGrace,
		Logger:         &logger,
	}
}

func (o Options) moveTimeout() time.Duration {
	if o.MoveTimeout > 0 {
		return o.MoveTimeout
	}
	if o.DIMSETimeout > 0 {
		return 4 * o.DIMSETimeout
	}
	return 4 * time.Minute
}

func (o Options) remoteTLS() *tls.Config {
	if !o.Remote.Secure {
		return nil
	}
	return o.TLSConfig
}

func (o Options) localTLS() *tls.Config {
	if !o.Local.Secure {
		return nil
	}
	return o.TLSConfig
}

// openAssociation dials the remote and negotiates one presentation context
// for abstractSyntax. service labels the association metric.
func openAssociation(ctx context.Context, opts Options, service, abstractSyntax string) (*dimse.Association, error) {
	ep, err := dimse.OpenEndpoint(dimse.RoleSCU, 0, opts.remoteTLS())
	if err != nil {
		metrics.AssociationsTotal.WithLabelValues(service, "failed").Inc()
		return nil, err
	}
	defer ep.Close()

	contexts := dimse.NewPresentationContexts([]string{abstractSyntax}, dimse.QueryTransferSyntaxes)
	assoc, err := ep.RequestAssociation(ctx, opts.Remote.Address(), opts.associationConfig(), contexts)
	if err != nil {
		outcome := "failed"
		if errors.Is(err, dimse.ErrAssociationRejected) {
			outcome = "rejected"
		}
		metrics.AssociationsTotal.WithLabelValues(service, outcome).Inc()
		return nil, err
	}
	metrics.AssociationsTotal.WithLabelValues(service, "accepted").Inc()
	return assoc, nil
}

// finish releases assoc after an orderly exchange and aborts it otherwise.
func finish(logger zerolog.Logger, assoc *dimse.Association, err error) {
	var statusErr *dimse.StatusError
	if err == nil || errors.As(err, &statusErr) {
		if relErr := assoc.Release(); relErr != nil {
			logger.Debug().Err(relErr).Msg("Association release failed")
		}
		return
	}
	assoc.Abort()
}
