package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/ris-dicom-qr/internal/engine"
	"github.com/otcheredev/ris-dicom-qr/internal/importer"
	"github.com/otcheredev/ris-dicom-qr/internal/models"
	"github.com/otcheredev/ris-dicom-qr/internal/notify"
)

// ErrInvalidRequest wraps request validation failures.
var ErrInvalidRequest = errors.New("invalid request")

// PACSStore persists archive configurations.
type PACSStore interface {
	Create(ctx context.Context, config *models.PACSConfig) error
	GetByID(ctx context.Context, id uuid.UUID) (*models.PACSConfig, error)
	List(ctx context.Context) ([]models.PACSConfig, error)
	GetPrimary(ctx context.Context) (*models.PACSConfig, error)
	Update(ctx context.Context, config *models.PACSConfig) error
	Delete(ctx context.Context, id uuid.UUID) error
	SetPrimary(ctx context.Context, id uuid.UUID) error
	UpdateEchoStatus(ctx context.Context, id uuid.UUID, status *models.ConnectionStatus) error
}

// AuditStore persists audit rows.
type AuditStore interface {
	Create(ctx context.Context, log *models.AuditLog) error
	ListByPACS(ctx context.Context, pacsID uuid.UUID, limit, offset int) ([]models.AuditLog, error)
}

// Actor identifies who triggered an operation, for the audit log.
type Actor struct {
	OperatorID *uuid.UUID
	IPAddress  string
}

// Options configures the service.
type Options struct {
	// Engine is the template for every session; Remote is filled in per
	// archive.
	Engine engine.Options
	// ResultLimit applies to finds that do not set their own limit.
	ResultLimit uint

	// Importer, when set, is called for every directory of a completed
	// retrieve.
	Importer      importer.Importer
	ImportOptions importer.ImportOptions

	// Notifier defaults to a LogNotifier.
	Notifier notify.Notifier
}

// PACSService manages archive configurations and runs query/retrieve
// operations against them.
type PACSService struct {
	pacsRepo  PACSStore
	auditRepo AuditStore
	layout    engine.DirectoryLayout
	opts      Options
	sessions  *sessionRegistry

	// ctx outlives requests; retrieve loops run under it.
	ctx    context.Context
	cancel context.CancelFunc

	// startMu serializes retrieve starts across sessions; they share the
	// local store port.
	startMu sync.Mutex
}

// NewPACSService creates a new PACS service
func NewPACSService(pacsRepo PACSStore, auditRepo AuditStore, layout engine.DirectoryLayout, opts Options) *PACSService {
	if opts.Notifier == nil {
		opts.Notifier = notify.NewLogNotifier(log.Logger)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &PACSService{
		pacsRepo:  pacsRepo,
		auditRepo: auditRepo,
		layout:    layout,
		opts:      opts,
		ctx:       ctx,
		cancel:    cancel,
	}
	s.sessions = newSessionRegistry(s.newSession)
	return s
}

// Close stops every running operation and the notifier.
func (s *PACSService) Close() error {
	s.sessions.closeAll()
	s.cancel()
	return s.opts.Notifier.Close()
}

func (s *PACSService) engineOptions(remote models.RemoteEndpoint) engine.Options {
	opts := s.opts.Engine
	opts.Remote = remote
	return opts
}

func (s *PACSService) newSession(cfg models.PACSConfig) (*session, error) {
	sess := &session{pacs: cfg, status: engine.NewStatusChannel()}
	opts := s.engineOptions(cfg.Remote())

	query, err := engine.NewQueryEngine(opts, engine.Handlers{})
	if err != nil {
		return nil, err
	}
	retrieve, err := engine.NewRetrieveEngine(opts, s.layout, sess.status, engine.Handlers{
		Move:     progressLogger{pacs: cfg.Name},
		Retrieve: &completion{svc: s, session: sess},
	})
	if err != nil {
		return nil, err
	}
	sess.query = query
	sess.retrieve = retrieve
	return sess, nil
}

func validatePACSRequest(req *models.PACSConfigRequest) error {
	var problems []string
	if strings.TrimSpace(req.Name) == "" {
		problems = append(problems, "name is required")
	}
	if strings.TrimSpace(req.Host) == "" {
		problems = append(problems, "host is required")
	}
	if req.Port <= 0 || req.Port > 65535 {
		problems = append(problems, fmt.Sprintf("invalid port %d", req.Port))
	}
	if req.AETitle == "" || len(req.AETitle) > 16 {
		problems = append(problems, "ae_title must be 1 to 16 characters")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalidRequest, strings.Join(problems, ", "))
	}
	return nil
}

// CreatePACSConfig creates a new PACS configuration
func (s *PACSService) CreatePACSConfig(ctx context.Context, req *models.PACSConfigRequest) (*models.PACSConfig, error) {
	if err := validatePACSRequest(req); err != nil {
		return nil, err
	}
	config := &models.PACSConfig{
		Name:      strings.TrimSpace(req.Name),
		Host:      strings.TrimSpace(req.Host),
		Port:      req.Port,
		AETitle:   req.AETitle,
		Secure:    req.Secure,
		IsPrimary: req.IsPrimary,
		IsActive:  true,
	}

	if err := s.pacsRepo.Create(ctx, config); err != nil {
		return nil, fmt.Errorf("failed to create PACS config: %w", err)
	}

	return config, nil
}

// UpdatePACSConfig replaces the connection settings of a configuration.
func (s *PACSService) UpdatePACSConfig(ctx context.Context, id uuid.UUID, req *models.PACSConfigRequest) (*models.PACSConfig, error) {
	if err := validatePACSRequest(req); err != nil {
		return nil, err
	}
	config, err := s.pacsRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get PACS config: %w", err)
	}
	config.Name = strings.TrimSpace(req.Name)
	config.Host = strings.TrimSpace(req.Host)
	config.Port = req.Port
	config.AETitle = req.AETitle
	config.Secure = req.Secure

	if err := s.pacsRepo.Update(ctx, config); err != nil {
		return nil, fmt.Errorf("failed to update PACS config: %w", err)
	}
	if req.IsPrimary && !config.IsPrimary {
		if err := s.pacsRepo.SetPrimary(ctx, id); err != nil {
			return nil, fmt.Errorf("failed to set primary: %w", err)
		}
		config.IsPrimary = true
	}
	return config, nil
}

// DeletePACSConfig removes a configuration and stops its session.
func (s *PACSService) DeletePACSConfig(ctx context.Context, id uuid.UUID) error {
	if err := s.pacsRepo.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete PACS config: %w", err)
	}
	s.sessions.remove(id)
	return nil
}

// GetPACSConfigs retrieves all active PACS configurations
func (s *PACSService) GetPACSConfigs(ctx context.Context) ([]models.PACSConfig, error) {
	configs, err := s.pacsRepo.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get PACS configs: %w", err)
	}
	return configs, nil
}

// GetPACSConfig retrieves a specific PACS configuration
func (s *PACSService) GetPACSConfig(ctx context.Context, configID uuid.UUID) (*models.PACSConfig, error) {
	config, err := s.pacsRepo.GetByID(ctx, configID)
	if err != nil {
		return nil, fmt.Errorf("failed to get PACS config: %w", err)
	}
	return config, nil
}

// GetPrimaryPACSConfig returns the primary configuration.
func (s *PACSService) GetPrimaryPACSConfig(ctx context.Context) (*models.PACSConfig, error) {
	config, err := s.pacsRepo.GetPrimary(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get primary PACS config: %w", err)
	}
	return config, nil
}

// AuditLogs lists the audit rows of one archive, newest first.
func (s *PACSService) AuditLogs(ctx context.Context, pacsID uuid.UUID, limit, offset int) ([]models.AuditLog, error) {
	return s.auditRepo.ListByPACS(ctx, pacsID, limit, offset)
}

func (s *PACSService) session(ctx context.Context, id uuid.UUID) (*session, error) {
	config, err := s.pacsRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get PACS config: %w", err)
	}
	if !config.IsActive {
		return nil, fmt.Errorf("%w: PACS %s is inactive", ErrInvalidRequest, config.Name)
	}
	return s.sessions.get(*config)
}

// Echo sends C-ECHO to a saved archive and records the outcome on it.
func (s *PACSService) Echo(ctx context.Context, id uuid.UUID, actor Actor) (*models.ConnectionStatus, error) {
	config, err := s.pacsRepo.GetByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get PACS config: %w", err)
	}

	status := s.echo(ctx, config.Remote())
	if err := s.pacsRepo.UpdateEchoStatus(ctx, id, status); err != nil {
		log.Warn().Err(err).Str("pacs_id", id.String()).Msg("Failed to record echo status")
	}

	entry := &models.AuditLog{
		OperatorID:   actor.OperatorID,
		PACSID:       id,
		Action:       models.AuditActionEcho,
		ResourceType: "pacs",
		ResourceUID:  config.AETitle,
		IPAddress:    actor.IPAddress,
		Status:       models.AuditStatusSuccess,
		Duration:     status.ResponseTime,
	}
	if !status.IsConnected {
		entry.Status = models.AuditStatusFailure
		entry.ErrorMessage = status.ErrorMessage
	}
	s.audit(ctx, entry)
	return status, nil
}

// TestConnection sends C-ECHO to an archive that is not saved.
func (s *PACSService) TestConnection(ctx context.Context, req *models.PACSConfigRequest) (*models.ConnectionStatus, error) {
	if err := validatePACSRequest(req); err != nil {
		return nil, err
	}
	return s.echo(ctx, models.RemoteEndpoint{
		AETitle: req.AETitle,
		Host:    req.Host,
		Port:    req.Port,
		Secure:  req.Secure,
	}), nil
}

func (s *PACSService) echo(ctx context.Context, remote models.RemoteEndpoint) *models.ConnectionStatus {
	start := time.Now()
	err := engine.Verify(ctx, s.engineOptions(remote))
	status := &models.ConnectionStatus{
		IsConnected:  err == nil,
		LastChecked:  time.Now().UTC(),
		ResponseTime: time.Since(start).Milliseconds(),
	}
	if err != nil {
		status.ErrorMessage = err.Error()
		log.Warn().Err(err).Str("remote", remote.String()).Msg("Connection test failed")
	}
	return status
}

func (s *PACSService) audit(ctx context.Context, entry *models.AuditLog) {
	if err := s.auditRepo.Create(context.WithoutCancel(ctx), entry); err != nil {
		log.Error().Err(err).Str("action", entry.Action).Msg("Failed to write audit log")
	}
}
