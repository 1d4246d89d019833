package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/ris-dicom-qr/internal/engine"
	"github.com/otcheredev/ris-dicom-qr/internal/models"
	"github.com/otcheredev/ris-dicom-qr/pkg/dimse"
)

// ErrReceiverBusy is returned when another archive's retrieve is using the
// local store port.
var ErrReceiverBusy = errors.New("store receiver is busy with another archive")

// TargetRequest selects a study, or one series when SeriesUID is set.
type TargetRequest struct {
	StudyUID  string `json:"study_uid"`
	SeriesUID string `json:"series_uid,omitempty"`
}

// RetrieveRequest queues targets and optionally starts the retrieve loop.
type RetrieveRequest struct {
	Targets []TargetRequest `json:"targets"`
	Start   bool            `json:"start"`
}

// RetrieveResponse lists the queued targets.
type RetrieveResponse struct {
	Queued  []models.RetrieveTarget `json:"queued"`
	Started bool                    `json:"started"`
}

// RetrieveStatus is a snapshot of an archive's retrieve engine.
type RetrieveStatus struct {
	Status      engine.Status           `json:"status"`
	State       engine.State            `json:"state"`
	Running     bool                    `json:"running"`
	QueueLength int                     `json:"queue_length"`
	Queue       []models.RetrieveTarget `json:"queue"`
	Directories []string                `json:"directories"`
}

// Cancel scopes.
const (
	CancelCurrent = "current"
	CancelAll     = "all"
)

// Enqueue queues retrieve targets for an archive. Targets that match
// accumulated find results carry their attributes.
func (s *PACSService) Enqueue(ctx context.Context, id uuid.UUID, req RetrieveRequest, actor Actor) (*RetrieveResponse, error) {
	if len(req.Targets) == 0 {
		return nil, fmt.Errorf("%w: no targets", ErrInvalidRequest)
	}
	sess, err := s.session(ctx, id)
	if err != nil {
		return nil, err
	}

	targets := make([]models.RetrieveTarget, 0, len(req.Targets))
	for _, tr := range req.Targets {
		targets = append(targets, s.target(sess, tr))
	}
	// Validate everything before queueing anything.
	for _, t := range targets {
		if err := t.Validate(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
	}

	resp := &RetrieveResponse{Queued: make([]models.RetrieveTarget, 0, len(targets))}
	for _, t := range targets {
		queued, err := sess.retrieve.Enqueue(t)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		resp.Queued = append(resp.Queued, queued)
	}

	if req.Start {
		resp.Started, err = s.start(sess, actor)
		if err != nil {
			return resp, err
		}
	}
	return resp, nil
}

func (s *PACSService) target(sess *session, tr TargetRequest) models.RetrieveTarget {
	if tr.SeriesUID != "" {
		for _, series := range sess.query.Series(tr.StudyUID) {
			if series.SeriesInstanceUID == tr.SeriesUID {
				return models.SeriesTarget(series)
			}
		}
		return models.RetrieveTarget{
			Level:             dimse.LevelSeries,
			StudyInstanceUID:  tr.StudyUID,
			SeriesInstanceUID: tr.SeriesUID,
		}
	}
	if study, ok := sess.query.Study(tr.StudyUID); ok {
		return models.StudyTarget(study)
	}
	return models.RetrieveTarget{Level: dimse.LevelStudy, StudyInstanceUID: tr.StudyUID}
}

// StartRetrieve starts the retrieve loop of an archive. It returns false
// when the loop was already running.
func (s *PACSService) StartRetrieve(ctx context.Context, id uuid.UUID, actor Actor) (bool, error) {
	sess, err := s.session(ctx, id)
	if err != nil {
		return false, err
	}
	return s.start(sess, actor)
}

func (s *PACSService) start(sess *session, actor Actor) (bool, error) {
	s.startMu.Lock()
	defer s.startMu.Unlock()

	if sess.retrieve.Running() {
		return false, nil
	}
	for _, other := range s.sessions.all() {
		if other != sess && other.retrieve.Running() {
			return false, fmt.Errorf("%w: %s", ErrReceiverBusy, other.pacs.Name)
		}
	}
	sess.markStarted(actor)
	started := sess.retrieve.StartBackgroundRetrieve(s.ctx)
	if started {
		log.Info().
			Str("pacs", sess.pacs.Name).
			Int("queued", sess.retrieve.Queue().Len()).
			Msg("Retrieve started")
	}
	return started, nil
}

// CancelRetrieve cancels the target in flight, or the whole run when scope
// is CancelAll.
func (s *PACSService) CancelRetrieve(id uuid.UUID, scope string) error {
	sess, ok := s.sessions.lookup(id)
	if !ok {
		return nil
	}
	switch scope {
	case CancelCurrent:
		sess.retrieve.CancelCurrent()
	case "", CancelAll:
		sess.retrieve.CancelAll()
	default:
		return fmt.Errorf("%w: unknown cancel scope %q", ErrInvalidRequest, scope)
	}
	return nil
}

// ClearQueue drops the targets still waiting.
func (s *PACSService) ClearQueue(ctx context.Context, id uuid.UUID) (int, error) {
	sess, err := s.session(ctx, id)
	if err != nil {
		return 0, err
	}
	return sess.retrieve.Queue().Clear(), nil
}

// RetrieveStatus reports the state of an archive's retrieve engine.
func (s *PACSService) RetrieveStatus(ctx context.Context, id uuid.UUID) (*RetrieveStatus, error) {
	sess, err := s.session(ctx, id)
	if err != nil {
		return nil, err
	}
	queue := sess.retrieve.Queue().Snapshot()
	return &RetrieveStatus{
		Status:      sess.status.Latest(),
		State:       sess.retrieve.State(),
		Running:     sess.retrieve.Running(),
		QueueLength: len(queue),
		Queue:       queue,
		Directories: sess.retrieve.Directories(),
	}, nil
}

// WaitRetrieve blocks until the archive's current retrieve run, including
// its import and notification, has finished.
func (s *PACSService) WaitRetrieve(ctx context.Context, id uuid.UUID) error {
	sess, ok := s.sessions.lookup(id)
	if !ok {
		return nil
	}
	return sess.retrieve.Wait(ctx)
}

// progressLogger logs C-MOVE progress at debug level.
type progressLogger struct {
	pacs string
}

func (p progressLogger) OnMoveProgress(target models.RetrieveTarget, progress dimse.MoveProgress) {
	log.Debug().
		Str("pacs", p.pacs).
		Str("target", target.Describe()).
		Int("remaining", progress.Remaining).
		Int("completed", progress.Completed).
		Int("failed", progress.Failed).
		Int("warning", progress.Warning).
		Msg("C-MOVE progress")
}
