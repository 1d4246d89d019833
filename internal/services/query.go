package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/otcheredev/ris-dicom-qr/internal/engine"
	"github.com/otcheredev/ris-dicom-qr/internal/models"
)

// FindRequest is a C-FIND. Criteria are keyed by tag (GGGGEEEE or
// (GGGG,EEEE)) or dictionary keyword. A nil Limit uses the configured
// default; zero means unlimited.
type FindRequest struct {
	Criteria map[string]string `json:"criteria"`
	StudyUID string            `json:"study_uid,omitempty"`
	Limit    *uint             `json:"limit,omitempty"`
}

// Find queries an archive. Matches accumulate in the archive's session
// until ClearResults.
func (s *PACSService) Find(ctx context.Context, id uuid.UUID, req FindRequest, actor Actor) (*engine.FindOutcome, error) {
	query, err := models.ParseQuery(req.Criteria)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	sess, err := s.session(ctx, id)
	if err != nil {
		return nil, err
	}
	limit := s.opts.ResultLimit
	if req.Limit != nil {
		limit = *req.Limit
	}

	start := time.Now()
	outcome, err := sess.query.Find(ctx, query, req.StudyUID, limit)

	entry := &models.AuditLog{
		OperatorID:   actor.OperatorID,
		PACSID:       id,
		Action:       models.AuditActionFind,
		ResourceType: "study",
		ResourceUID:  req.StudyUID,
		IPAddress:    actor.IPAddress,
		Duration:     time.Since(start).Milliseconds(),
	}
	if req.StudyUID != "" {
		entry.ResourceType = "series"
	}
	switch {
	case err != nil:
		entry.Status = models.AuditStatusFailure
		entry.ErrorMessage = err.Error()
	case outcome.Cancelled:
		entry.Status = models.AuditStatusCancelled
		entry.ResultCount = outcome.Count
	case outcome.Warning != "":
		entry.Status = models.AuditStatusWarning
		entry.ErrorMessage = outcome.Warning
		entry.ResultCount = outcome.Count
	default:
		entry.Status = models.AuditStatusSuccess
		entry.ResultCount = outcome.Count
	}
	s.audit(ctx, entry)

	if err != nil {
		if errors.Is(err, engine.ErrInvalidCriteria) {
			return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
		}
		sess.status.ReportError("Find failed", err.Error())
		return nil, err
	}
	return outcome, nil
}

// CancelFind stops the running find of an archive, if any.
func (s *PACSService) CancelFind(id uuid.UUID) bool {
	sess, ok := s.sessions.lookup(id)
	if !ok {
		return false
	}
	sess.query.Cancel()
	return true
}

// Studies returns the accumulated study matches of an archive.
func (s *PACSService) Studies(ctx context.Context, id uuid.UUID) ([]models.StudyResult, error) {
	sess, err := s.session(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess.query.Studies(), nil
}

// Series returns the accumulated series matches of one study.
func (s *PACSService) Series(ctx context.Context, id uuid.UUID, studyUID string) ([]models.SeriesResult, error) {
	sess, err := s.session(ctx, id)
	if err != nil {
		return nil, err
	}
	return sess.query.Series(studyUID), nil
}

// ClearResults drops the accumulated matches of an archive.
func (s *PACSService) ClearResults(ctx context.Context, id uuid.UUID) error {
	sess, err := s.session(ctx, id)
	if err != nil {
		return err
	}
	sess.query.ClearResults()
	return nil
}
