package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/ris-dicom-qr/internal/engine"
	"github.com/otcheredev/ris-dicom-qr/internal/models"
	"github.com/otcheredev/ris-dicom-qr/internal/notify"
	"github.com/otcheredev/ris-dicom-qr/pkg/dimse"
)

const completionTimeout = 10 * time.Minute

// completion runs after a retrieve loop stops: it imports the touched
// directories, publishes a notification and writes the audit rows.
type completion struct {
	svc     *PACSService
	session *session
}

func (c *completion) OnRetrieveComplete(summary engine.RetrieveSummary) {
	ctx, cancel := context.WithTimeout(context.Background(), completionTimeout)
	defer cancel()

	pacs := c.session.pacs
	actor, startedAt := c.session.started()
	logger := log.With().Str("pacs", pacs.Name).Logger()

	imported := c.importDirectories(ctx, summary, actor)

	n := notify.RetrieveCompleted{
		ID:          uuid.New(),
		PACSID:      pacs.ID,
		AETitle:     pacs.AETitle,
		Directories: summary.Directories,
		Targets:     len(summary.Outcomes),
		Files:       summary.Files,
		Imported:    imported,
		Cancelled:   summary.Cancelled,
		Queued:      summary.Queued,
		CompletedAt: time.Now().UTC(),
	}
	if n.Directories == nil {
		n.Directories = []string{}
	}
	if err := c.svc.opts.Notifier.Notify(ctx, n); err != nil {
		logger.Error().Err(err).Msg("Failed to publish retrieve notification")
		c.session.status.ReportError("Notification failed", err.Error())
	}

	entry := &models.AuditLog{
		OperatorID:   actor.OperatorID,
		PACSID:       pacs.ID,
		Action:       models.AuditActionRetrieve,
		ResourceType: "study",
		IPAddress:    actor.IPAddress,
		ResultCount:  summary.Files,
	}
	if !startedAt.IsZero() {
		entry.Duration = time.Since(startedAt).Milliseconds()
	}
	if len(summary.Outcomes) > 0 {
		first := summary.Outcomes[0].Target
		entry.ResourceUID = first.StudyInstanceUID
		if first.Level == dimse.LevelSeries {
			entry.ResourceType = "series"
			entry.ResourceUID = first.SeriesInstanceUID
		}
	}
	entry.Status, entry.ErrorMessage = retrieveAuditStatus(summary)
	c.svc.audit(ctx, entry)
}

func (c *completion) importDirectories(ctx context.Context, summary engine.RetrieveSummary, actor Actor) int {
	imp := c.svc.opts.Importer
	if imp == nil || len(summary.Directories) == 0 {
		return 0
	}

	pacs := c.session.pacs
	start := time.Now()
	total := 0
	var failures []string
	for _, dir := range summary.Directories {
		n, err := imp.ImportDirectory(ctx, dir, c.svc.opts.ImportOptions)
		total += n
		if err != nil {
			log.Error().Err(err).Str("directory", dir).Msg("Import failed")
			c.session.status.ReportError("Import failed", fmt.Sprintf("%s: %v", dir, err))
			failures = append(failures, fmt.Sprintf("%s: %v", dir, err))
		}
	}

	entry := &models.AuditLog{
		OperatorID:   actor.OperatorID,
		PACSID:       pacs.ID,
		Action:       models.AuditActionImport,
		ResourceType: "directory",
		IPAddress:    actor.IPAddress,
		Status:       models.AuditStatusSuccess,
		ResultCount:  total,
		Duration:     time.Since(start).Milliseconds(),
	}
	if len(failures) > 0 {
		entry.Status = models.AuditStatusFailure
		if len(failures) < len(summary.Directories) {
			entry.Status = models.AuditStatusWarning
		}
		entry.ErrorMessage = fmt.Sprintf("%d of %d directories failed, first: %s",
			len(failures), len(summary.Directories), failures[0])
	}
	c.svc.audit(ctx, entry)
	return total
}

// retrieveAuditStatus folds the per-target outcomes into one audit status.
func retrieveAuditStatus(summary engine.RetrieveSummary) (string, string) {
	if summary.Cancelled {
		return models.AuditStatusCancelled, ""
	}
	failed := 0
	var firstErr string
	for _, o := range summary.Outcomes {
		if o.State == engine.StateFailed {
			failed++
			if firstErr == "" {
				firstErr = o.Error
			}
		}
	}
	switch {
	case failed == 0:
		return models.AuditStatusSuccess, ""
	case failed == len(summary.Outcomes):
		return models.AuditStatusFailure, firstErr
	default:
		return models.AuditStatusWarning, fmt.Sprintf("%d of %d targets failed: %s", failed, len(summary.Outcomes), firstErr)
	}
}
