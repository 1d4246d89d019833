// Package notify publishes retrieve completion notifications.
package notify

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RetrieveCompleted is sent once per retrieve run.
type RetrieveCompleted struct {
	ID          uuid.UUID `json:"id"`
	PACSID      uuid.UUID `json:"pacs_id"`
	AETitle     string    `json:"ae_title"`
	Directories []string  `json:"directories"`
	Targets     int       `json:"targets"`
	Files       int       `json:"files"`
	Imported    int       `json:"imported"`
	Cancelled   bool      `json:"cancelled"`
	Queued      int       `json:"queued"`
	CompletedAt time.Time `json:"completed_at"`
}

// Notifier delivers completion notifications to downstream consumers.
type Notifier interface {
	Notify(ctx context.Context, n RetrieveCompleted) error
	Close() error
}

// LogNotifier writes notifications to a zerolog logger.
type LogNotifier struct {
	log zerolog.Logger
}

// NewLogNotifier creates a notifier that only logs.
func NewLogNotifier(log zerolog.Logger) *LogNotifier {
	return &LogNotifier{log: log}
}

// Notify logs n.
func (l *LogNotifier) Notify(ctx context.Context, n RetrieveCompleted) error {
	l.log.Info().
		Str("notification_id", n.ID.String()).
		Str("pacs_id", n.PACSID.String()).
		Str("ae_title", n.AETitle).
		Strs("directories", n.Directories).
		Int("targets", n.Targets).
		Int("files", n.Files).
		Int("imported", n.Imported).
		Bool("cancelled", n.Cancelled).
		Int("queued", n.Queued).
		Msg("Retrieve completed")
	return nil
}

// Close is a no-op.
func (l *LogNotifier) Close() error {
	return nil
}
