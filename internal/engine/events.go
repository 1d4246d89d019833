package engine

import (
	"github.com/otcheredev/ris-dicom-qr/internal/models"
	"github.com/otcheredev/ris-dicom-qr/pkg/dimse"
)

// FindEvent is one match delivered by a C-FIND. Exactly one of Study and
// Series is set, according to Level.
type FindEvent struct {
	Level  string
	Study  *models.StudyResult
	Series *models.SeriesResult
}

// FindHandler receives each match as it is accumulated.
type FindHandler interface {
	OnFindResult(event FindEvent)
}

// MoveHandler receives C-MOVE progress for the target being retrieved.
type MoveHandler interface {
	OnMoveProgress(target models.RetrieveTarget, progress dimse.MoveProgress)
}

// StoredFile describes one object written by the store receiver.
type StoredFile struct {
	Target            models.RetrieveTarget
	Path              string
	Directory         string
	SOPClassUID       string
	SOPInstanceUID    string
	StudyInstanceUID  string
	SeriesInstanceUID string
	Size              int64
	CallingAETitle    string
}

// StoreHandler is called after an incoming object is in place on disk.
type StoreHandler interface {
	OnStoreReceived(file StoredFile)
}

// RetrieveHandler is called once when the retrieve loop stops.
type RetrieveHandler interface {
	OnRetrieveComplete(summary RetrieveSummary)
}

// NopHandler ignores every event.
type NopHandler struct{}

func (NopHandler) OnFindResult(FindEvent)                                  {}
func (NopHandler) OnMoveProgress(models.RetrieveTarget, dimse.MoveProgress) {}
func (NopHandler) OnStoreReceived(StoredFile)                              {}
func (NopHandler) OnRetrieveComplete(RetrieveSummary)                      {}

// Handlers groups the event handlers of an engine. Nil members are replaced
// by NopHandler.
type Handlers struct {
	Find     FindHandler
	Move     MoveHandler
	Store    StoreHandler
	Retrieve RetrieveHandler
}

func (h Handlers) withDefaults() Handlers {
	if h.Find == nil {
		h.Find = NopHandler{}
	}
	if h.Move == nil {
		h.Move = NopHandler{}
	}
	if h.Store == nil {
		h.Store = NopHandler{}
	}
	if h.Retrieve == nil {
		h.Retrieve = NopHandler{}
	}
	return h
}
