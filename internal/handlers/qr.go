package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/otcheredev/ris-dicom-qr/internal/models"
	"github.com/otcheredev/ris-dicom-qr/internal/services"
)

// QRHandler exposes query and retrieve against saved archives.
type QRHandler struct {
	pacsService *services.PACSService
}

func NewQRHandler(pacsService *services.PACSService) *QRHandler {
	return &QRHandler{pacsService: pacsService}
}

// Routes mounts the handlers below /pacs/{id}.
func (h *QRHandler) Routes(r chi.Router) {
	r.Post("/find", h.Find)
	r.Post("/find/cancel", h.CancelFind)
	r.Get("/studies", h.Studies)
	r.Get("/studies/{studyUID}/series", h.Series)
	r.Delete("/results", h.ClearResults)

	r.Post("/retrieve", h.Retrieve)
	r.Post("/retrieve/start", h.StartRetrieve)
	r.Post("/retrieve/cancel", h.CancelRetrieve)
	r.Get("/retrieve/status", h.RetrieveStatus)
	r.Delete("/retrieve/queue", h.ClearQueue)
}

// Find runs a C-FIND
func (h *QRHandler) Find(w http.ResponseWriter, r *http.Request) {
	id, ok := pacsID(w, r)
	if !ok {
		return
	}
	var req services.FindRequest
	if !decode(w, r, &req) {
		return
	}

	outcome, err := h.pacsService.Find(r.Context(), id, req, actor(r))
	if err != nil {
		writeError(w, err, "Find failed")
		return
	}
	writeJSON(w, http.StatusOK, outcome)
}

// CancelFind cancels the running C-FIND
func (h *QRHandler) CancelFind(w http.ResponseWriter, r *http.Request) {
	id, ok := pacsID(w, r)
	if !ok {
		return
	}
	h.pacsService.CancelFind(id)
	w.WriteHeader(http.StatusAccepted)
}

// Studies returns the accumulated study matches
func (h *QRHandler) Studies(w http.ResponseWriter, r *http.Request) {
	id, ok := pacsID(w, r)
	if !ok {
		return
	}
	studies, err := h.pacsService.Studies(r.Context(), id)
	if err != nil {
		writeError(w, err, "Failed to get studies")
		return
	}
	if studies == nil {
		studies = []models.StudyResult{}
	}
	writeJSON(w, http.StatusOK, studies)
}

// Series returns the accumulated series matches of a study
func (h *QRHandler) Series(w http.ResponseWriter, r *http.Request) {
	id, ok := pacsID(w, r)
	if !ok {
		return
	}
	series, err := h.pacsService.Series(r.Context(), id, chi.URLParam(r, "studyUID"))
	if err != nil {
		writeError(w, err, "Failed to get series")
		return
	}
	if series == nil {
		series = []models.SeriesResult{}
	}
	writeJSON(w, http.StatusOK, series)
}

// ClearResults drops the accumulated matches
func (h *QRHandler) ClearResults(w http.ResponseWriter, r *http.Request) {
	id, ok := pacsID(w, r)
	if !ok {
		return
	}
	if err := h.pacsService.ClearResults(r.Context(), id); err != nil {
		writeError(w, err, "Failed to clear results")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Retrieve queues targets and optionally starts the loop
func (h *QRHandler) Retrieve(w http.ResponseWriter, r *http.Request) {
	id, ok := pacsID(w, r)
	if !ok {
		return
	}
	var req services.RetrieveRequest
	if !decode(w, r, &req) {
		return
	}

	resp, err := h.pacsService.Enqueue(r.Context(), id, req, actor(r))
	if err != nil {
		writeError(w, err, "Failed to queue retrieve")
		return
	}
	writeJSON(w, http.StatusAccepted, resp)
}

type startResponse struct {
	Started bool `json:"started"`
}

// StartRetrieve starts the retrieve loop
func (h *QRHandler) StartRetrieve(w http.ResponseWriter, r *http.Request) {
	id, ok := pacsID(w, r)
	if !ok {
		return
	}
	started, err := h.pacsService.StartRetrieve(r.Context(), id, actor(r))
	if err != nil {
		writeError(w, err, "Failed to start retrieve")
		return
	}
	writeJSON(w, http.StatusAccepted, startResponse{Started: started})
}

// CancelRetrieve cancels the current target (?scope=current) or the run
func (h *QRHandler) CancelRetrieve(w http.ResponseWriter, r *http.Request) {
	id, ok := pacsID(w, r)
	if !ok {
		return
	}
	if err := h.pacsService.CancelRetrieve(id, r.URL.Query().Get("scope")); err != nil {
		writeError(w, err, "Failed to cancel retrieve")
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// RetrieveStatus reports the retrieve engine state
func (h *QRHandler) RetrieveStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pacsID(w, r)
	if !ok {
		return
	}
	status, err := h.pacsService.RetrieveStatus(r.Context(), id)
	if err != nil {
		writeError(w, err, "Failed to get retrieve status")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type clearQueueResponse struct {
	Removed int `json:"removed"`
}

// ClearQueue drops queued targets
func (h *QRHandler) ClearQueue(w http.ResponseWriter, r *http.Request) {
	id, ok := pacsID(w, r)
	if !ok {
		return
	}
	n, err := h.pacsService.ClearQueue(r.Context(), id)
	if err != nil {
		writeError(w, err, "Failed to clear queue")
		return
	}
	writeJSON(w, http.StatusOK, clearQueueResponse{Removed: n})
}
