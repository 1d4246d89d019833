package handlers

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/otcheredev/ris-dicom-qr/internal/middleware"
	"github.com/otcheredev/ris-dicom-qr/internal/repository"
	"github.com/otcheredev/ris-dicom-qr/internal/services"
	"github.com/otcheredev/ris-dicom-qr/pkg/dimse"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

// writeError maps service and protocol errors onto HTTP statuses.
func writeError(w http.ResponseWriter, err error, msg string) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, services.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, repository.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, services.ErrReceiverBusy):
		status = http.StatusConflict
	case errors.Is(err, dimse.ErrConnectFailed),
		errors.Is(err, dimse.ErrAssociationRejected),
		errors.Is(err, dimse.ErrContextNotAccepted),
		errors.Is(err, dimse.ErrDimseFailure):
		status = http.StatusBadGateway
	case errors.Is(err, dimse.ErrDimseTimeout):
		status = http.StatusGatewayTimeout
	}
	if status >= 500 {
		log.Error().Err(err).Msg(msg)
	}
	writeJSON(w, status, errorResponse{Error: msg + ": " + err.Error()})
}

func pacsID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid PACS ID"})
		return uuid.Nil, false
	}
	return id, true
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body"})
		return false
	}
	return true
}

func actor(r *http.Request) services.Actor {
	a := services.Actor{IPAddress: r.RemoteAddr}
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		a.IPAddress = host
	}
	if id, ok := middleware.GetOperatorID(r.Context()); ok {
		a.OperatorID = &id
	}
	return a
}
