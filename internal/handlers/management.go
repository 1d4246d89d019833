package handlers

import (
	"net/http"
	"strconv"

	"github.com/otcheredev/ris-dicom-qr/internal/models"
	"github.com/otcheredev/ris-dicom-qr/internal/services"
)

type ManagementHandler struct {
	pacsService *services.PACSService
}

func NewManagementHandler(pacsService *services.PACSService) *ManagementHandler {
	return &ManagementHandler{
		pacsService: pacsService,
	}
}

// CreatePACSConfig creates a new PACS configuration
func (h *ManagementHandler) CreatePACSConfig(w http.ResponseWriter, r *http.Request) {
	var req models.PACSConfigRequest
	if !decode(w, r, &req) {
		return
	}

	config, err := h.pacsService.CreatePACSConfig(r.Context(), &req)
	if err != nil {
		writeError(w, err, "Failed to create PACS config")
		return
	}
	writeJSON(w, http.StatusCreated, config)
}

// UpdatePACSConfig replaces a PACS configuration
func (h *ManagementHandler) UpdatePACSConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pacsID(w, r)
	if !ok {
		return
	}
	var req models.PACSConfigRequest
	if !decode(w, r, &req) {
		return
	}

	config, err := h.pacsService.UpdatePACSConfig(r.Context(), id, &req)
	if err != nil {
		writeError(w, err, "Failed to update PACS config")
		return
	}
	writeJSON(w, http.StatusOK, config)
}

// DeletePACSConfig removes a PACS configuration
func (h *ManagementHandler) DeletePACSConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pacsID(w, r)
	if !ok {
		return
	}
	if err := h.pacsService.DeletePACSConfig(r.Context(), id); err != nil {
		writeError(w, err, "Failed to delete PACS config")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// TestConnection sends C-ECHO to an unsaved archive
func (h *ManagementHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	var req models.PACSConfigRequest
	if !decode(w, r, &req) {
		return
	}

	// A failed echo is still a 200 with is_connected false.
	status, err := h.pacsService.TestConnection(r.Context(), &req)
	if err != nil {
		writeError(w, err, "Connection test failed")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Echo sends C-ECHO to a saved archive
func (h *ManagementHandler) Echo(w http.ResponseWriter, r *http.Request) {
	id, ok := pacsID(w, r)
	if !ok {
		return
	}
	status, err := h.pacsService.Echo(r.Context(), id, actor(r))
	if err != nil {
		writeError(w, err, "Failed to echo PACS")
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// GetPACSConfigs retrieves all PACS configurations
func (h *ManagementHandler) GetPACSConfigs(w http.ResponseWriter, r *http.Request) {
	configs, err := h.pacsService.GetPACSConfigs(r.Context())
	if err != nil {
		writeError(w, err, "Failed to get PACS configs")
		return
	}
	if configs == nil {
		configs = []models.PACSConfig{}
	}
	writeJSON(w, http.StatusOK, configs)
}

// GetPACSConfig retrieves a specific PACS configuration
func (h *ManagementHandler) GetPACSConfig(w http.ResponseWriter, r *http.Request) {
	id, ok := pacsID(w, r)
	if !ok {
		return
	}

	config, err := h.pacsService.GetPACSConfig(r.Context(), id)
	if err != nil {
		writeError(w, err, "Failed to get PACS config")
		return
	}
	writeJSON(w, http.StatusOK, config)
}

// GetAuditLogs lists the audit rows of an archive
func (h *ManagementHandler) GetAuditLogs(w http.ResponseWriter, r *http.Request) {
	id, ok := pacsID(w, r)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	if limit <= 0 {
		limit = 100
	}

	logs, err := h.pacsService.AuditLogs(r.Context(), id, limit, offset)
	if err != nil {
		writeError(w, err, "Failed to get audit logs")
		return
	}
	if logs == nil {
		logs = []models.AuditLog{}
	}
	writeJSON(w, http.StatusOK, logs)
}
