package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcheredev/ris-dicom-qr/internal/cache"
	"github.com/otcheredev/ris-dicom-qr/internal/engine"
	"github.com/otcheredev/ris-dicom-qr/internal/models"
	"github.com/otcheredev/ris-dicom-qr/internal/repository"
	"github.com/otcheredev/ris-dicom-qr/internal/services"
	"github.com/otcheredev/ris-dicom-qr/internal/storage"
)

type pacsStore struct {
	mu      sync.Mutex
	configs map[uuid.UUID]models.PACSConfig
}

func (s *pacsStore) Create(ctx context.Context, c *models.PACSConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	c.ID = uuid.New()
	s.configs[c.ID] = *c
	return nil
}

func (s *pacsStore) GetByID(ctx context.Context, id uuid.UUID) (*models.PACSConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.configs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &c, nil
}

func (s *pacsStore) List(ctx context.Context) ([]models.PACSConfig, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.PACSConfig
	for _, c := range s.configs {
		out = append(out, c)
	}
	return out, nil
}

func (s *pacsStore) GetPrimary(ctx context.Context) (*models.PACSConfig, error) {
	return nil, repository.ErrNotFound
}

func (s *pacsStore) Update(ctx context.Context, c *models.PACSConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[c.ID] = *c
	return nil
}

func (s *pacsStore) Delete(ctx context.Context, id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.configs, id)
	return nil
}

func (s *pacsStore) SetPrimary(ctx context.Context, id uuid.UUID) error { return nil }

func (s *pacsStore) UpdateEchoStatus(ctx context.Context, id uuid.UUID, status *models.ConnectionStatus) error {
	return nil
}

type auditStore struct {
	mu   sync.Mutex
	rows []models.AuditLog
}

func (s *auditStore) Create(ctx context.Context, l *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = append(s.rows, *l)
	return nil
}

func (s *auditStore) ListByPACS(ctx context.Context, id uuid.UUID, limit, offset int) ([]models.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []models.AuditLog
	for _, r := range s.rows {
		if r.PACSID == id {
			out = append(out, r)
		}
	}
	return out, nil
}

func unusedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

type api struct {
	handler http.Handler
	audit   *auditStore
	dbErr   error
}

func newAPI(t *testing.T) *api {
	t.Helper()
	c := cache.NewMemoryCache()
	t.Cleanup(func() { c.Close() })
	nop := zerolog.Nop()

	a := &api{audit: &auditStore{}}
	svc := services.NewPACSService(&pacsStore{configs: map[uuid.UUID]models.PACSConfig{}}, a.audit,
		storage.NewLayout(t.TempDir(), c), services.Options{
			Engine: engine.Options{
				Local:          models.LocalIdentity{AETitle: "RIS_QR", Port: unusedPort(t)},
				ConnectTimeout: time.Second,
				ACSETimeout:    time.Second,
				DIMSETimeout:   time.Second,
				PollInterval:   10 * time.Millisecond,
				Logger:         &nop,
			},
		})
	t.Cleanup(func() { svc.Close() })

	health := &HealthHandler{ping: func(ctx context.Context) error { return a.dbErr }}
	a.handler = NewRouter(RouterConfig{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST"},
		Metrics:        true,
	}, health, NewManagementHandler(svc), NewQRHandler(svc))
	return a
}

func (a *api) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	return rec
}

func (a *api) createPACS(t *testing.T) models.PACSConfig {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/v1/pacs", models.PACSConfigRequest{
		Name:    "Main archive",
		Host:    "127.0.0.1",
		Port:    unusedPort(t),
		AETitle: "ARCHIVE",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var config models.PACSConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &config))
	return config
}

func TestHealth(t *testing.T) {
	a := newAPI(t)
	rec := a.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"database":"healthy"`)

	a.dbErr = errors.New("connection refused")
	rec = a.do(t, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	rec = a.do(t, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	a := newAPI(t)
	rec := a.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPACSLifecycle(t *testing.T) {
	a := newAPI(t)
	config := a.createPACS(t)

	rec := a.do(t, http.MethodGet, "/api/v1/pacs/"+config.ID.String(), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/v1/pacs", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var configs []models.PACSConfig
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &configs))
	assert.Len(t, configs, 1)

	rec = a.do(t, http.MethodGet, "/api/v1/pacs/"+uuid.NewString(), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/v1/pacs/not-a-uuid", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/v1/pacs", models.PACSConfigRequest{Name: "x"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodDelete, "/api/v1/pacs/"+config.ID.String(), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestEchoUnreachableArchive(t *testing.T) {
	a := newAPI(t)
	config := a.createPACS(t)
	operator := uuid.New()

	rec := a.do(t, http.MethodPost, "/api/v1/pacs/"+config.ID.String()+"/echo", nil, "X-Operator-ID", operator.String())
	require.Equal(t, http.StatusOK, rec.Code)
	var status models.ConnectionStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.False(t, status.IsConnected)

	rec = a.do(t, http.MethodGet, "/api/v1/pacs/"+config.ID.String()+"/audit", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var logs []models.AuditLog
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	require.Len(t, logs, 1)
	assert.Equal(t, &operator, logs[0].OperatorID)

	rec = a.do(t, http.MethodPost, "/api/v1/pacs/"+config.ID.String()+"/echo", nil, "X-Operator-ID", "bogus")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFindUnreachableArchive(t *testing.T) {
	a := newAPI(t)
	config := a.createPACS(t)

	rec := a.do(t, http.MethodPost, "/api/v1/pacs/"+config.ID.String()+"/find", services.FindRequest{
		Criteria: map[string]string{"PatientID": "123*"},
	})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = a.do(t, http.MethodPost, "/api/v1/pacs/"+config.ID.String()+"/find", services.FindRequest{
		Criteria: map[string]string{"(0000,0100)": "1"},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = a.do(t, http.MethodGet, "/api/v1/pacs/"+config.ID.String()+"/studies", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, "[]", rec.Body.String())
}

func TestRetrieveQueueRoutes(t *testing.T) {
	a := newAPI(t)
	config := a.createPACS(t)
	base := "/api/v1/pacs/" + config.ID.String()

	rec := a.do(t, http.MethodPost, base+"/retrieve", services.RetrieveRequest{
		Targets: []services.TargetRequest{{StudyUID: "1.2.3", SeriesUID: "1.2.3.1"}, {StudyUID: "1.2.3", SeriesUID: "1.2.3.2"}},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	rec = a.do(t, http.MethodGet, base+"/retrieve/status", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var status services.RetrieveStatus
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))
	assert.Equal(t, 2, status.QueueLength)
	assert.False(t, status.Running)
	assert.Equal(t, engine.StateIdle, status.State)

	rec = a.do(t, http.MethodPost, base+"/retrieve/cancel?scope=sideways", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = a.do(t, http.MethodPost, base+"/retrieve/cancel?scope=current", nil)
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = a.do(t, http.MethodDelete, base+"/retrieve/queue", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"removed":2}`, rec.Body.String())

	rec = a.do(t, http.MethodPost, base+"/retrieve", services.RetrieveRequest{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
