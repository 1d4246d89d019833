package services

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/otcheredev/ris-dicom-qr/internal/cache"
	"github.com/otcheredev/ris-dicom-qr/internal/engine"
	"github.com/otcheredev/ris-dicom-qr/internal/importer"
	"github.com/otcheredev/ris-dicom-qr/internal/models"
	"github.com/otcheredev/ris-dicom-qr/internal/notify"
	"github.com/otcheredev/ris-dicom-qr/internal/repository"
	"github.com/otcheredev/ris-dicom-qr/internal/storage"
	"github.com/otcheredev/ris-dicom-qr/pkg/dimse"
)

type memPACSStore struct {
	mu      sync.Mutex
	configs map[uuid.UUID]*models.PACSConfig
	echoes  map[uuid.UUID]models.ConnectionStatus
}

func newMemPACSStore() *memPACSStore {
	return &memPACSStore{
		configs: make(map[uuid.UUID]*models.PACSConfig),
		echoes:  make(map[uuid.UUID]models.ConnectionStatus),
	}
}

func (m *memPACSStore) Create(ctx context.Context, config *models.PACSConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if config.ID == uuid.Nil {
		config.ID = uuid.New()
	}
	c := *config
	m.configs[c.ID] = &c
	return nil
}

func (m *memPACSStore) GetByID(ctx context.Context, id uuid.UUID) (*models.PACSConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.configs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := *c
	return &out, nil
}

func (m *memPACSStore) List(ctx context.Context) ([]models.PACSConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.PACSConfig
	for _, c := range m.configs {
		out = append(out, *c)
	}
	return out, nil
}

func (m *memPACSStore) GetPrimary(ctx context.Context) (*models.PACSConfig, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.configs {
		if c.IsPrimary {
			out := *c
			return &out, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (m *memPACSStore) Update(ctx context.Context, config *models.PACSConfig) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *config
	m.configs[c.ID] = &c
	return nil
}

func (m *memPACSStore) Delete(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.configs, id)
	return nil
}

func (m *memPACSStore) SetPrimary(ctx context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for cid, c := range m.configs {
		c.IsPrimary = cid == id
	}
	return nil
}

func (m *memPACSStore) UpdateEchoStatus(ctx context.Context, id uuid.UUID, status *models.ConnectionStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.echoes[id] = *status
	return nil
}

type memAuditStore struct {
	mu   sync.Mutex
	rows []models.AuditLog
}

func (m *memAuditStore) Create(ctx context.Context, log *models.AuditLog) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows = append(m.rows, *log)
	return nil
}

func (m *memAuditStore) ListByPACS(ctx context.Context, pacsID uuid.UUID, limit, offset int) ([]models.AuditLog, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.AuditLog
	for _, r := range m.rows {
		if r.PACSID == pacsID {
			out = append(out, r)
		}
	}
	return out, nil
}

func (m *memAuditStore) actions() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.rows))
	for i, r := range m.rows {
		out[i] = r.Action
	}
	return out
}

func (m *memAuditStore) last() models.AuditLog {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rows[len(m.rows)-1]
}

type recordingNotifier struct {
	mu   sync.Mutex
	sent []notify.RetrieveCompleted
	err  error
}

func (r *recordingNotifier) Notify(ctx context.Context, n notify.RetrieveCompleted) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, n)
	return r.err
}

func (r *recordingNotifier) Close() error { return nil }

func (r *recordingNotifier) notifications() []notify.RetrieveCompleted {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]notify.RetrieveCompleted(nil), r.sent...)
}

type fakeImporter struct {
	mu   sync.Mutex
	dirs []string
	fail map[string]bool
}

func (f *fakeImporter) ImportDirectory(ctx context.Context, dir string, opts importer.ImportOptions) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dirs = append(f.dirs, dir)
	if f.fail[dir] {
		return 0, errors.New("index unavailable")
	}
	return 2, nil
}

// closedPort returns a port with no listener.
func closedPort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

type fixture struct {
	svc      *PACSService
	pacs     *memPACSStore
	audit    *memAuditStore
	notifier *recordingNotifier
	importer *fakeImporter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	c := cache.NewMemoryCache()
	t.Cleanup(func() { c.Close() })

	nop := zerolog.Nop()
	f := &fixture{
		pacs:     newMemPACSStore(),
		audit:    &memAuditStore{},
		notifier: &recordingNotifier{},
		importer: &fakeImporter{fail: map[string]bool{}},
	}
	f.svc = NewPACSService(f.pacs, f.audit, storage.NewLayout(t.TempDir(), c), Options{
		Engine: engine.Options{
			Local:          models.LocalIdentity{AETitle: "RIS_QR", Port: closedPort(t)},
			ConnectTimeout: time.Second,
			ACSETimeout:    time.Second,
			DIMSETimeout:   time.Second,
			PollInterval:   10 * time.Millisecond,
			CancelGrace:    200 * time.Millisecond,
			Logger:         &nop,
		},
		ResultLimit: 100,
		Importer:    f.importer,
		Notifier:    f.notifier,
	})
	t.Cleanup(func() { f.svc.Close() })
	return f
}

func (f *fixture) createPACS(t *testing.T) *models.PACSConfig {
	t.Helper()
	config, err := f.svc.CreatePACSConfig(context.Background(), &models.PACSConfigRequest{
		Name:    "Main archive",
		Host:    "127.0.0.1",
		Port:    closedPort(t),
		AETitle: "ARCHIVE",
	})
	require.NoError(t, err)
	return config
}

func TestCreatePACSConfigValidates(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.CreatePACSConfig(context.Background(), &models.PACSConfigRequest{
		Name:    "bad",
		Host:    "pacs.local",
		Port:    0,
		AETitle: "AN_AE_TITLE_TOO_LONG",
	})
	require.ErrorIs(t, err, ErrInvalidRequest)
	assert.Contains(t, err.Error(), "invalid port 0")
	assert.Contains(t, err.Error(), "ae_title")

	config := f.createPACS(t)
	assert.True(t, config.IsActive)
	stored, err := f.svc.GetPACSConfig(context.Background(), config.ID)
	require.NoError(t, err)
	assert.Equal(t, "ARCHIVE", stored.AETitle)
}

func TestEchoFailureIsRecorded(t *testing.T) {
	f := newFixture(t)
	config := f.createPACS(t)
	operator := uuid.New()

	status, err := f.svc.Echo(context.Background(), config.ID, Actor{OperatorID: &operator, IPAddress: "10.0.0.1"})
	require.NoError(t, err)
	assert.False(t, status.IsConnected)
	assert.NotEmpty(t, status.ErrorMessage)

	assert.False(t, f.pacs.echoes[config.ID].IsConnected)
	row := f.audit.last()
	assert.Equal(t, models.AuditActionEcho, row.Action)
	assert.Equal(t, models.AuditStatusFailure, row.Status)
	assert.Equal(t, &operator, row.OperatorID)
	assert.Equal(t, "10.0.0.1", row.IPAddress)
}

func TestFindRejectsUnknownCriteria(t *testing.T) {
	f := newFixture(t)
	config := f.createPACS(t)

	_, err := f.svc.Find(context.Background(), config.ID, FindRequest{Criteria: map[string]string{"NotAKeyword": "x"}}, Actor{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.svc.Find(context.Background(), config.ID, FindRequest{Criteria: map[string]string{"CommandField": "1"}}, Actor{})
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestFindConnectFailure(t *testing.T) {
	f := newFixture(t)
	config := f.createPACS(t)

	_, err := f.svc.Find(context.Background(), config.ID, FindRequest{Criteria: map[string]string{"PatientID": "123*"}}, Actor{})
	require.ErrorIs(t, err, dimse.ErrConnectFailed)

	row := f.audit.last()
	assert.Equal(t, models.AuditActionFind, row.Action)
	assert.Equal(t, models.AuditStatusFailure, row.Status)

	status, err := f.svc.RetrieveStatus(context.Background(), config.ID)
	require.NoError(t, err)
	assert.Equal(t, "Find failed", status.Status.ErrorTitle)
}

func TestEnqueueValidatesBeforeQueueing(t *testing.T) {
	f := newFixture(t)
	config := f.createPACS(t)
	ctx := context.Background()

	_, err := f.svc.Enqueue(ctx, config.ID, RetrieveRequest{}, Actor{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = f.svc.Enqueue(ctx, config.ID, RetrieveRequest{Targets: []TargetRequest{
		{StudyUID: "1.2.3"},
		{SeriesUID: "1.2.3.4"},
	}}, Actor{})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	status, err := f.svc.RetrieveStatus(ctx, config.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, status.QueueLength)

	resp, err := f.svc.Enqueue(ctx, config.ID, RetrieveRequest{Targets: []TargetRequest{
		{StudyUID: "1.2.3", SeriesUID: "1.2.3.1"},
		{StudyUID: "1.2.3", SeriesUID: "1.2.3.1"},
		{StudyUID: "1.2.4"},
	}}, Actor{})
	require.NoError(t, err)
	require.Len(t, resp.Queued, 3)
	assert.False(t, resp.Started)
	assert.NotEqual(t, resp.Queued[0].ID, resp.Queued[1].ID)
	assert.Equal(t, dimse.LevelSeries, resp.Queued[0].Level)
	assert.Equal(t, dimse.LevelStudy, resp.Queued[2].Level)

	status, err = f.svc.RetrieveStatus(ctx, config.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, status.QueueLength)
	assert.Equal(t, engine.StateIdle, status.State)

	cleared, err := f.svc.ClearQueue(ctx, config.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, cleared)
}

func TestStartRetrieveWithEmptyQueueNotifies(t *testing.T) {
	f := newFixture(t)
	config := f.createPACS(t)
	ctx := context.Background()

	started, err := f.svc.StartRetrieve(ctx, config.ID, Actor{})
	require.NoError(t, err)
	require.True(t, started)

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, f.svc.WaitRetrieve(waitCtx, config.ID))

	sent := f.notifier.notifications()
	require.Len(t, sent, 1)
	assert.Equal(t, config.ID, sent[0].PACSID)
	assert.Equal(t, 0, sent[0].Files)
	assert.NotNil(t, sent[0].Directories)
	assert.Equal(t, models.AuditActionRetrieve, f.audit.last().Action)
	assert.Equal(t, models.AuditStatusSuccess, f.audit.last().Status)
}

func TestCancelRetrieveScope(t *testing.T) {
	f := newFixture(t)
	config := f.createPACS(t)
	_, err := f.svc.RetrieveStatus(context.Background(), config.ID)
	require.NoError(t, err)

	assert.NoError(t, f.svc.CancelRetrieve(config.ID, CancelCurrent))
	assert.NoError(t, f.svc.CancelRetrieve(config.ID, CancelAll))
	assert.ErrorIs(t, f.svc.CancelRetrieve(config.ID, "everything"), ErrInvalidRequest)
	assert.NoError(t, f.svc.CancelRetrieve(uuid.New(), CancelAll))
}

func TestSessionsFollowConfigChanges(t *testing.T) {
	f := newFixture(t)
	config := f.createPACS(t)
	ctx := context.Background()

	first, err := f.svc.session(ctx, config.ID)
	require.NoError(t, err)
	again, err := f.svc.session(ctx, config.ID)
	require.NoError(t, err)
	assert.Same(t, first, again)

	_, err = f.svc.UpdatePACSConfig(ctx, config.ID, &models.PACSConfigRequest{
		Name:    config.Name,
		Host:    "127.0.0.2",
		Port:    config.Port,
		AETitle: config.AETitle,
	})
	require.NoError(t, err)
	moved, err := f.svc.session(ctx, config.ID)
	require.NoError(t, err)
	assert.NotSame(t, first, moved)
	assert.Equal(t, "127.0.0.2", moved.query.Remote().Host)

	require.NoError(t, f.svc.DeletePACSConfig(ctx, config.ID))
	_, ok := f.svc.sessions.lookup(config.ID)
	assert.False(t, ok)
}

func TestSessionRebuildLogsDiscardedQueue(t *testing.T) {
	var buf bytes.Buffer
	saved := log.Logger
	log.Logger = zerolog.New(&buf)
	t.Cleanup(func() { log.Logger = saved })

	f := newFixture(t)
	config := f.createPACS(t)
	ctx := context.Background()

	first, err := f.svc.session(ctx, config.ID)
	require.NoError(t, err)
	for _, series := range []string{"1.2.3.1", "1.2.3.2"} {
		_, err = first.retrieve.Enqueue(models.RetrieveTarget{
			Level:             dimse.LevelSeries,
			StudyInstanceUID:  "1.2.3",
			SeriesInstanceUID: series,
		})
		require.NoError(t, err)
	}

	_, err = f.svc.UpdatePACSConfig(ctx, config.ID, &models.PACSConfigRequest{
		Name:    config.Name,
		Host:    "127.0.0.2",
		Port:    config.Port,
		AETitle: config.AETitle,
	})
	require.NoError(t, err)
	moved, err := f.svc.session(ctx, config.ID)
	require.NoError(t, err)
	assert.Zero(t, moved.retrieve.Queue().Len())

	out := buf.String()
	assert.Contains(t, out, `"message":"Archive address changed, session replaced"`)
	assert.Contains(t, out, `"discarded_targets":2`)
	assert.Contains(t, out, `"new_remote":"ARCHIVE@127.0.0.2:`)
}

func TestCompletionImportsNotifiesAndAudits(t *testing.T) {
	f := newFixture(t)
	config := f.createPACS(t)
	sess, err := f.svc.session(context.Background(), config.ID)
	require.NoError(t, err)
	operator := uuid.New()
	sess.markStarted(Actor{OperatorID: &operator})

	f.importer.fail["/data/1.2.3/1.2.3.2"] = true
	summary := engine.RetrieveSummary{
		Directories: []string{"/data/1.2.3/1.2.3.1", "/data/1.2.3/1.2.3.2"},
		Outcomes: []engine.TargetOutcome{
			{Target: models.RetrieveTarget{Level: dimse.LevelSeries, StudyInstanceUID: "1.2.3", SeriesInstanceUID: "1.2.3.1"}, State: engine.StateComplete, FilesReceived: 3},
			{Target: models.RetrieveTarget{Level: dimse.LevelSeries, StudyInstanceUID: "1.2.3", SeriesInstanceUID: "1.2.3.2"}, State: engine.StateComplete, FilesReceived: 2},
		},
		Files: 5,
	}
	(&completion{svc: f.svc, session: sess}).OnRetrieveComplete(summary)

	assert.Equal(t, summary.Directories, f.importer.dirs)
	sent := f.notifier.notifications()
	require.Len(t, sent, 1)
	assert.Equal(t, 5, sent[0].Files)
	assert.Equal(t, 2, sent[0].Imported)
	assert.Equal(t, 2, sent[0].Targets)

	assert.Equal(t, []string{models.AuditActionImport, models.AuditActionRetrieve}, f.audit.actions())
	rows, err := f.svc.AuditLogs(context.Background(), config.ID, 0, 0)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, models.AuditStatusWarning, rows[0].Status)
	assert.Equal(t, models.AuditStatusSuccess, rows[1].Status)
	assert.Equal(t, "1.2.3.1", rows[1].ResourceUID)
	assert.Equal(t, &operator, rows[1].OperatorID)
	assert.Equal(t, "Import failed", sess.status.Latest().ErrorTitle)
}

func TestRetrieveAuditStatus(t *testing.T) {
	complete := engine.TargetOutcome{State: engine.StateComplete}
	failed := engine.TargetOutcome{State: engine.StateFailed, Error: "association rejected"}

	tests := []struct {
		name    string
		summary engine.RetrieveSummary
		status  string
	}{
		{"empty", engine.RetrieveSummary{}, models.AuditStatusSuccess},
		{"complete", engine.RetrieveSummary{Outcomes: []engine.TargetOutcome{complete}}, models.AuditStatusSuccess},
		{"partial", engine.RetrieveSummary{Outcomes: []engine.TargetOutcome{complete, failed}}, models.AuditStatusWarning},
		{"failed", engine.RetrieveSummary{Outcomes: []engine.TargetOutcome{failed}}, models.AuditStatusFailure},
		{"cancelled", engine.RetrieveSummary{Cancelled: true, Outcomes: []engine.TargetOutcome{failed}}, models.AuditStatusCancelled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, _ := retrieveAuditStatus(tt.summary)
			assert.Equal(t, tt.status, status)
		})
	}
}
