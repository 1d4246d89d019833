package engine

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/rs/zerolog"

	"github.com/otcheredev/ris-dicom-qr/internal/metrics"
	"github.com/otcheredev/ris-dicom-qr/internal/models"
	"github.com/otcheredev/ris-dicom-qr/pkg/dimse"
)

// ErrInvalidCriteria is returned when a query key cannot be sent to the
// archive.
var ErrInvalidCriteria = errors.New("invalid query criteria")

var returnKeys = map[string][]dimse.Tag{
	dimse.LevelStudy: {
		dimse.TagStudyInstanceUID,
		dimse.TagPatientID,
		dimse.TagPatientName,
		dimse.TagPatientBirthDate,
		dimse.TagStudyDate,
		dimse.TagStudyTime,
		dimse.TagStudyDescription,
		dimse.TagAccessionNumber,
		dimse.TagModalitiesInStudy,
		dimse.TagNumberOfStudySeries,
		dimse.TagNumberOfStudyInstances,
	},
	dimse.LevelSeries: {
		dimse.TagSeriesInstanceUID,
		dimse.TagModality,
		dimse.TagSeriesNumber,
		dimse.TagSeriesDescription,
		dimse.TagNumberOfSeriesInstances,
	},
}

// FindOutcome is the result of one Find call. Studies or Series holds the
// matches of this call in arrival order, according to Level.
type FindOutcome struct {
	Level      string                `json:"level"`
	Studies    []models.StudyResult  `json:"studies,omitempty"`
	Series     []models.SeriesResult `json:"series,omitempty"`
	Count      int                   `json:"count"`
	CancelSent bool                  `json:"cancel_sent"`
	Cancelled  bool                  `json:"cancelled"`
	// Warning is set when the exchange failed after matches arrived.
	Warning string `json:"warning,omitempty"`
}

// resultMap keeps results in first-seen order; a repeated key updates the
// entry in place.
type resultMap[T any] struct {
	order []string
	items map[string]T
}

func newResultMap[T any]() *resultMap[T] {
	return &resultMap[T]{items: make(map[string]T)}
}

func (m *resultMap[T]) put(key string, v T) {
	if _, ok := m.items[key]; !ok {
		m.order = append(m.order, key)
	}
	m.items[key] = v
}

func (m *resultMap[T]) get(key string) (T, bool) {
	v, ok := m.items[key]
	return v, ok
}

func (m *resultMap[T]) list() []T {
	out := make([]T, 0, len(m.order))
	for _, key := range m.order {
		out = append(out, m.items[key])
	}
	return out
}

// QueryEngine runs C-ECHO and C-FIND against one remote archive and keeps
// the accumulated matches until ClearResults.
type QueryEngine struct {
	opts     Options
	handlers Handlers
	log      zerolog.Logger
	cancel   CancelToken

	// opMu serializes operations. Cancel does not take it.
	opMu sync.Mutex

	mu      sync.Mutex
	studies *resultMap[models.StudyResult]
	series  map[string]*resultMap[models.SeriesResult]
}

// NewQueryEngine creates a query engine for opts.Remote.
func NewQueryEngine(opts Options, handlers Handlers) (*QueryEngine, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid engine options: %w", err)
	}
	return &QueryEngine{
		opts:     opts,
		handlers: handlers.withDefaults(),
		log:      opts.logger().With().Str("remote", opts.Remote.String()).Logger(),
		studies:  newResultMap[models.StudyResult](),
		series:   make(map[string]*resultMap[models.SeriesResult]),
	}, nil
}

// Remote returns the archive this engine queries.
func (e *QueryEngine) Remote() models.RemoteEndpoint {
	return e.opts.Remote
}

// Echo verifies connectivity with the remote archive.
func (e *QueryEngine) Echo(ctx context.Context) bool {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	return Echo(ctx, e.opts)
}

// Echo sends C-ECHO to opts.Remote and reports whether it succeeded. The
// cause of a failure is logged.
func Echo(ctx context.Context, opts Options) bool {
	if err := Verify(ctx, opts); err != nil {
		logger := opts.logger()
		logger.Warn().
			Err(err).
			Str("remote", opts.Remote.String()).
			Msg("C-ECHO failed")
		return false
	}
	return true
}

// Verify sends C-ECHO to opts.Remote and returns the cause of a failure.
func Verify(ctx context.Context, opts Options) error {
	if err := opts.validate(); err != nil {
		return fmt.Errorf("invalid engine options: %w", err)
	}
	start := time.Now()
	defer func() {
		metrics.OperationDuration.WithLabelValues("echo").Observe(time.Since(start).Seconds())
	}()

	assoc, err := openAssociation(ctx, opts, "echo", dimse.VerificationSOPClass)
	if err != nil {
		return fmt.Errorf("C-ECHO association with %s: %w", opts.Remote, err)
	}
	err = assoc.CEcho(ctx)
	logger := opts.logger()
	finish(logger, assoc, err)
	if err != nil {
		return err
	}
	logger.Debug().
		Str("remote", opts.Remote.String()).
		Dur("duration", time.Since(start)).
		Msg("C-ECHO succeeded")
	return nil
}

// Cancel asks the running Find to stop. Matches already accumulated are
// kept.
func (e *QueryEngine) Cancel() {
	e.cancel.Cancel()
}

// Find queries the archive. An empty scopeStudyUID runs a study level query,
// otherwise the series of that study are queried. A resultLimit of zero means
// no limit; reaching it sends C-CANCEL.
//
// A failure before any match is returned as an error. A failure after
// matches arrived keeps them and sets FindOutcome.Warning.
func (e *QueryEngine) Find(ctx context.Context, criteria models.Query, scopeStudyUID string, resultLimit uint) (*FindOutcome, error) {
	e.opMu.Lock()
	defer e.opMu.Unlock()
	e.cancel.reset()

	level := dimse.LevelStudy
	if scopeStudyUID != "" {
		level = dimse.LevelSeries
	}
	identifier, err := buildIdentifier(criteria, level, scopeStudyUID)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	defer func() {
		metrics.OperationDuration.WithLabelValues("find").Observe(time.Since(start).Seconds())
	}()

	assoc, err := openAssociation(ctx, e.opts, "find", dimse.StudyRootFindSOPClass)
	if err != nil {
		e.log.Error().Err(err).Str("level", level).Msg("C-FIND association failed")
		return nil, fmt.Errorf("C-FIND association with %s: %w", e.opts.Remote, err)
	}

	outcome := &FindOutcome{Level: level}
	studies := newResultMap[models.StudyResult]()
	series := newResultMap[models.SeriesResult]()
	var count uint

	resp, err := assoc.CFind(ctx, &dimse.CFindRequest{
		SOPClassUID: dimse.StudyRootFindSOPClass,
		Identifier:  identifier,
		Cancelled:   e.cancel.IsSet,
		OnResult: func(ds *dimse.Dataset) bool {
			if e.cancel.IsSet() {
				return false
			}
			count++
			key := strconv.FormatUint(uint64(count), 10)
			if level == dimse.LevelStudy {
				study := models.NewStudyResult(ds)
				if study.StudyInstanceUID != "" {
					key = study.StudyInstanceUID
				}
				studies.put(key, study)
				e.storeStudy(study)
				e.handlers.Find.OnFindResult(FindEvent{Level: level, Study: &study})
			} else {
				s := models.NewSeriesResult(ds)
				if s.StudyInstanceUID == "" {
					s.StudyInstanceUID = scopeStudyUID
				}
				if s.SeriesInstanceUID != "" {
					key = s.SeriesInstanceUID
				}
				series.put(key, s)
				e.storeSeries(scopeStudyUID, s)
				e.handlers.Find.OnFindResult(FindEvent{Level: level, Series: &s})
			}
			metrics.FindResultsTotal.WithLabelValues(level).Inc()
			return resultLimit == 0 || count < resultLimit
		},
	})
	finish(e.log, assoc, err)

	outcome.Count = int(count)
	outcome.Studies = studies.list()
	outcome.Series = series.list()
	outcome.Cancelled = e.cancel.IsSet() || ctx.Err() != nil
	if resp != nil {
		outcome.CancelSent = resp.CancelSent
	}
	if outcome.CancelSent {
		metrics.CancelsTotal.WithLabelValues("find").Inc()
	}

	event := e.log.Info()
	if err != nil {
		switch {
		case errors.Is(err, dimse.ErrCancelled):
			if !outcome.Cancelled {
				outcome.Warning = err.Error()
			}
		case count == 0:
			e.log.Error().Err(err).Str("level", level).Msg("C-FIND failed")
			return nil, err
		default:
			outcome.Warning = err.Error()
		}
		event = e.log.Warn().Err(err)
	}
	event.
		Str("level", level).
		Int("results", outcome.Count).
		Bool("cancel_sent", outcome.CancelSent).
		Dur("duration", time.Since(start)).
		Msg("C-FIND finished")
	return outcome, nil
}

func (e *QueryEngine) storeStudy(study models.StudyResult) {
	if study.StudyInstanceUID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.studies.put(study.StudyInstanceUID, study)
}

func (e *QueryEngine) storeSeries(studyUID string, s models.SeriesResult) {
	if s.SeriesInstanceUID == "" {
		return
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.series[studyUID]
	if !ok {
		m = newResultMap[models.SeriesResult]()
		e.series[studyUID] = m
	}
	m.put(s.SeriesInstanceUID, s)
}

// ClearResults drops every accumulated study and series.
func (e *QueryEngine) ClearResults() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.studies = newResultMap[models.StudyResult]()
	e.series = make(map[string]*resultMap[models.SeriesResult])
}

// Studies returns the accumulated studies in arrival order.
func (e *QueryEngine) Studies() []models.StudyResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.studies.list()
}

// Study returns one accumulated study.
func (e *QueryEngine) Study(studyUID string) (models.StudyResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.studies.get(studyUID)
}

// Series returns the accumulated series of a study in arrival order.
func (e *QueryEngine) Series(studyUID string) []models.SeriesResult {
	e.mu.Lock()
	defer e.mu.Unlock()
	m, ok := e.series[studyUID]
	if !ok {
		return nil
	}
	return m.list()
}

func buildIdentifier(criteria models.Query, level, scopeStudyUID string) (*dimse.Dataset, error) {
	ds := dimse.NewDataset()
	for tag, value := range criteria {
		switch tag.Group() {
		case 0x0000, 0x0002, 0xFFFE:
			return nil, fmt.Errorf("%w: %s is not a query key", ErrInvalidCriteria, tag)
		}
		if tag == dimse.TagQueryRetrieveLevel {
			continue
		}
		if strings.ContainsFunc(value, isDisallowedControl) {
			return nil, fmt.Errorf("%w: value of %s contains control characters", ErrInvalidCriteria, tag)
		}
		ds.Set(tag, value)
	}

	ds.Set(dimse.TagQueryRetrieveLevel, level)
	for _, tag := range returnKeys[level] {
		if !ds.Has(tag) {
			ds.Set(tag, "")
		}
	}
	if level == dimse.LevelSeries {
		ds.Set(dimse.TagStudyInstanceUID, scopeStudyUID)
	}
	// Explicit VR has the tighter length limits; a value that fits there
	// fits in every syntax the archive may accept.
	if _, err := ds.Encode(dimse.ExplicitVRLittleEndian); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidCriteria, err)
	}
	return ds, nil
}

// ESC is allowed for ISO 2022 character set switching.
func isDisallowedControl(r rune) bool {
	return unicode.IsControl(r) && r != 0x1B
}
