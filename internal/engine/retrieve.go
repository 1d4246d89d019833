package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.uber.org/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/otcheredev/ris-dicom-qr/internal/metrics"
	"github.com/otcheredev/ris-dicom-qr/internal/models"
	"github.com/otcheredev/ris-dicom-qr/pkg/dimse"
)

// State is the retrieve state of the target being processed.
type State string

const (
	StateIdle                 State = "IDLE"
	StateAssociationRequested State = "ASSOCIATION_REQUESTED"
	StateMoveSent             State = "MOVE_SENT"
	StateReceiving            State = "RECEIVING"
	StateComplete             State = "COMPLETE"
	StateFailed               State = "FAILED"
	StateCancelled            State = "CANCELLED"
)

// DirectoryLayout decides where received objects are written.
type DirectoryLayout interface {
	SeriesDirectory(ctx context.Context, studyUID, seriesUID string) (string, error)
	FileName(sopInstanceUID string) string
}

// TargetOutcome is the final state of one retrieve target. The counters are
// the last sub-operation counts the archive reported, or -1 if it reported
// none.
type TargetOutcome struct {
	Target        models.RetrieveTarget `json:"target"`
	State         State                 `json:"state"`
	Completed     int                   `json:"completed"`
	Failed        int                   `json:"failed"`
	Warning       int                   `json:"warning"`
	FilesReceived int                   `json:"files_received"`
	Error         string                `json:"error,omitempty"`
}

// RetrieveSummary is delivered when the retrieve loop stops.
type RetrieveSummary struct {
	// Directories holds each series directory written to, once, in the
	// order they were first touched.
	Directories []string        `json:"directories"`
	Outcomes    []TargetOutcome `json:"outcomes"`
	Files       int             `json:"files"`
	Cancelled   bool            `json:"cancelled"`
	// Queued is the number of targets left in the queue.
	Queued int `json:"queued"`
}

// RetrieveEngine drains a queue of retrieve targets one at a time. Each
// target is fetched with C-MOVE to the local AE title while a transient store
// receiver listens on the local port.
type RetrieveEngine struct {
	opts     Options
	layout   DirectoryLayout
	queue    *RetrieveQueue
	observer Observer
	handlers Handlers
	log      zerolog.Logger

	running atomic.Bool
	state   *atomic.String

	cancelCurrent CancelToken
	cancelAll     CancelToken

	mu       sync.Mutex
	touched  map[string]struct{}
	dirs     []string
	outcomes []TargetOutcome
	files    int
	done     chan struct{}
}

// NewRetrieveEngine creates a retrieve engine. A nil observer discards
// status lines.
func NewRetrieveEngine(opts Options, layout DirectoryLayout, observer Observer, handlers Handlers) (*RetrieveEngine, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid engine options: %w", err)
	}
	if opts.Local.Port <= 0 || opts.Local.Port > 65535 {
		return nil, fmt.Errorf("invalid engine options: invalid local port %d", opts.Local.Port)
	}
	if layout == nil {
		return nil, errors.New("invalid engine options: directory layout is required")
	}
	if observer == nil {
		observer = nopObserver{}
	}
	return &RetrieveEngine{
		opts:     opts,
		layout:   layout,
		queue:    NewRetrieveQueue(),
		observer: observer,
		handlers: handlers.withDefaults(),
		log:      opts.logger().With().Str("remote", opts.Remote.String()).Logger(),
		state:    atomic.NewString(string(StateIdle)),
		touched:  make(map[string]struct{}),
	}, nil
}

// Enqueue appends target to the queue. Targets are not deduplicated; a
// target without an ID is given one.
func (e *RetrieveEngine) Enqueue(target models.RetrieveTarget) (models.RetrieveTarget, error) {
	if err := target.Validate(); err != nil {
		return target, err
	}
	if target.ID == uuid.Nil {
		target.ID = uuid.New()
	}
	n := e.queue.Push(target)
	e.log.Debug().Str("target", target.Describe()).Int("queued", n).Msg("Retrieve target queued")
	return target, nil
}

// Queue returns the pending targets.
func (e *RetrieveEngine) Queue() *RetrieveQueue {
	return e.queue
}

// Running reports whether the retrieve loop is active.
func (e *RetrieveEngine) Running() bool {
	return e.running.Load()
}

// State returns the state of the target being processed, or IDLE.
func (e *RetrieveEngine) State() State {
	return State(e.state.Load())
}

func (e *RetrieveEngine) setState(s State) {
	e.state.Store(string(s))
}

// CancelCurrent stops the target in flight. The loop continues with the
// next queued target.
func (e *RetrieveEngine) CancelCurrent() {
	e.cancelCurrent.Cancel()
}

// CancelAll stops the target in flight and the loop. Queued targets stay
// queued.
func (e *RetrieveEngine) CancelAll() {
	e.cancelAll.Cancel()
}

// Directories returns the series directories written by the current or
// last run.
func (e *RetrieveEngine) Directories() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.dirs))
	copy(out, e.dirs)
	return out
}

// Wait blocks until the current run finishes or ctx is done.
func (e *RetrieveEngine) Wait(ctx context.Context) error {
	e.mu.Lock()
	done := e.done
	e.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartBackgroundRetrieve starts the retrieve loop on its own goroutine. It
// returns false if a loop is already running; targets enqueued meanwhile are
// picked up by that loop.
func (e *RetrieveEngine) StartBackgroundRetrieve(ctx context.Context) bool {
	if !e.running.CompareAndSwap(false, true) {
		return false
	}
	e.cancelCurrent.reset()
	e.cancelAll.reset()

	done := make(chan struct{})
	e.mu.Lock()
	e.touched = make(map[string]struct{})
	e.dirs = nil
	e.outcomes = nil
	e.files = 0
	e.done = done
	e.mu.Unlock()

	go e.loop(ctx, done)
	return true
}

func (e *RetrieveEngine) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	start := time.Now()
	for {
		e.drain(ctx)
		summary := e.summary()
		e.running.Store(false)

		// A target enqueued after the last pop but before running was
		// cleared would otherwise wait for the next start.
		if e.queue.Len() > 0 && !e.cancelAll.IsSet() && ctx.Err() == nil &&
			e.running.CompareAndSwap(false, true) {
			continue
		}

		// A run started between clearing running and here owns the state
		// and the status line; this run's summary is still delivered.
		switch {
		case !e.settle(done):
			e.log.Debug().Msg("Retrieve loop superseded before going idle")
		case summary.Cancelled:
			e.observer.SetStatus(fmt.Sprintf("Retrieve cancelled: %d file(s) received, %d target(s) still queued",
				summary.Files, summary.Queued))
		default:
			e.observer.SetStatus(fmt.Sprintf("Retrieve finished: %d file(s) in %d series",
				summary.Files, len(summary.Directories)))
		}
		e.log.Info().
			Int("files", summary.Files).
			Int("directories", len(summary.Directories)).
			Int("targets", len(summary.Outcomes)).
			Bool("cancelled", summary.Cancelled).
			Dur("duration", time.Since(start)).
			Msg("Retrieve loop finished")
		e.handlers.Retrieve.OnRetrieveComplete(summary)
		return
	}
}

// settle marks the engine idle if the run identified by done is still the
// current one.
func (e *RetrieveEngine) settle(done chan struct{}) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.done != done {
		return false
	}
	e.setState(StateIdle)
	return true
}

func (e *RetrieveEngine) summary() RetrieveSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	s := RetrieveSummary{
		Directories: make([]string, len(e.dirs)),
		Outcomes:    make([]TargetOutcome, len(e.outcomes)),
		Files:       e.files,
		Queued:      e.queue.Len(),
	}
	copy(s.Directories, e.dirs)
	copy(s.Outcomes, e.outcomes)
	s.Cancelled = e.cancelAll.IsSet()
	return s
}

func (e *RetrieveEngine) drain(ctx context.Context) {
	for {
		if e.cancelAll.IsSet() {
			return
		}
		if ctx.Err() != nil {
			e.cancelAll.Cancel()
			return
		}
		target, ok := e.queue.Pop()
		if !ok {
			return
		}
		e.cancelCurrent.reset()

		outcome := e.retrieveTarget(ctx, target)
		metrics.RetrieveTargetsTotal.WithLabelValues(string(outcome.State)).Inc()

		e.mu.Lock()
		e.outcomes = append(e.outcomes, outcome)
		e.files += outcome.FilesReceived
		e.mu.Unlock()
	}
}

func (e *RetrieveEngine) touch(dir string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.touched[dir]; ok {
		return
	}
	e.touched[dir] = struct{}{}
	e.dirs = append(e.dirs, dir)
}

func (e *RetrieveEngine) cancelled() bool {
	return e.cancelCurrent.IsSet() || e.cancelAll.IsSet()
}

func (e *RetrieveEngine) retrieveTarget(ctx context.Context, target models.RetrieveTarget) TargetOutcome {
	log := e.log.With().
		Str("target", target.Describe()).
		Str("target_id", target.ID.String()).
		Logger()
	outcome := TargetOutcome{Target: target, Completed: -1, Failed: -1, Warning: -1}
	start := time.Now()
	defer func() {
		metrics.OperationDuration.WithLabelValues("retrieve").Observe(time.Since(start).Seconds())
	}()

	e.setState(StateAssociationRequested)
	e.observer.SetStatus(fmt.Sprintf("Retrieving %s", target.Describe()))

	ep, err := dimse.OpenEndpoint(dimse.RoleSCP, e.opts.Local.Port, e.opts.localTLS())
	if err != nil {
		return e.failed(log, outcome, err)
	}
	defer ep.Close()

	receiver := &storeReceiver{engine: e, target: target, log: log}
	provider := &dimse.ServiceProvider{
		AETitle:             e.opts.Local.AETitle,
		Config:              e.opts.associationConfig(),
		StrictCalledAETitle: true,
		Handler:             receiver,
		DrainTimeout:        e.opts.StoreDrainTimeout,
	}

	var resp *dimse.CMoveResponse
	g, gctx := errgroup.WithContext(ctx)
	recvCtx, stopReceiver := context.WithCancel(gctx)
	defer stopReceiver()

	g.Go(func() error {
		return provider.Serve(recvCtx, ep)
	})
	g.Go(func() error {
		defer stopReceiver()
		var err error
		resp, err = e.move(gctx, target, &outcome, log)
		return err
	})
	err = g.Wait()
	outcome.FilesReceived = int(receiver.received.Load())

	switch {
	case e.cancelled() || ctx.Err() != nil:
		outcome.State = StateCancelled
		e.observer.SetStatus(fmt.Sprintf("Retrieve of %s cancelled after %d file(s)",
			target.Describe(), outcome.FilesReceived))
		log.Info().Int("files", outcome.FilesReceived).Msg("Retrieve cancelled")
	case err != nil:
		return e.failed(log, outcome, err)
	case resp != nil && resp.Status == dimse.StatusCancel:
		outcome.State = StateCancelled
		e.observer.SetStatus(fmt.Sprintf("Archive cancelled retrieve of %s", target.Describe()))
		log.Warn().Msg("Archive cancelled the retrieve")
	default:
		outcome.State = StateComplete
		if outcome.Failed > 0 || outcome.Warning > 0 {
			e.observer.SetStatus(fmt.Sprintf("Retrieved %s: %d file(s), %d failed, %d warning(s)",
				target.Describe(), outcome.FilesReceived, outcome.Failed, outcome.Warning))
		} else {
			e.observer.SetStatus(fmt.Sprintf("Retrieved %s: %d file(s)", target.Describe(), outcome.FilesReceived))
		}
		log.Info().
			Int("files", outcome.FilesReceived).
			Int("failed", outcome.Failed).
			Dur("duration", time.Since(start)).
			Msg("Retrieve complete")
	}
	e.setState(outcome.State)
	return outcome
}

func (e *RetrieveEngine) failed(log zerolog.Logger, outcome TargetOutcome, err error) TargetOutcome {
	outcome.State = StateFailed
	outcome.Error = err.Error()
	e.setState(StateFailed)
	log.Error().Err(err).Int("files", outcome.FilesReceived).Msg("Retrieve failed")
	e.observer.ReportError("Retrieve failed", fmt.Sprintf("%s: %v", outcome.Target.Describe(), err))
	return outcome
}

func (e *RetrieveEngine) move(ctx context.Context, target models.RetrieveTarget, outcome *TargetOutcome, log zerolog.Logger) (*dimse.CMoveResponse, error) {
	assoc, err := openAssociation(ctx, e.opts, "move", dimse.StudyRootMoveSOPClass)
	if err != nil {
		return nil, fmt.Errorf("C-MOVE association with %s: %w", e.opts.Remote, err)
	}

	record := func(p dimse.MoveProgress) {
		if p.Completed >= 0 {
			outcome.Completed = p.Completed
		}
		if p.Failed >= 0 {
			outcome.Failed = p.Failed
		}
		if p.Warning >= 0 {
			outcome.Warning = p.Warning
		}
	}

	e.setState(StateMoveSent)
	resp, err := assoc.CMove(ctx, &dimse.CMoveRequest{
		SOPClassUID: dimse.StudyRootMoveSOPClass,
		Destination: e.opts.Local.AETitle,
		Identifier:  target.Identifier(),
		Timeout:     e.opts.moveTimeout(),
		Cancelled:   e.cancelled,
		OnProgress: func(p dimse.MoveProgress) bool {
			e.setState(StateReceiving)
			record(p)
			e.handlers.Move.OnMoveProgress(target, p)
			if p.Remaining >= 0 {
				e.observer.SetStatus(fmt.Sprintf("Retrieving %s: %d completed, %d remaining",
					target.Describe(), max(p.Completed, 0), p.Remaining))
			}
			return !e.cancelled()
		},
	})
	finish(log, assoc, err)

	var statusErr *dimse.StatusError
	if resp != nil && (err == nil || errors.As(err, &statusErr)) {
		record(resp.MoveProgress)
	}
	if resp != nil {
		if resp.CancelSent {
			metrics.CancelsTotal.WithLabelValues("move").Inc()
		}
	}
	return resp, err
}
