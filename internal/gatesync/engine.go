package gatesync

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// DeliverFunc pushes one queued event to the backend. The server contract is
// idempotent on commandId, so a retried delivery whose acknowledgment was lost
// does not duplicate the effect.
type DeliverFunc func(ctx context.Context, event QueuedEvent) error

type Logger interface {
	Printf(format string, args ...any)
}

type EngineOptions struct {
	Store     EventStore
	Deliver   DeliverFunc
	CheckIns  *CheckInCache
	Validator *CommandValidator

	MaxRetries     int
	RetryBaseDelay time.Duration
	MaxRetryDelay  time.Duration

	Logger Logger

	// DisableAutoDrain stops Submit from kicking off an asynchronous drain;
	// tests drive Drain explicitly.
	DisableAutoDrain bool
}

// Engine orchestrates the queue: it validates commands, persists them, drains
// them toward the backend in insertion order and keeps the operator snapshot
// current. The store is the single source of truth; the engine is its only
// writer.
type Engine struct {
	store          EventStore
	deliver        DeliverFunc
	checkins       *CheckInCache
	validator      *CommandValidator
	maxRetries     int
	retryBaseDelay time.Duration
	maxRetryDelay  time.Duration
	logger         Logger
	autoDrain      bool

	mu       sync.Mutex
	draining bool

	timerMu sync.Mutex
	timers  map[*time.Timer]struct{}

	ctx       context.Context
	cancel    context.CancelFunc
	closed    chan struct{}
	closeOnce sync.Once
}

type SubmissionResult struct {
	CommandID  string      `json:"commandId"`
	Status     EventStatus `json:"status"`
	QueueDepth int         `json:"queueDepth"`
}

type QueueStats struct {
	Pending  int  `json:"pending"`
	Failed   int  `json:"failed"`
	Draining bool `json:"draining"`
}

func NewEngine(opts EngineOptions) (*Engine, error) {
	if opts.Store == nil || opts.Deliver == nil {
		return nil, ErrInvalidInput
	}
	if opts.CheckIns == nil {
		opts.CheckIns = NewCheckInCache()
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryBaseDelay <= 0 {
		opts.RetryBaseDelay = 500 * time.Millisecond
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = 30 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:          opts.Store,
		deliver:        opts.Deliver,
		checkins:       opts.CheckIns,
		validator:      opts.Validator,
		maxRetries:     opts.MaxRetries,
		retryBaseDelay: opts.RetryBaseDelay,
		maxRetryDelay:  opts.MaxRetryDelay,
		logger:         opts.Logger,
		autoDrain:      !opts.DisableAutoDrain,
		timers:         map[*time.Timer]struct{}{},
		ctx:            ctx,
		cancel:         cancel,
		closed:         make(chan struct{}),
	}, nil
}

// Submit validates a command, durably enqueues it and triggers an immediate
// asynchronous delivery attempt. Once Submit returns nil the command survives
// a process restart; only a StorageError means the caller must resubmit.
func (e *Engine) Submit(cmd SyncCommand) (SubmissionResult, error) {
	if e.validator != nil {
		if err := e.validator.Validate(cmd); err != nil {
			return SubmissionResult{}, err
		}
	} else if strings.TrimSpace(cmd.CommandID) == "" || strings.TrimSpace(cmd.TargetVisitID) == "" || !ValidCommandKind(cmd.Kind) {
		return SubmissionResult{}, ErrInvalidInput
	}

	if cmd.Kind == CommandStatusUpdate {
		if err := e.checkStatusUpdate(cmd); err != nil {
			return SubmissionResult{}, err
		}
	}

	event := QueuedEvent{
		SyncCommand: cmd,
		RetryCount:  0,
		MaxRetries:  e.maxRetries,
		Status:      EventPending,
	}
	if err := e.store.Append(event); err != nil {
		return SubmissionResult{}, err
	}
	e.applyLocal(cmd)

	pending, _ := e.store.Pending()
	if e.autoDrain {
		go e.Drain()
	}
	return SubmissionResult{
		CommandID:  cmd.CommandID,
		Status:     EventPending,
		QueueDepth: len(pending),
	}, nil
}

func (e *Engine) checkStatusUpdate(cmd SyncCommand) error {
	var payload StatusUpdatePayload
	if err := json.Unmarshal(cmd.Payload, &payload); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	from := payload.From
	if checkin, ok := e.checkins.Get(cmd.TargetVisitID); ok {
		from = checkin.Status
	}
	if from == "" {
		return fmt.Errorf("%w: current status unknown for visit %s", ErrInvalidInput, cmd.TargetVisitID)
	}
	return ValidateTransition(from, payload.To)
}

// applyLocal keeps the operator snapshot in step with an accepted command.
// Cache misses are fine; the snapshot catches up on the next lookup or push.
func (e *Engine) applyLocal(cmd SyncCommand) {
	switch cmd.Kind {
	case CommandStatusUpdate:
		var payload StatusUpdatePayload
		if json.Unmarshal(cmd.Payload, &payload) == nil {
			_ = e.checkins.ApplyStatus(cmd.TargetVisitID, payload.To)
		}
	case CommandAssignRamp:
		var payload AssignRampPayload
		if json.Unmarshal(cmd.Payload, &payload) == nil {
			_ = e.checkins.ApplyRamp(cmd.TargetVisitID, payload.Ramp)
		}
	case CommandAddNote:
		var payload AddNotePayload
		if json.Unmarshal(cmd.Payload, &payload) == nil {
			_ = e.checkins.AppendNote(cmd.TargetVisitID, Note{
				Author:    payload.Author,
				Text:      payload.Text,
				CreatedAt: cmd.CreatedAt,
			})
		}
	}
}

// Drain attempts delivery of every due pending event, oldest first. At most
// one pass runs at a time; events submitted mid-pass wait for the next one.
// A deferred or failed event blocks younger events for the same visit so the
// per-visit order on the server matches the submission order.
func (e *Engine) Drain() {
	e.mu.Lock()
	if e.draining {
		e.mu.Unlock()
		return
	}
	select {
	case <-e.closed:
		e.mu.Unlock()
		return
	default:
	}
	e.draining = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.draining = false
		e.mu.Unlock()
	}()

	all, err := e.store.All()
	if err != nil {
		e.logf("drain: listing events failed: %v", err)
		return
	}
	now := time.Now().UTC()
	blocked := map[string]struct{}{}
	for _, event := range all {
		select {
		case <-e.closed:
			return
		default:
		}
		switch event.Status {
		case EventFailed:
			blocked[event.TargetVisitID] = struct{}{}
			continue
		case EventPending:
		default:
			continue
		}
		if _, skip := blocked[event.TargetVisitID]; skip {
			continue
		}
		if wait, due := attemptDue(event, now); !due {
			blocked[event.TargetVisitID] = struct{}{}
			e.scheduleDrain(wait)
			continue
		}
		if !e.attempt(event) {
			blocked[event.TargetVisitID] = struct{}{}
		}
	}
}

func attemptDue(event QueuedEvent, now time.Time) (time.Duration, bool) {
	if event.NextAttemptAt == nil {
		return 0, true
	}
	at, err := time.Parse(time.RFC3339Nano, *event.NextAttemptAt)
	if err != nil || !at.After(now) {
		return 0, true
	}
	return at.Sub(now), false
}

// attempt runs one delivery attempt and records its outcome. It reports
// whether the event completed.
func (e *Engine) attempt(event QueuedEvent) bool {
	if err := e.store.Update(event.CommandID, func(ev *QueuedEvent) {
		ev.Status = EventInFlight
	}); err != nil {
		e.logf("drain: marking %s in_flight failed: %v", event.CommandID, err)
		return false
	}

	deliverErr := e.deliver(e.ctx, event)
	if deliverErr == nil {
		if err := e.store.Update(event.CommandID, func(ev *QueuedEvent) {
			ev.Status = EventCompleted
			ev.NextAttemptAt = nil
			ev.LastError = nil
		}); err != nil {
			e.logf("drain: marking %s completed failed: %v", event.CommandID, err)
		}
		if err := e.store.Remove(map[string]struct{}{event.CommandID: {}}); err != nil {
			e.logf("drain: evicting %s failed: %v", event.CommandID, err)
		}
		return true
	}

	errText := deliverErr.Error()
	retryCount := event.RetryCount + 1
	if retryCount >= event.MaxRetries {
		exhausted := fmt.Sprintf("%v: %v", ErrRetryExhausted, deliverErr)
		if err := e.store.Update(event.CommandID, func(ev *QueuedEvent) {
			ev.Status = EventFailed
			ev.RetryCount = retryCount
			ev.NextAttemptAt = nil
			ev.LastError = &exhausted
		}); err != nil {
			e.logf("drain: marking %s failed failed: %v", event.CommandID, err)
		}
		e.logf("event %s for visit %s exhausted %d attempts: %v", event.CommandID, event.TargetVisitID, retryCount, deliverErr)
		return false
	}

	delay := backoffDelay(e.retryBaseDelay, retryCount, e.maxRetryDelay)
	nextAt := time.Now().UTC().Add(delay).Format(time.RFC3339Nano)
	if err := e.store.Update(event.CommandID, func(ev *QueuedEvent) {
		ev.Status = EventPending
		ev.RetryCount = retryCount
		ev.NextAttemptAt = &nextAt
		ev.LastError = &errText
	}); err != nil {
		e.logf("drain: deferring %s failed: %v", event.CommandID, err)
		return false
	}
	e.scheduleDrain(delay)
	return false
}

func backoffDelay(base time.Duration, retryCount int, ceiling time.Duration) time.Duration {
	delay := base
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= ceiling {
			return ceiling
		}
	}
	return delay
}

func (e *Engine) scheduleDrain(delay time.Duration) {
	if delay <= 0 {
		delay = e.retryBaseDelay
	}
	e.timerMu.Lock()
	defer e.timerMu.Unlock()
	select {
	case <-e.closed:
		return
	default:
	}
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		e.timerMu.Lock()
		delete(e.timers, timer)
		e.timerMu.Unlock()
		select {
		case <-e.closed:
			return
		default:
			e.Drain()
		}
	})
	e.timers[timer] = struct{}{}
}

// HandleConnected is the reconciliation trigger; wire it to the connection
// manager's state change subscription.
func (e *Engine) HandleConnected() {
	go e.Drain()
}

// ApplyRemoteUpdate folds a server-pushed frame into the operator snapshot.
// Malformed frames are logged and dropped.
func (e *Engine) ApplyRemoteUpdate(update RealTimeUpdate) {
	switch update.Type {
	case "checkin.created", "checkin.updated":
		var checkin GateCheckIn
		if err := json.Unmarshal(update.Data, &checkin); err != nil || strings.TrimSpace(checkin.VisitID) == "" {
			e.logf("dropping malformed %s update", update.Type)
			return
		}
		if err := e.checkins.Put(checkin); err != nil {
			e.logf("ignoring %s update for terminal visit %s", update.Type, checkin.VisitID)
		}
	default:
		e.logf("dropping unknown update type %q", update.Type)
	}
}

// RetryFailed puts one exhausted event back into rotation and drains.
func (e *Engine) RetryFailed(commandID string) error {
	var previous EventStatus
	err := e.store.Update(commandID, func(ev *QueuedEvent) {
		previous = ev.Status
		if ev.Status != EventFailed {
			return
		}
		ev.Status = EventPending
		ev.RetryCount = 0
		ev.NextAttemptAt = nil
		ev.LastError = nil
	})
	if err != nil {
		return err
	}
	if previous != EventFailed {
		return fmt.Errorf("%w: event %s is %s, not failed", ErrInvalidState, commandID, previous)
	}
	e.Drain()
	return nil
}

// Discard permanently removes one failed event. This is the operator's
// explicit data-loss acknowledgment; nothing is ever discarded automatically.
func (e *Engine) Discard(commandID string) error {
	failed, err := e.store.Failed()
	if err != nil {
		return err
	}
	found := false
	for _, event := range failed {
		if event.CommandID == commandID {
			found = true
			break
		}
	}
	if !found {
		all, allErr := e.store.All()
		if allErr != nil {
			return allErr
		}
		for _, event := range all {
			if event.CommandID == commandID {
				return fmt.Errorf("%w: event %s is %s, not failed", ErrInvalidState, commandID, event.Status)
			}
		}
		return ErrNotFound
	}
	return e.store.Remove(map[string]struct{}{commandID: {}})
}

func (e *Engine) Stats() QueueStats {
	pending, _ := e.store.Pending()
	failed, _ := e.store.Failed()
	e.mu.Lock()
	draining := e.draining
	e.mu.Unlock()
	return QueueStats{
		Pending:  len(pending),
		Failed:   len(failed),
		Draining: draining,
	}
}

func (e *Engine) PendingEvents() ([]QueuedEvent, error) {
	return e.store.Pending()
}

func (e *Engine) FailedEvents() ([]QueuedEvent, error) {
	return e.store.Failed()
}

func (e *Engine) CheckIn(visitID string) (GateCheckIn, bool) {
	return e.checkins.Get(visitID)
}

func (e *Engine) CheckIns() []GateCheckIn {
	return e.checkins.Snapshot()
}

func (e *Engine) TrackCheckIn(checkin GateCheckIn) error {
	return e.checkins.Put(checkin)
}

// Close cancels in-flight deliveries and clears pending retry timers. The
// store keeps everything; a restarted process resumes draining.
func (e *Engine) Close() {
	e.closeOnce.Do(func() {
		close(e.closed)
		e.cancel()
		e.timerMu.Lock()
		for timer := range e.timers {
			timer.Stop()
		}
		e.timers = map[*time.Timer]struct{}{}
		e.timerMu.Unlock()
	})
}

func (e *Engine) logf(format string, args ...any) {
	if e.logger == nil {
		return
	}
	e.logger.Printf(format, args...)
}
