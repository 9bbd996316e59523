package gatesync

import (
	"sort"
	"strings"
	"sync"
)

// CheckInCache holds the operator-visible snapshot of known check-ins, keyed
// by visit. It is fed from lookup results and from server pushes; the engine
// consults it to validate status transitions locally.
type CheckInCache struct {
	mu      sync.RWMutex
	byVisit map[string]GateCheckIn
}

func NewCheckInCache() *CheckInCache {
	return &CheckInCache{byVisit: map[string]GateCheckIn{}}
}

func (c *CheckInCache) Get(visitID string) (GateCheckIn, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	checkin, ok := c.byVisit[strings.TrimSpace(visitID)]
	return checkin, ok
}

// Put stores a resolved check-in. It refuses to reopen a locally terminal
// record: once completed or cancelled, the snapshot is frozen.
func (c *CheckInCache) Put(checkin GateCheckIn) error {
	visitID := strings.TrimSpace(checkin.VisitID)
	if visitID == "" {
		return ErrInvalidInput
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if existing, ok := c.byVisit[visitID]; ok && TerminalStatus(existing.Status) && existing.Status != checkin.Status {
		return ErrTerminalState
	}
	c.byVisit[visitID] = checkin
	return nil
}

// ApplyStatus moves a cached check-in along an approved edge.
func (c *CheckInCache) ApplyStatus(visitID string, to CheckInStatus) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	checkin, ok := c.byVisit[strings.TrimSpace(visitID)]
	if !ok {
		return ErrNotFound
	}
	if err := ValidateTransition(checkin.Status, to); err != nil {
		return err
	}
	checkin.Status = to
	c.byVisit[checkin.VisitID] = checkin
	return nil
}

// ApplyRamp records a ramp assignment on a non-terminal check-in.
func (c *CheckInCache) ApplyRamp(visitID, ramp string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	checkin, ok := c.byVisit[strings.TrimSpace(visitID)]
	if !ok {
		return ErrNotFound
	}
	if TerminalStatus(checkin.Status) {
		return ErrTerminalState
	}
	checkin.RampAssignment = ramp
	c.byVisit[checkin.VisitID] = checkin
	return nil
}

// AppendNote adds to the append-only note sequence of a non-terminal check-in.
func (c *CheckInCache) AppendNote(visitID string, note Note) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	checkin, ok := c.byVisit[strings.TrimSpace(visitID)]
	if !ok {
		return ErrNotFound
	}
	if TerminalStatus(checkin.Status) {
		return ErrTerminalState
	}
	checkin.Notes = append(checkin.Notes, note)
	c.byVisit[checkin.VisitID] = checkin
	return nil
}

// Snapshot returns all cached check-ins ordered by visit id.
func (c *CheckInCache) Snapshot() []GateCheckIn {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]GateCheckIn, 0, len(c.byVisit))
	for _, checkin := range c.byVisit {
		out = append(out, checkin)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].VisitID < out[j].VisitID
	})
	return out
}
