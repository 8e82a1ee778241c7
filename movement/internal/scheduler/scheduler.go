// Package scheduler fires reminder and deadline events for open proposals.
package scheduler

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nobuyuki-ootake/AIAgentTRPGGM2-sub011/movement/internal/clock"
)

var ErrStopped = errors.New("scheduler: stopped")

type Kind string

const (
	KindReminder Kind = "reminder"
	KindDeadline Kind = "deadline"
)

// Event is delivered to the handler when a timer fires. Final marks the last
// reminder before the deadline.
type Event struct {
	ProposalID uuid.UUID
	Kind       Kind
	Remaining  time.Duration
	Index      int
	Final      bool
	Generation uint64
}

type Handler func(Event)

// Scheduler owns one set of timers per proposal. A timer that fires after
// its proposal was disarmed or re-armed is dropped by comparing generations,
// since Stop cannot recall a callback that already started.
type Scheduler struct {
	clock   clock.Clock
	handler Handler

	mu      sync.Mutex
	gen     uint64
	entries map[uuid.UUID]*entry
	stopped bool
}

type entry struct {
	gen      uint64
	deadline time.Time
	timers   []clock.Timer
}

func New(c clock.Clock, handler Handler) *Scheduler {
	if c == nil {
		c = clock.Real{}
	}
	return &Scheduler{
		clock:   c,
		handler: handler,
		entries: make(map[uuid.UUID]*entry),
	}
}

// Arm schedules the deadline and up to maxReminders reminders at
// deadline-interval, keeping the intervals closest to the deadline and
// skipping any that are already in the past. Re-arming replaces the previous
// timers. A deadline already in the past fires as soon as possible.
func (s *Scheduler) Arm(id uuid.UUID, deadline time.Time, intervals []time.Duration, maxReminders int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return ErrStopped
	}
	if old, ok := s.entries[id]; ok {
		stopAll(old)
	}
	s.gen++
	e := &entry{gen: s.gen, deadline: deadline}

	untilDeadline := deadline.Sub(s.clock.Now())
	reminders := pickReminders(intervals, untilDeadline, maxReminders)
	for i, iv := range reminders {
		ev := Event{
			ProposalID: id,
			Kind:       KindReminder,
			Remaining:  iv,
			Index:      i + 1,
			Final:      i == len(reminders)-1,
			Generation: e.gen,
		}
		e.timers = append(e.timers, s.clock.AfterFunc(untilDeadline-iv, s.fire(ev)))
	}
	e.timers = append(e.timers, s.clock.AfterFunc(untilDeadline, s.fire(Event{
		ProposalID: id,
		Kind:       KindDeadline,
		Generation: e.gen,
	})))
	s.entries[id] = e
	return nil
}

// pickReminders returns the usable intervals in firing order, longest first.
func pickReminders(intervals []time.Duration, untilDeadline time.Duration, max int) []time.Duration {
	if max <= 0 {
		return nil
	}
	seen := make(map[time.Duration]bool, len(intervals))
	var usable []time.Duration
	for _, iv := range intervals {
		if iv <= 0 || iv >= untilDeadline || seen[iv] {
			continue
		}
		seen[iv] = true
		usable = append(usable, iv)
	}
	sort.Slice(usable, func(i, j int) bool { return usable[i] < usable[j] })
	if len(usable) > max {
		usable = usable[:max]
	}
	for i, j := 0, len(usable)-1; i < j; i, j = i+1, j-1 {
		usable[i], usable[j] = usable[j], usable[i]
	}
	return usable
}

func (s *Scheduler) fire(ev Event) func() {
	return func() {
		s.mu.Lock()
		e, ok := s.entries[ev.ProposalID]
		if !ok || e.gen != ev.Generation || s.stopped {
			s.mu.Unlock()
			return
		}
		if ev.Kind == KindDeadline {
			delete(s.entries, ev.ProposalID)
		}
		s.mu.Unlock()
		s.handler(ev)
	}
}

// Disarm cancels every pending timer of the proposal and reports whether it
// was armed.
func (s *Scheduler) Disarm(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return false
	}
	stopAll(e)
	delete(s.entries, id)
	return true
}

func (s *Scheduler) Armed(id uuid.UUID) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[id]
	return ok
}

// Deadline returns the deadline the proposal is armed with.
func (s *Scheduler) Deadline(id uuid.UUID) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[id]
	if !ok {
		return time.Time{}, false
	}
	return e.deadline, true
}

// Stop cancels everything. Arm fails afterwards.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	for id, e := range s.entries {
		stopAll(e)
		delete(s.entries, id)
	}
}

func stopAll(e *entry) {
	for _, t := range e.timers {
		t.Stop()
	}
}
