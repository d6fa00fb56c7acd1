package schedule

import (
	"context"
	"sync"
	"time"
)

// Manual is a Source whose triggers only fire when told to. Schedules are
// still validated exactly like Runner does, so registration errors match.
// It is meant for tests and for embedding the engine without a wall clock.
type Manual struct {
	validator *Runner

	mu       sync.Mutex
	running  bool
	triggers []*ManualTrigger
}

func NewManual() *Manual {
	return &Manual{validator: NewRunner()}
}

func (m *Manual) NewTrigger(spec string, fire func()) (Trigger, error) {
	sched, _, err := m.validator.Compile(spec)
	if err != nil {
		return nil, err
	}
	t := &ManualTrigger{owner: m, spec: spec, fire: fire, next: sched.Next}
	m.mu.Lock()
	m.triggers = append(m.triggers, t)
	m.mu.Unlock()
	return t, nil
}

func (m *Manual) Start() {
	m.mu.Lock()
	m.running = true
	m.mu.Unlock()
}

func (m *Manual) Stop(context.Context) {
	m.mu.Lock()
	m.running = false
	m.mu.Unlock()
}

func (m *Manual) Location() *time.Location { return time.UTC }

// Running reports whether Start was called more recently than Stop.
func (m *Manual) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.running
}

// Tick fires every active trigger once, as if all of them came due together.
// It returns how many fired.
func (m *Manual) Tick() int {
	m.mu.Lock()
	ts := append([]*ManualTrigger(nil), m.triggers...)
	m.mu.Unlock()
	n := 0
	for _, t := range ts {
		if t.Fire() {
			n++
		}
	}
	return n
}

// ManualTrigger is the Trigger handed out by Manual.
type ManualTrigger struct {
	owner *Manual
	spec  string
	fire  func()
	next  func(time.Time) time.Time

	mu     sync.Mutex
	active bool
	fired  int
}

func (t *ManualTrigger) Start() {
	t.mu.Lock()
	t.active = true
	t.mu.Unlock()
}

func (t *ManualTrigger) Stop() {
	t.mu.Lock()
	t.active = false
	t.mu.Unlock()
}

func (t *ManualTrigger) Active() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active
}

func (t *ManualTrigger) Next() time.Time {
	if !t.Active() {
		return time.Time{}
	}
	return t.next(time.Now().UTC())
}

func (t *ManualTrigger) Spec() string { return t.spec }

// Fire invokes the callback synchronously if the trigger is active and its
// source is running. It reports whether the callback ran.
func (t *ManualTrigger) Fire() bool {
	if !t.owner.Running() {
		return false
	}
	t.mu.Lock()
	if !t.active {
		t.mu.Unlock()
		return false
	}
	t.fired++
	fire := t.fire
	t.mu.Unlock()
	fire()
	return true
}

// Fired returns how many times the callback ran.
func (t *ManualTrigger) Fired() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.fired
}
