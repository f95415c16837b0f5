// Package app wires every coordinator component into a runnable process
// and manages its startup/shutdown ordering. The priority-ordered
// start/stop manager is adapted from the teacher's
// pkg/node/lifecycle.go LifecycleManager: services start in ascending
// priority order and stop in descending (reverse) order, the same
// registration/start-all/stop-all shape, generalized from an Ethereum
// client's subsystems (p2p, consensus, rpc) to the coordinator's own
// (bus, reaper, metrics listener, HTTP listener).
package app

import (
	"fmt"
	"sort"
	"sync"
)

// Service is a subsystem the lifecycle manager can start and stop.
type Service interface {
	Start() error
	Stop() error
	Name() string
}

type serviceEntry struct {
	svc      Service
	priority int
	running  bool
}

// Lifecycle starts registered services in ascending priority order and
// stops them in descending order, so e.g. the HTTP listener (high
// priority number, starts last) never accepts a request before its
// dependencies (bus, reaper -- low priority numbers, start first) are
// up, and shuts down before them too.
type Lifecycle struct {
	mu       sync.Mutex
	services []*serviceEntry
}

// NewLifecycle builds an empty Lifecycle.
func NewLifecycle() *Lifecycle {
	return &Lifecycle{}
}

// Register adds a service with the given start priority (lower starts
// first, stops last).
func (l *Lifecycle) Register(svc Service, priority int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.services = append(l.services, &serviceEntry{svc: svc, priority: priority})
}

// StartAll starts every registered service in priority order, stopping
// and unwinding already-started services if one fails.
func (l *Lifecycle) StartAll() error {
	l.mu.Lock()
	ordered := l.sortedLocked()
	l.mu.Unlock()

	for _, entry := range ordered {
		if err := entry.svc.Start(); err != nil {
			l.StopAll()
			return fmt.Errorf("start %s: %w", entry.svc.Name(), err)
		}
		entry.running = true
	}
	return nil
}

// StopAll stops every running service in reverse priority order,
// collecting (not short-circuiting on) individual failures.
func (l *Lifecycle) StopAll() []error {
	l.mu.Lock()
	ordered := l.sortedLocked()
	l.mu.Unlock()

	var errs []error
	for i := len(ordered) - 1; i >= 0; i-- {
		entry := ordered[i]
		if !entry.running {
			continue
		}
		if err := entry.svc.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop %s: %w", entry.svc.Name(), err))
		}
		entry.running = false
	}
	return errs
}

func (l *Lifecycle) sortedLocked() []*serviceEntry {
	sorted := make([]*serviceEntry, len(l.services))
	copy(sorted, l.services)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].priority < sorted[j].priority })
	return sorted
}
