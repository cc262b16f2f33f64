// Package connectivity observes network reachability to the SafeTrail
// server.
package connectivity

import (
	"context"
	"log"
	"sync"
	"time"
)

// Prober checks reachability once. The API client's Ping satisfies it.
type Prober interface {
	Probe(ctx context.Context) error
}

// ProberFunc adapts a function to the Prober interface.
type ProberFunc func(ctx context.Context) error

// Probe implements Prober.
func (f ProberFunc) Probe(ctx context.Context) error {
	return f(ctx)
}

// Monitor polls reachability and exposes the current state plus an
// edge-triggered signal that fires once per offline-to-online transition.
type Monitor struct {
	prober   Prober
	interval time.Duration

	mu     sync.Mutex
	online bool

	reconnected chan struct{}
	cancel      context.CancelFunc
	ctx         context.Context
	done        chan struct{}
}

// NewMonitor creates a connectivity monitor polling at the given interval.
func NewMonitor(prober Prober, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 15 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Monitor{
		prober:      prober,
		interval:    interval,
		online:      true,
		reconnected: make(chan struct{}, 1),
		ctx:         ctx,
		cancel:      cancel,
		done:        make(chan struct{}),
	}
}

// Run polls until Stop is called. This should be called in a goroutine.
func (m *Monitor) Run() {
	defer close(m.done)

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	m.probe()
	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.probe()
		}
	}
}

// Stop terminates the polling loop.
func (m *Monitor) Stop() {
	m.cancel()
	<-m.done
}

// Online reports the last observed reachability state.
func (m *Monitor) Online() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// Reconnected returns a channel that receives once per offline-to-online
// transition.
func (m *Monitor) Reconnected() <-chan struct{} {
	return m.reconnected
}

func (m *Monitor) probe() {
	ctx, cancel := context.WithTimeout(m.ctx, m.interval)
	defer cancel()

	err := m.prober.Probe(ctx)

	m.mu.Lock()
	wasOnline := m.online
	m.online = err == nil
	nowOnline := m.online
	m.mu.Unlock()

	switch {
	case !wasOnline && nowOnline:
		log.Println("Connectivity restored")
		select {
		case m.reconnected <- struct{}{}:
		default:
		}
	case wasOnline && !nowOnline:
		log.Printf("Connectivity lost: %v", err)
	}
}
