// Package health implements background TCP reachability monitoring for the
// configured SSH hosts.
//
// A single goroutine probes every host in parallel at a fixed interval. The
// healthy flag uses hysteresis to debounce flaps: a host is demoted only after
// failureThreshold consecutive failed probes and promoted after
// successThreshold consecutive successes. Registered listeners are invoked on
// transitions only, serialized, and isolated from panics so a bad listener
// cannot halt the monitor.
package health

import (
	"context"
	"log"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/ppops/stub-gateway/internal/registry"
)

const (
	// DefaultFailureThreshold demotes a host after this many consecutive
	// failed probes.
	DefaultFailureThreshold = 2

	// DefaultSuccessThreshold promotes a host after this many consecutive
	// successful probes.
	DefaultSuccessThreshold = 1
)

// Snapshot is a consistent copy of one host's health row, shaped for the
// server_health JSON payloads.
type Snapshot struct {
	ServerName           string `json:"server_name"`
	Host                 string `json:"host"`
	IsHealthy            bool   `json:"is_healthy"`
	LastChecked          string `json:"last_checked"`
	ConsecutiveFailures  int    `json:"consecutive_failures"`
	ConsecutiveSuccesses int    `json:"consecutive_successes"`
}

// Listener receives the alias and new snapshot on every health transition.
type Listener func(alias string, snap Snapshot)

// hostStatus is one mutable health row. Guarded by its own mutex so readers
// always observe a consistent snapshot while the monitor writes.
type hostStatus struct {
	mu                   sync.Mutex
	alias                string
	host                 string
	port                 int
	healthy              bool
	lastChecked          time.Time
	consecutiveFailures  int
	consecutiveSuccesses int
}

func (hs *hostStatus) snapshot() Snapshot {
	hs.mu.Lock()
	defer hs.mu.Unlock()
	snap := Snapshot{
		ServerName:           hs.alias,
		Host:                 hs.host,
		IsHealthy:            hs.healthy,
		ConsecutiveFailures:  hs.consecutiveFailures,
		ConsecutiveSuccesses: hs.consecutiveSuccesses,
	}
	if !hs.lastChecked.IsZero() {
		snap.LastChecked = hs.lastChecked.UTC().Format(time.RFC3339)
	}
	return snap
}

// Options configures a Monitor.
type Options struct {
	ProbeInterval    time.Duration
	ProbeTimeout     time.Duration
	FailureThreshold int
	SuccessThreshold int
}

// Monitor owns the health rows for all registered hosts and the background
// probe loop. The rows live for the process lifetime and are mutated only by
// the monitor goroutine.
type Monitor struct {
	interval         time.Duration
	timeout          time.Duration
	failureThreshold int
	successThreshold int

	hosts map[string]*hostStatus

	mu        sync.Mutex
	listeners []Listener

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Monitor for every host in the registry. Hosts start healthy
// optimistically; the first probe round may demote them.
func New(reg *registry.Registry, opts Options) *Monitor {
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = 30 * time.Second
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 5 * time.Second
	}
	if opts.FailureThreshold <= 0 {
		opts.FailureThreshold = DefaultFailureThreshold
	}
	if opts.SuccessThreshold <= 0 {
		opts.SuccessThreshold = DefaultSuccessThreshold
	}

	m := &Monitor{
		interval:         opts.ProbeInterval,
		timeout:          opts.ProbeTimeout,
		failureThreshold: opts.FailureThreshold,
		successThreshold: opts.SuccessThreshold,
		hosts:            make(map[string]*hostStatus),
	}
	for _, h := range reg.AllHosts() {
		m.hosts[h.Alias] = &hostStatus{
			alias:   h.Alias,
			host:    h.Host,
			port:    h.Port,
			healthy: true,
		}
	}
	return m
}

// Subscribe registers a listener invoked on every health transition.
// Listeners are called from the monitor goroutine; long-running handlers
// should spawn goroutines.
func (m *Monitor) Subscribe(l Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, l)
}

// Start launches the background probe loop. The first round runs immediately.
func (m *Monitor) Start(ctx context.Context) {
	probeCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.done = make(chan struct{})

	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()

		m.probeAll(probeCtx)
		for {
			select {
			case <-probeCtx.Done():
				return
			case <-ticker.C:
				m.probeAll(probeCtx)
			}
		}
	}()

	log.Printf("[health] monitor started (%d hosts, interval %s, timeout %s)",
		len(m.hosts), m.interval, m.timeout)
}

// Stop halts the probe loop and waits for it to exit. No listener is invoked
// after Stop returns.
func (m *Monitor) Stop() {
	if m.cancel == nil {
		return
	}
	m.cancel()
	<-m.done
	m.cancel = nil
	log.Printf("[health] monitor stopped")
}

// transition pairs an alias with the snapshot taken right after its row
// changed health state.
type transition struct {
	alias string
	snap  Snapshot
}

// probeAll probes every host in parallel, then invokes listeners serially for
// each transition observed in this round.
func (m *Monitor) probeAll(ctx context.Context) {
	var (
		wg          sync.WaitGroup
		transMu     sync.Mutex
		transitions []transition
	)

	for _, hs := range m.hosts {
		wg.Add(1)
		go func(hs *hostStatus) {
			defer wg.Done()
			ok := m.probe(ctx, hs.host, hs.port)
			if changed, snap := m.record(hs, ok); changed {
				transMu.Lock()
				transitions = append(transitions, transition{alias: hs.alias, snap: snap})
				transMu.Unlock()
			}
		}(hs)
	}
	wg.Wait()

	if ctx.Err() != nil {
		return
	}
	for _, tr := range transitions {
		m.notify(tr.alias, tr.snap)
	}
}

// probe attempts a TCP connect to host:port within the probe timeout.
// Any error, DNS failures included, counts as a failed probe.
func (m *Monitor) probe(ctx context.Context, host string, port int) bool {
	dialCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// record applies one probe result to a host row and reports whether the
// healthy flag transitioned, along with the post-transition snapshot.
func (m *Monitor) record(hs *hostStatus, ok bool) (bool, Snapshot) {
	hs.mu.Lock()
	hs.lastChecked = time.Now()

	changed := false
	if ok {
		hs.consecutiveSuccesses++
		hs.consecutiveFailures = 0
		if !hs.healthy && hs.consecutiveSuccesses >= m.successThreshold {
			hs.healthy = true
			changed = true
		}
	} else {
		hs.consecutiveFailures++
		hs.consecutiveSuccesses = 0
		if hs.healthy && hs.consecutiveFailures >= m.failureThreshold {
			hs.healthy = false
			changed = true
		}
	}
	hs.mu.Unlock()

	if !changed {
		return false, Snapshot{}
	}
	return true, hs.snapshot()
}

// notify invokes every listener for one transition. A panicking listener is
// logged and isolated; it does not halt the monitor or other listeners.
func (m *Monitor) notify(alias string, snap Snapshot) {
	m.mu.Lock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.Unlock()

	status := "down"
	if snap.IsHealthy {
		status = "up"
	}
	log.Printf("[health] %s is %s (failures=%d successes=%d)",
		alias, status, snap.ConsecutiveFailures, snap.ConsecutiveSuccesses)

	for _, l := range listeners {
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.Printf("[health] listener panic for %s: %v", alias, r)
				}
			}()
			l(alias, snap)
		}()
	}
}

// Snapshot returns the current health row for one alias.
func (m *Monitor) Snapshot(alias string) (Snapshot, bool) {
	hs, ok := m.hosts[alias]
	if !ok {
		return Snapshot{}, false
	}
	return hs.snapshot(), true
}

// Snapshots returns the current health rows for all hosts, keyed by alias.
// Used to build the welcome payload.
func (m *Monitor) Snapshots() map[string]Snapshot {
	out := make(map[string]Snapshot, len(m.hosts))
	for alias, hs := range m.hosts {
		out[alias] = hs.snapshot()
	}
	return out
}
