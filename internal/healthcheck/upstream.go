package healthcheck

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/SkynetNext/sockdispatch/internal/dispatch"
	"github.com/SkynetNext/sockdispatch/internal/middleware"
	"github.com/SkynetNext/sockdispatch/pkg/xlog"
)

// DestinationSource lists the destinations of a dispatcher.
type DestinationSource interface {
	Destinations() []dispatch.DestinationInfo
}

// Monitor periodically checks that destinations with bindings have a
// registered socket, and that upstreams accept TCP connections.
type Monitor struct {
	source     DestinationSource
	upstreams  []string
	tcpTimeout time.Duration
	interval   time.Duration
	log        xlog.Logger

	stopOnce sync.Once
	stopChan chan struct{}
	wg       sync.WaitGroup

	mu        sync.RWMutex
	healthMap map[string]bool // upstream -> healthy
	destState map[dispatch.Destination]bool
}

// NewMonitor creates a monitor. upstreams are host:port addresses.
func NewMonitor(source DestinationSource, interval time.Duration, upstreams ...string) *Monitor {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Monitor{
		source:     source,
		upstreams:  upstreams,
		tcpTimeout: 5 * time.Second,
		interval:   interval,
		log:        xlog.With("monitor"),
		stopChan:   make(chan struct{}),
		healthMap:  make(map[string]bool),
		destState:  make(map[dispatch.Destination]bool),
	}
}

// Start begins periodic health checking
func (m *Monitor) Start() {
	m.wg.Add(1)
	go m.run()
	m.log.Infof("Monitor started (interval: %v)", m.interval)
}

// Stop stops the monitor. It is safe to call more than once.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopChan)
		m.wg.Wait()
		m.log.Infof("Monitor stopped")
	})
}

// IsHealthy returns the health status of an upstream
func (m *Monitor) IsHealthy(upstream string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.healthMap[upstream]
}

// DestinationUp reports whether dest had a socket at the last check.
func (m *Monitor) DestinationUp(dest dispatch.Destination) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.destState[dest]
}

func (m *Monitor) run() {
	defer m.wg.Done()

	// Initial check
	m.CheckNow()

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CheckNow()
		case <-m.stopChan:
			return
		}
	}
}

// CheckNow runs one round of checks.
func (m *Monitor) CheckNow() {
	if m.source != nil {
		m.checkDestinations(m.source.Destinations())
	}
	for _, upstream := range m.upstreams {
		m.updateHealth(upstream, m.checkTCP(upstream))
	}
}

func (m *Monitor) checkDestinations(infos []dispatch.DestinationInfo) {
	seen := make(map[dispatch.Destination]bool, len(infos))

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, info := range infos {
		seen[info.Destination] = true
		was, known := m.destState[info.Destination]
		m.destState[info.Destination] = info.HasSocket

		switch {
		case info.HasSocket && !was && known:
			m.log.Infof("Destination %s is up (socket %d)", info.Destination, info.Cookie)
		case !info.HasSocket && info.Bindings > 0 && (was || !known):
			m.log.Warnf("Destination %s has %d bindings but no socket", info.Destination, info.Bindings)
		}
	}

	for dest := range m.destState {
		if !seen[dest] {
			delete(m.destState, dest)
		}
	}
}

// checkTCP checks TCP backend health
func (m *Monitor) checkTCP(addr string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), m.tcpTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		m.log.Debugf("Upstream %s is unhealthy: %v", addr, err)
		return false
	}
	conn.Close()
	return true
}

// updateHealth updates the health status and metrics
func (m *Monitor) updateHealth(upstream string, healthy bool) {
	m.mu.Lock()
	oldHealthy, known := m.healthMap[upstream]
	m.healthMap[upstream] = healthy
	m.mu.Unlock()

	middleware.SetUpstreamHealth(upstream, healthy)

	if oldHealthy != healthy || !known {
		if healthy {
			m.log.Infof("Upstream %s is now healthy", upstream)
		} else {
			m.log.Warnf("Upstream %s is now unhealthy", upstream)
		}
	}
}
