package rentdesk

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ============================================================================
// Network Status Monitor
// ============================================================================

// NetworkStatus is a snapshot of connectivity.
type NetworkStatus struct {
	Online        bool
	LastChangedAt time.Time
}

// NetworkMonitor tracks whether the backend is reachable and notifies
// subscribers on every transition. It is a pure observer: state changes only
// through SetOnline, which Watch drives from a Probe.
type NetworkMonitor struct {
	mu     sync.RWMutex
	status NetworkStatus
	subs   map[int]func(NetworkStatus)
	nextID int
	now    func() time.Time
}

// NewNetworkMonitor creates a monitor with the given initial state.
func NewNetworkMonitor(online bool) *NetworkMonitor {
	return &NetworkMonitor{
		status: NetworkStatus{Online: online, LastChangedAt: time.Now()},
		subs:   make(map[int]func(NetworkStatus)),
		now:    time.Now,
	}
}

// Status returns the current snapshot.
func (m *NetworkMonitor) Status() NetworkStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

// IsOnline reports the current connectivity.
func (m *NetworkMonitor) IsOnline() bool {
	return m.Status().Online
}

// SetOnline records a connectivity change. Repeating the current state is a no-op.
func (m *NetworkMonitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.status.Online == online {
		m.mu.Unlock()
		return
	}
	m.status = NetworkStatus{Online: online, LastChangedAt: m.now()}
	st := m.status
	subs := make([]func(NetworkStatus), 0, len(m.subs))
	for _, fn := range m.subs {
		subs = append(subs, fn)
	}
	m.mu.Unlock()

	for _, fn := range subs {
		func() {
			defer func() { recover() }() // a broken subscriber must not stop the others
			fn(st)
		}()
	}
}

// Subscribe registers fn for every transition and returns its unsubscribe func.
func (m *NetworkMonitor) Subscribe(fn func(NetworkStatus)) func() {
	m.mu.Lock()
	id := m.nextID
	m.nextID++
	m.subs[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, id)
		m.mu.Unlock()
	}
}

// Watch probes connectivity until ctx is done. While online the probe runs
// every interval; while offline it backs off exponentially up to interval*8
// so a recovered backend is noticed quickly without hammering a dead one.
func (m *NetworkMonitor) Watch(ctx context.Context, probe Probe, interval time.Duration, logger *slog.Logger) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	recon := &reconnector{baseDelay: time.Second, maxDelay: interval * 8}

	for {
		err := probe.Probe(ctx)
		if ctx.Err() != nil {
			return
		}
		online := err == nil
		if online != m.IsOnline() {
			logger.Info("connectivity changed", "online", online, "error", err)
		}
		m.SetOnline(online)

		delay := interval
		if online {
			recon.reset()
		} else {
			delay = recon.nextDelay()
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay time.Duration
	maxDelay  time.Duration
	attempt   int
}

func (r *reconnector) nextDelay() time.Duration {
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

func (r *reconnector) reset() {
	r.attempt = 0
}

// ============================================================================
// Probes
// ============================================================================

// Probe reports whether the backend can be reached. Any error means offline.
type Probe interface {
	Probe(ctx context.Context) error
}

// HTTPProbe issues a HEAD request; any HTTP response, whatever its status,
// proves the network path works.
type HTTPProbe struct {
	URL     string
	Client  *http.Client
	Timeout time.Duration
}

func (p *HTTPProbe) Probe(ctx context.Context) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, p.URL, nil)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("probe: %w", err)
	}
	resp.Body.Close()
	return nil
}

// WebSocketProbe keeps one WebSocket open to the backend and pings it on
// every probe. A failed ping drops the connection; the next probe redials.
type WebSocketProbe struct {
	URL        string
	HTTPClient *http.Client
	Timeout    time.Duration

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewWebSocketProbe derives the ws:// or wss:// endpoint from an HTTP base URL.
func NewWebSocketProbe(baseURL, path string) *WebSocketProbe {
	wsURL := strings.Replace(baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	return &WebSocketProbe{URL: strings.TrimRight(wsURL, "/") + path}
}

func (p *WebSocketProbe) Probe(ctx context.Context) error {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.conn == nil {
		conn, _, err := websocket.Dial(ctx, p.URL, &websocket.DialOptions{HTTPClient: p.HTTPClient})
		if err != nil {
			return fmt.Errorf("websocket dial: %w", err)
		}
		// Control frames (pong) are only processed while something reads.
		conn.CloseRead(context.Background())
		p.conn = conn
	}

	if err := p.conn.Ping(ctx); err != nil {
		p.conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
		p.conn = nil
		return fmt.Errorf("websocket ping: %w", err)
	}
	return nil
}

// Close releases the probe's connection.
func (p *WebSocketProbe) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.conn == nil {
		return nil
	}
	err := p.conn.Close(websocket.StatusNormalClosure, "probe closed")
	p.conn = nil
	return err
}
