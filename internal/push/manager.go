// Package push maintains one persistent WebSocket subscription per enabled
// instance. Decoded events never touch the published snapshots directly;
// they accumulate as hints the snapshot builder consumes on the next poll
// cycle.
package push

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/unklstewy/nina-display/internal/conn"
	"github.com/unklstewy/nina-display/internal/events"
	"github.com/unklstewy/nina-display/internal/nina"
	"github.com/unklstewy/nina-display/internal/perf"
	"github.com/unklstewy/nina-display/internal/status"
)

const (
	// maxBackoff caps the reconnect delay.
	maxBackoff = 30 * time.Second
	// backoffCap bounds the exponent of the reconnect delay.
	backoffCap = 5
	// dialTimeout bounds one connection attempt.
	dialTimeout = 10 * time.Second
)

// Event type discriminators the manager acts on.
const (
	evtImageSave         = "IMAGE-SAVE"
	evtFilterChanged     = "FILTERWHEEL-CHANGED"
	evtSequenceStarting  = "SEQUENCE-STARTING"
	evtSequenceFinished  = "SEQUENCE-FINISHED"
	evtGuiderDither      = "GUIDER-DITHER"
	evtGuiderStart       = "GUIDER-START"
	evtSafetyChanged     = "SAFETY-CHANGED"
)

// pushMessage is the wire envelope of one socket event.
type pushMessage struct {
	Response struct {
		Event string `json:"Event"`

		// IMAGE-SAVE payload
		ImageStatistics *struct {
			HFR          float64 `json:"HFR"`
			Stars        int     `json:"Stars"`
			ExposureTime float64 `json:"ExposureTime"`
			TargetName   string  `json:"TargetName"`
		} `json:"ImageStatistics"`

		// FILTERWHEEL-CHANGED payload
		New *struct {
			Name string `json:"Name"`
		} `json:"New"`

		// SAFETY-CHANGED payload
		IsSafe *bool `json:"IsSafe"`
	} `json:"Response"`
}

type instanceState struct {
	cancel  context.CancelFunc
	hints   status.Hints
	refresh bool
}

// Manager owns the per-instance socket goroutines and their hint mailboxes.
type Manager struct {
	tracker *conn.Tracker
	log     *events.Log
	monitor *perf.Monitor
	logger  *zap.Logger

	mu        sync.Mutex
	instances []instanceState
	wg        sync.WaitGroup

	dial func(ctx context.Context, url string) (*websocket.Conn, error)
}

// NewManager creates a manager for the given number of instances.
func NewManager(instances int, tracker *conn.Tracker, log *events.Log, monitor *perf.Monitor, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		tracker:   tracker,
		log:       log,
		monitor:   monitor,
		logger:    logger.With(zap.String("subsystem", "push")),
		instances: make([]instanceState, instances),
		dial: func(ctx context.Context, url string) (*websocket.Conn, error) {
			dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
			defer cancel()
			c, _, err := websocket.DefaultDialer.DialContext(dialCtx, url, nil)
			return c, err
		},
	}
}

// Start opens the push channel for an instance, replacing any running one.
// The subscription is held until Stop or context cancellation, reconnecting
// with exponential backoff.
func (m *Manager) Start(ctx context.Context, instance int, rawURL string) error {
	wsURL, err := nina.WebSocketURL(rawURL)
	if err != nil {
		return err
	}

	m.Stop(instance)

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.instances[instance].cancel = cancel
	m.mu.Unlock()

	m.wg.Add(1)
	go m.run(runCtx, instance, wsURL)
	return nil
}

// Stop closes an instance's push channel.
func (m *Manager) Stop(instance int) {
	if instance < 0 || instance >= len(m.instances) {
		return
	}
	m.mu.Lock()
	cancel := m.instances[instance].cancel
	m.instances[instance].cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Close stops every channel and waits for the readers to exit.
func (m *Manager) Close() {
	for i := range m.instances {
		m.Stop(i)
	}
	m.wg.Wait()
}

// TakeHints drains the instance's accumulated hints and the targeted-refresh
// flag. Called by the scheduler once per cycle.
func (m *Manager) TakeHints(instance int) (status.Hints, bool) {
	if instance < 0 || instance >= len(m.instances) {
		return status.Hints{}, false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	h := m.instances[instance].hints
	refresh := m.instances[instance].refresh
	m.instances[instance].hints = status.Hints{}
	m.instances[instance].refresh = false
	return h, refresh
}

// Requeue merges previously drained hints back into the mailbox after a
// failed poll. Observations that arrived since the drain are newer and win
// over the requeued ones.
func (m *Manager) Requeue(instance int, hints status.Hints, refresh bool) {
	if instance < 0 || instance >= len(m.instances) {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cur := &m.instances[instance].hints

	cur.NewImage = cur.NewImage || hints.NewImage
	if cur.ImageExposureS == 0 {
		cur.ImageExposureS = hints.ImageExposureS
	}
	if cur.FilterChanged == "" {
		cur.FilterChanged = hints.FilterChanged
	}
	if !cur.SafetyKnown && hints.SafetyKnown {
		cur.SafetyKnown = true
		cur.SafetySafe = hints.SafetySafe
	}
	if !cur.DitherKnown && hints.DitherKnown {
		cur.DitherKnown = true
		cur.Dithering = hints.Dithering
	}
	m.instances[instance].refresh = m.instances[instance].refresh || refresh
}

// run is the per-instance connect/read loop.
func (m *Manager) run(ctx context.Context, instance int, wsURL string) {
	defer m.wg.Done()
	logger := m.logger.With(zap.Int("instance", instance), zap.String("url", wsURL))

	failures := 0
	for ctx.Err() == nil {
		c, err := m.dial(ctx, wsURL)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			delay := Backoff(failures)
			failures++
			if m.monitor != nil {
				m.monitor.IncWSReconnect(strconv.Itoa(instance))
			}
			logger.Debug("Push channel dial failed",
				zap.Error(err),
				zap.Duration("retry_in", delay))
			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}

		failures = 0
		logger.Info("Push channel connected")
		m.tracker.ReportWS(instance, true)
		m.tracker.SetStaticDataReady(instance, false)
		m.requestRefresh(instance)

		m.readLoop(ctx, instance, c, logger)

		c.Close()
		m.tracker.ReportWS(instance, false)
		if ctx.Err() == nil {
			logger.Warn("Push channel disconnected")
		}
	}
}

// readLoop consumes frames until the socket errors or the context ends.
func (m *Manager) readLoop(ctx context.Context, instance int, c *websocket.Conn, logger *zap.Logger) {
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			c.Close()
		case <-done:
		}
	}()

	for {
		_, payload, err := c.ReadMessage()
		if err != nil {
			return
		}
		m.handleMessage(instance, payload, logger)
	}
}

func (m *Manager) handleMessage(instance int, payload []byte, logger *zap.Logger) {
	var msg pushMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.Response.Event == "" {
		if m.monitor != nil {
			m.monitor.IncUnknownPushEvent()
		}
		return
	}

	switch msg.Response.Event {
	case evtImageSave:
		m.mu.Lock()
		m.instances[instance].hints.NewImage = true
		if st := msg.Response.ImageStatistics; st != nil && st.ExposureTime > 0 {
			m.instances[instance].hints.ImageExposureS = st.ExposureTime
		}
		m.mu.Unlock()
		logger.Debug("Image saved")

	case evtFilterChanged:
		if msg.Response.New != nil && msg.Response.New.Name != "" {
			m.mu.Lock()
			m.instances[instance].hints.FilterChanged = msg.Response.New.Name
			m.mu.Unlock()
			logger.Debug("Filter changed", zap.String("filter", msg.Response.New.Name))
		}

	case evtSequenceStarting:
		m.log.Addf(events.SeverityInfo, instance, "Sequence starting")
		m.requestRefresh(instance)

	case evtSequenceFinished:
		m.log.Addf(events.SeveritySuccess, instance, "Sequence finished")
		m.requestRefresh(instance)

	case evtGuiderDither:
		m.setDither(instance, true)

	case evtGuiderStart:
		m.setDither(instance, false)

	case evtSafetyChanged:
		if msg.Response.IsSafe != nil {
			m.mu.Lock()
			m.instances[instance].hints.SafetyKnown = true
			m.instances[instance].hints.SafetySafe = *msg.Response.IsSafe
			m.mu.Unlock()
		}

	default:
		if m.monitor != nil {
			m.monitor.IncUnknownPushEvent()
		}
		logger.Debug("Unhandled push event", zap.String("event", msg.Response.Event))
	}
}

func (m *Manager) setDither(instance int, dithering bool) {
	m.mu.Lock()
	m.instances[instance].hints.DitherKnown = true
	m.instances[instance].hints.Dithering = dithering
	m.mu.Unlock()
}

func (m *Manager) requestRefresh(instance int) {
	m.mu.Lock()
	m.instances[instance].refresh = true
	m.mu.Unlock()
}

// Backoff returns the reconnect delay after n consecutive failures:
// min(30s, 2^n seconds) with the exponent capped.
func Backoff(n int) time.Duration {
	if n > backoffCap {
		n = backoffCap
	}
	d := time.Duration(1<<uint(n)) * time.Second
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}
