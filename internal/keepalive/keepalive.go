// Package keepalive probes session liveness and drives remote endpoint
// reconnection.
//
// The controller sends a PING on every interval and matches PONGs by probe
// id, folding the round-trip time into the session's latency statistics and
// reporting it to the client as a NETWORK_LATENCY frame. A session whose
// probes go unanswered past the stall deadline is declared stalled, which
// the relay turns into the reconnecting state.
package keepalive

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/shan-hee/EasySSH-sub011/internal/metrics"
	"github.com/shan-hee/EasySSH-sub011/internal/protocol"
	"github.com/shan-hee/EasySSH-sub011/internal/session"
)

// DefaultInterval is the probe period when none is configured.
const DefaultInterval = 30 * time.Second

// StallFunc is called exactly once when the session's probes stall.
type StallFunc func(reason string)

// Controller runs the keepalive loop for one session.
type Controller struct {
	sess            *session.Session
	interval        time.Duration
	timeoutMultiple int
	collector       *metrics.RelayCollector // optional
	onStall         StallFunc

	mu          sync.Mutex
	outstanding map[string]time.Time // probe id -> send time
	lastReply   time.Time
	stalled     bool

	now func() time.Time // test hook
}

// NewController creates a keepalive controller. interval <= 0 selects
// DefaultInterval; timeoutMultiple < 1 is clamped to 3.
func NewController(sess *session.Session, interval time.Duration, timeoutMultiple int, collector *metrics.RelayCollector, onStall StallFunc) *Controller {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if timeoutMultiple < 1 {
		timeoutMultiple = 3
	}
	return &Controller{
		sess:            sess,
		interval:        interval,
		timeoutMultiple: timeoutMultiple,
		collector:       collector,
		onStall:         onStall,
		outstanding:     make(map[string]time.Time),
		lastReply:       time.Now(),
		now:             time.Now,
	}
}

// Run probes on every interval until the context is cancelled or the session
// stalls. It blocks; the relay runs it in its own goroutine.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if c.CheckStall() {
				return
			}
			if err := c.SendProbe(ctx); err != nil {
				log.Printf("[keepalive] session %s: probe write failed: %v", c.sess.ID, err)
			}
		}
	}
}

// SendProbe emits one PING frame and records the outstanding probe.
func (c *Controller) SendProbe(ctx context.Context) error {
	id := uuid.NewString()
	now := c.now()

	c.mu.Lock()
	c.outstanding[id] = now
	c.mu.Unlock()

	return c.sess.WriteFrame(ctx, protocol.MsgPing, protocol.PingHeader{
		ProbeID:    id,
		ClientTime: now.UnixMilli(),
	}, nil)
}

// HandlePong matches a PONG to its probe, records the round trip, and pushes
// a latency report to the client. A pong for an unknown probe id falls back
// to the echoed send time, so latency probes initiated by the client are
// still measured.
func (c *Controller) HandlePong(ctx context.Context, hdr protocol.PingHeader) {
	now := c.now()

	c.mu.Lock()
	sent, known := c.outstanding[hdr.ProbeID]
	if known {
		delete(c.outstanding, hdr.ProbeID)
	}
	c.lastReply = now
	c.mu.Unlock()

	if !known {
		if hdr.ClientTime == 0 {
			return
		}
		sent = time.UnixMilli(hdr.ClientTime)
	}
	rtt := now.Sub(sent)
	if rtt < 0 {
		return
	}

	c.sess.RecordRTT(rtt)
	if c.collector != nil {
		c.collector.PingRTT(rtt.Seconds())
	}

	ls := c.sess.Latency()
	if err := c.sess.WriteFrame(ctx, protocol.MsgNetworkLatency, protocol.LatencyHeader{
		RTTMillis: float64(ls.LastRTT) / float64(time.Millisecond),
		AvgMillis: float64(ls.AvgRTT) / float64(time.Millisecond),
		MinMillis: float64(ls.MinRTT) / float64(time.Millisecond),
		MaxMillis: float64(ls.MaxRTT) / float64(time.Millisecond),
		Samples:   ls.Samples,
	}, nil); err != nil {
		log.Printf("[keepalive] session %s: latency report failed: %v", c.sess.ID, err)
	}
}

// CheckStall reports whether the session has gone quiet past the deadline:
// an outstanding probe older than timeoutMultiple intervals with no reply of
// any kind in that window. The stall callback fires once; subsequent calls
// keep returning true without firing.
func (c *Controller) CheckStall() bool {
	deadline := time.Duration(c.timeoutMultiple) * c.interval

	c.mu.Lock()
	if c.stalled {
		c.mu.Unlock()
		return true
	}
	now := c.now()
	quiet := now.Sub(c.lastReply)
	pending := len(c.outstanding)
	var oldest time.Duration
	for _, sent := range c.outstanding {
		if age := now.Sub(sent); age > oldest {
			oldest = age
		}
	}
	if pending == 0 || quiet < deadline || oldest < deadline {
		c.mu.Unlock()
		return false
	}
	c.stalled = true
	c.mu.Unlock()

	log.Printf("[keepalive] session %s: no pong for %s (%d probes outstanding)", c.sess.ID, quiet.Round(time.Millisecond), pending)
	if c.onStall != nil {
		c.onStall("keepalive timeout")
	}
	return true
}

// Outstanding returns the number of unanswered probes.
func (c *Controller) Outstanding() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.outstanding)
}
