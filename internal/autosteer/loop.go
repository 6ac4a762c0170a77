package autosteer

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/banshee-data/autosteer/internal/sensorfeed"
	"github.com/banshee-data/autosteer/internal/timeutil"
)

// Link event kinds recorded for each connection transition or fault.
const (
	EventOpened         = "opened"
	EventOpenFailed     = "open_failed"
	EventTransportFault = "transport_fault"
	EventDecodeFault    = "decode_fault"
	EventClosed         = "closed"
)

// Feed is the pull-based sensor source the loop drives. *sensorfeed.Reader
// implements it.
type Feed interface {
	Open() error
	Next() sensorfeed.Result
	Close() error
	SessionID() string
}

// EventRecorder persists link events. Recording failures are logged and
// never stop the loop.
type EventRecorder interface {
	RecordLinkEvent(sessionID, kind, detail string, at time.Time) error
}

// LoopConfig tunes the control loop cadence and reconnect policy.
type LoopConfig struct {
	// Period is the pause between drain passes.
	Period time.Duration
	// Backoff is the first reconnect delay after a fault.
	Backoff time.Duration
	// MaxBackoff caps the reconnect delay.
	MaxBackoff time.Duration
	// MaxDrain bounds the results handled in one pass so a chatty sensor
	// cannot starve cancellation.
	MaxDrain int
}

// DefaultLoopConfig returns the production cadence: a 10ms period and a
// reconnect delay doubling from 250ms to 5s.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		Period:     10 * time.Millisecond,
		Backoff:    250 * time.Millisecond,
		MaxBackoff: 5 * time.Second,
		MaxDrain:   64,
	}
}

func (c LoopConfig) withDefaults() LoopConfig {
	d := DefaultLoopConfig()
	if c.Period <= 0 {
		c.Period = d.Period
	}
	if c.Backoff <= 0 {
		c.Backoff = d.Backoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.MaxBackoff < c.Backoff {
		c.MaxBackoff = c.Backoff
	}
	if c.MaxDrain <= 0 {
		c.MaxDrain = d.MaxDrain
	}
	return c
}

// LinkStats counts what the loop has seen since it started.
type LinkStats struct {
	Connected       bool   `json:"connected"`
	Readings        uint64 `json:"readings"`
	DecodeFaults    uint64 `json:"decode_faults"`
	TransportFaults uint64 `json:"transport_faults"`
	Reconnects      uint64 `json:"reconnects"`
}

// Loop owns a Feed and a Controller and is the only writer of the controller
// state.
type Loop struct {
	feed       Feed
	controller *Controller
	cfg        LoopConfig
	recorder   EventRecorder
	clock      timeutil.Clock

	connected       atomic.Bool
	readings        atomic.Uint64
	decodeFaults    atomic.Uint64
	transportFaults atomic.Uint64
	reconnects      atomic.Uint64
}

// NewLoop wires a feed to a controller. recorder may be nil. The loop shares
// the controller's clock.
func NewLoop(feed Feed, controller *Controller, cfg LoopConfig, recorder EventRecorder) *Loop {
	return &Loop{
		feed:       feed,
		controller: controller,
		cfg:        cfg.withDefaults(),
		recorder:   recorder,
		clock:      controller.clock,
	}
}

// Stats returns a snapshot of the link counters. Safe from any goroutine.
func (l *Loop) Stats() LinkStats {
	return LinkStats{
		Connected:       l.connected.Load(),
		Readings:        l.readings.Load(),
		DecodeFaults:    l.decodeFaults.Load(),
		TransportFaults: l.transportFaults.Load(),
		Reconnects:      l.reconnects.Load(),
	}
}

// Run opens the feed and drives the controller until ctx is done. Failing to
// open the device the first time is fatal and returned wrapped in
// sensorfeed.ErrDeviceUnavailable; every later fault is logged and retried
// with backoff. The feed is closed before Run returns.
func (l *Loop) Run(ctx context.Context) error {
	if err := l.feed.Open(); err != nil {
		l.record("", EventOpenFailed, err.Error())
		return fmt.Errorf("initial open: %w", err)
	}
	l.onOpened()

	defer func() {
		session := l.feed.SessionID()
		if err := l.feed.Close(); err != nil {
			logf("failed to close sensor feed: %v", err)
		}
		if l.connected.Swap(false) {
			l.record(session, EventClosed, "loop stopped")
		}
	}()

	backoff := NewBackoff(l.cfg.Backoff, l.cfg.MaxBackoff)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		if !l.connected.Load() {
			if err := l.feed.Open(); err != nil {
				delay := backoff.Next()
				logf("reopen failed, retrying in %s: %v", delay, err)
				l.record("", EventOpenFailed, err.Error())
				if err := l.wait(ctx, delay); err != nil {
					return err
				}
				continue
			}
			l.reconnects.Add(1)
			l.onOpened()
		}

		if faulted := l.drain(); faulted {
			delay := backoff.Next()
			if err := l.wait(ctx, delay); err != nil {
				return err
			}
			continue
		}
		backoff.Reset()

		l.clock.Sleep(l.cfg.Period)
	}
}

// drain applies every result that is ready, in arrival order. It reports
// whether the connection was lost.
func (l *Loop) drain() (faulted bool) {
	for i := 0; i < l.cfg.MaxDrain; i++ {
		res := l.feed.Next()
		switch res.Kind {
		case sensorfeed.ResultEmpty:
			return false

		case sensorfeed.ResultReading:
			l.readings.Add(1)
			l.controller.Apply(res.Reading)

		case sensorfeed.ResultDecodeFault:
			l.decodeFaults.Add(1)
			logf("discarding sensor line %q: %v", res.Line, res.Err)
			l.record(l.feed.SessionID(), EventDecodeFault, res.Err.Error())

		case sensorfeed.ResultTransportFault:
			l.transportFaults.Add(1)
			l.connected.Store(false)
			logf("sensor link lost, keeping last command: %v", res.Err)
			l.record(l.feed.SessionID(), EventTransportFault, res.Err.Error())
			if err := l.feed.Close(); err != nil {
				logf("failed to close faulted feed: %v", err)
			}
			return true
		}
	}
	return false
}

func (l *Loop) onOpened() {
	l.connected.Store(true)
	l.record(l.feed.SessionID(), EventOpened, "")
}

func (l *Loop) wait(ctx context.Context, d time.Duration) error {
	timer := l.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C():
		return nil
	}
}

func (l *Loop) record(sessionID, kind, detail string) {
	if l.recorder == nil {
		return
	}
	if err := l.recorder.RecordLinkEvent(sessionID, kind, detail, l.clock.Now()); err != nil {
		logf("failed to record %s event: %v", kind, err)
	}
}
