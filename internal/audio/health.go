package audio

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// StreamStats is a point-in-time read of the health counters.
type StreamStats struct {
	SessionID uuid.UUID
	Latency   time.Duration
	Underruns uint32
	Overruns  uint32
}

// Diagnostics are counter deltas accumulated on the audio thread since the
// previous Drain.
type Diagnostics struct {
	Underruns         uint64
	Overruns          uint64
	DroppedSamples    uint64
	SlowCallbacks     uint64
	HighLatencyEvents uint64
	OutputConditions  uint64
	MaxCallbackTime   time.Duration
}

// Empty reports whether nothing happened since the last drain.
func (d Diagnostics) Empty() bool {
	return d == Diagnostics{}
}

// StreamHealthMonitor holds independently updated atomic counters written
// by the audio callback and read from the control plane. Nothing on the
// write path locks or allocates.
type StreamHealthMonitor struct {
	session atomic.Pointer[uuid.UUID]

	latency   atomic.Int64
	underruns atomic.Uint32
	overruns  atomic.Uint32

	dropped       atomic.Uint64
	slow          atomic.Uint64
	highLatency   atomic.Uint64
	outputCond    atomic.Uint64
	maxCallbackNs atomic.Int64

	// drainMu serializes Drain callers; the audio thread never takes it.
	drainMu sync.Mutex
	last    Diagnostics
}

// NewStreamHealthMonitor returns a monitor with zeroed counters.
func NewStreamHealthMonitor() *StreamHealthMonitor {
	m := &StreamHealthMonitor{}
	m.Reset()
	return m
}

// Reset starts a new capture session. It must not race with the callback.
func (m *StreamHealthMonitor) Reset() uuid.UUID {
	id := uuid.New()
	m.session.Store(&id)
	m.latency.Store(0)
	m.underruns.Store(0)
	m.overruns.Store(0)
	m.dropped.Store(0)
	m.slow.Store(0)
	m.highLatency.Store(0)
	m.outputCond.Store(0)
	m.maxCallbackNs.Store(0)

	m.drainMu.Lock()
	m.last = Diagnostics{}
	m.drainMu.Unlock()
	return id
}

// SessionID identifies the current capture session.
func (m *StreamHealthMonitor) SessionID() uuid.UUID {
	if id := m.session.Load(); id != nil {
		return *id
	}
	return uuid.Nil
}

func (m *StreamHealthMonitor) setLatency(d time.Duration) {
	m.latency.Store(int64(d))
	if d > MaxAllowedLatency {
		m.highLatency.Add(1)
	}
}

func (m *StreamHealthMonitor) addUnderrun() { m.underruns.Add(1) }

func (m *StreamHealthMonitor) addOverruns(n uint32) { m.overruns.Add(n) }

func (m *StreamHealthMonitor) addDropped(n uint64) { m.dropped.Add(n) }

func (m *StreamHealthMonitor) addOutputCondition() { m.outputCond.Add(1) }

func (m *StreamHealthMonitor) observeCallback(d time.Duration) {
	if d > CallbackBudget {
		m.slow.Add(1)
	}
	for {
		cur := m.maxCallbackNs.Load()
		if int64(d) <= cur || m.maxCallbackNs.CompareAndSwap(cur, int64(d)) {
			return
		}
	}
}

// Latency returns the most recent callback latency.
func (m *StreamHealthMonitor) Latency() time.Duration {
	return time.Duration(m.latency.Load())
}

// Underruns returns the session's input underflow count.
func (m *StreamHealthMonitor) Underruns() uint32 { return m.underruns.Load() }

// Overruns returns the session's overflow count, including samples the ring
// buffer could not accept.
func (m *StreamHealthMonitor) Overruns() uint32 { return m.overruns.Load() }

// DroppedSamples returns how many samples the ring buffer rejected.
func (m *StreamHealthMonitor) DroppedSamples() uint64 { return m.dropped.Load() }

// Stats returns a snapshot of the public health fields.
func (m *StreamHealthMonitor) Stats() StreamStats {
	return StreamStats{
		SessionID: m.SessionID(),
		Latency:   m.Latency(),
		Underruns: m.Underruns(),
		Overruns:  m.Overruns(),
	}
}

// Drain returns what changed since the previous call. It is meant for a
// non-real-time goroutine that logs on behalf of the callback.
func (m *StreamHealthMonitor) Drain() Diagnostics {
	m.drainMu.Lock()
	defer m.drainMu.Unlock()

	cur := Diagnostics{
		Underruns:         uint64(m.underruns.Load()),
		Overruns:          uint64(m.overruns.Load()),
		DroppedSamples:    m.dropped.Load(),
		SlowCallbacks:     m.slow.Load(),
		HighLatencyEvents: m.highLatency.Load(),
		OutputConditions:  m.outputCond.Load(),
	}
	delta := Diagnostics{
		Underruns:         cur.Underruns - m.last.Underruns,
		Overruns:          cur.Overruns - m.last.Overruns,
		DroppedSamples:    cur.DroppedSamples - m.last.DroppedSamples,
		SlowCallbacks:     cur.SlowCallbacks - m.last.SlowCallbacks,
		HighLatencyEvents: cur.HighLatencyEvents - m.last.HighLatencyEvents,
		OutputConditions:  cur.OutputConditions - m.last.OutputConditions,
		MaxCallbackTime:   time.Duration(m.maxCallbackNs.Swap(0)),
	}
	m.last = cur
	return delta
}
