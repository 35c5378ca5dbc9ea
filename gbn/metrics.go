package gbn

import (
	"sort"
	"sync"
	"time"
)

// rttSampleCap bounds the number of round-trip-time samples retained
// per connection. Older samples are evicted in ring-buffer fashion so a
// long-lived connection's metrics memory stays constant.
const rttSampleCap = 1024

// Metrics accumulates per-connection counters behind its own mutex,
// disjoint from the sender's state mutex, so Metrics() never blocks on
// in-flight sends.
type Metrics struct {
	mu sync.Mutex

	startedAt time.Time

	bytesSent      uint64
	bytesResent    uint64
	bytesDelivered uint64

	messagesSent      uint64
	messagesDelivered uint64

	retransmissions uint64
	oooPackets      uint64

	rttSamples [rttSampleCap]time.Duration
	rttCount   int
	rttNext    int
}

func newMetrics() *Metrics {
	return &Metrics{startedAt: time.Now()}
}

func (m *Metrics) recordSend(n int) {
	m.mu.Lock()
	m.bytesSent += uint64(n)
	m.messagesSent++
	m.mu.Unlock()
}

func (m *Metrics) recordRetransmit(n int) {
	m.mu.Lock()
	m.bytesResent += uint64(n)
	m.retransmissions++
	m.mu.Unlock()
}

func (m *Metrics) recordDelivered(n int) {
	m.mu.Lock()
	m.bytesDelivered += uint64(n)
	m.messagesDelivered++
	m.mu.Unlock()
}

func (m *Metrics) recordOutOfOrder() {
	m.mu.Lock()
	m.oooPackets++
	m.mu.Unlock()
}

func (m *Metrics) recordRTT(d time.Duration) {
	m.mu.Lock()
	m.rttSamples[m.rttNext] = d
	m.rttNext = (m.rttNext + 1) % rttSampleCap
	if m.rttCount < rttSampleCap {
		m.rttCount++
	}
	m.mu.Unlock()
}

// Snapshot is an immutable copy of a connection's metrics at a point in
// time, including values derived from the raw counters.
type Snapshot struct {
	Duration time.Duration

	BytesSent      uint64
	BytesResent    uint64
	BytesDelivered uint64

	MessagesSent      uint64
	MessagesDelivered uint64

	Retransmissions uint64
	OOOPackets      uint64

	GoodputBps       float64
	GoodputMsgPerSec float64
	AvgRTT           time.Duration
	P95RTT           time.Duration
	RetransmissionsPerKB float64
}

// Snapshot computes a Snapshot from the current accumulator state.
func (m *Metrics) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()

	dur := time.Since(m.startedAt)
	snap := Snapshot{
		Duration:          dur,
		BytesSent:         m.bytesSent,
		BytesResent:       m.bytesResent,
		BytesDelivered:    m.bytesDelivered,
		MessagesSent:      m.messagesSent,
		MessagesDelivered: m.messagesDelivered,
		Retransmissions:   m.retransmissions,
		OOOPackets:        m.oooPackets,
	}

	secs := dur.Seconds()
	if secs > 0 {
		snap.GoodputBps = float64(snap.BytesDelivered) * 8 / secs
		snap.GoodputMsgPerSec = float64(snap.MessagesDelivered) / secs
	}

	if m.rttCount > 0 {
		samples := make([]time.Duration, m.rttCount)
		copy(samples, m.rttSamples[:m.rttCount])
		sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })

		var sum time.Duration
		for _, s := range samples {
			sum += s
		}
		snap.AvgRTT = sum / time.Duration(len(samples))

		idx := int(float64(len(samples))*0.95) - 1
		if idx < 0 {
			idx = 0
		}
		snap.P95RTT = samples[idx]
	}

	if snap.BytesSent > 0 {
		kb := float64(snap.BytesSent) / 1024
		snap.RetransmissionsPerKB = float64(snap.Retransmissions) / kb
	}

	return snap
}
