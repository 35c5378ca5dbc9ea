package gbn

import (
	"testing"
	"time"
)

func TestMetricsDerivedValues(t *testing.T) {
	m := newMetrics()
	m.startedAt = time.Now().Add(-1 * time.Second)

	m.recordSend(100)
	m.recordSend(100)
	m.recordRetransmit(100)
	m.recordDelivered(100)
	m.recordDelivered(100)
	m.recordRTT(10 * time.Millisecond)
	m.recordRTT(20 * time.Millisecond)
	m.recordRTT(30 * time.Millisecond)

	snap := m.Snapshot()
	if snap.MessagesSent != 2 {
		t.Fatalf("MessagesSent = %d, want 2", snap.MessagesSent)
	}
	if snap.MessagesDelivered != 2 {
		t.Fatalf("MessagesDelivered = %d, want 2", snap.MessagesDelivered)
	}
	if snap.Retransmissions != 1 {
		t.Fatalf("Retransmissions = %d, want 1", snap.Retransmissions)
	}
	if snap.GoodputBps <= 0 {
		t.Fatal("expected positive goodput")
	}
	if snap.AvgRTT != 20*time.Millisecond {
		t.Fatalf("AvgRTT = %v, want 20ms", snap.AvgRTT)
	}
	if snap.RetransmissionsPerKB <= 0 {
		t.Fatal("expected positive retransmissions per kb")
	}
}

func TestMetricsRTTRingBufferBounded(t *testing.T) {
	m := newMetrics()
	for i := 0; i < rttSampleCap*2; i++ {
		m.recordRTT(time.Duration(i) * time.Millisecond)
	}
	if m.rttCount != rttSampleCap {
		t.Fatalf("rttCount = %d, want %d", m.rttCount, rttSampleCap)
	}
	snap := m.Snapshot()
	// Only the most recent rttSampleCap samples should survive, so the
	// average should reflect the back half of the generated sequence.
	if snap.AvgRTT < time.Duration(rttSampleCap)*time.Millisecond {
		t.Fatalf("AvgRTT %v suggests stale samples were retained", snap.AvgRTT)
	}
}
