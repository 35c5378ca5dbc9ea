package gbn

import "math/rand"

// LossInjector decides whether an outbound packet should be silently
// dropped before it reaches the wire. It exists purely for testing the
// sender/receiver state machine under controlled loss; production
// endpoints should leave EndpointConfig.LossInjector nil.
type LossInjector interface {
	// ShouldDrop is called once per outbound packet and returns true if
	// the packet should be discarded instead of written to the socket.
	ShouldDrop() bool
}

// cleanInjector never drops a packet. It is the default used when no
// injector is configured, so production builds pay no cost for the
// loss-simulation machinery.
type cleanInjector struct{}

func (cleanInjector) ShouldDrop() bool { return false }

// NewCleanInjector returns a LossInjector that never drops packets.
func NewCleanInjector() LossInjector { return cleanInjector{} }

const randomLossProb = 0.08

type randomInjector struct {
	rnd *rand.Rand
}

// NewRandomInjector returns a LossInjector that drops each packet
// independently with probability 0.08. seed controls reproducibility;
// state is private to the returned value, never package-global, so
// concurrent endpoints and tests never interfere with one another.
func NewRandomInjector(seed int64) LossInjector {
	return &randomInjector{rnd: rand.New(rand.NewSource(seed))}
}

func (r *randomInjector) ShouldDrop() bool {
	return r.rnd.Float64() < randomLossProb
}

const (
	burstyBaseLoss   = 0.02
	burstyBurstLoss  = 0.25
	burstyBurstChance = 0.10
	burstyMinLen     = 3
	burstyMaxLen     = 8
)

// burstyInjector models a link that is usually quiet but occasionally
// enters a multi-packet burst of elevated loss, similar to a Gilbert-
// Elliott channel. All state lives on the struct so each Endpoint (or
// each test) owns an independent instance.
type burstyInjector struct {
	rnd           *rand.Rand
	inBurst       bool
	burstRemain   int
}

// NewBurstyInjector returns a LossInjector alternating between a quiet
// state (loss probability 0.02) and a burst state (loss probability
// 0.25, lasting 3-8 packets), entering a burst from the quiet state
// with probability 0.10 per packet.
func NewBurstyInjector(seed int64) LossInjector {
	return &burstyInjector{rnd: rand.New(rand.NewSource(seed))}
}

func (b *burstyInjector) ShouldDrop() bool {
	if !b.inBurst {
		if b.rnd.Float64() < burstyBurstChance {
			b.inBurst = true
			b.burstRemain = burstyMinLen + b.rnd.Intn(burstyMaxLen-burstyMinLen+1)
		}
	}
	var p float64
	if b.inBurst {
		p = burstyBurstLoss
		b.burstRemain--
		if b.burstRemain <= 0 {
			b.inBurst = false
		}
	} else {
		p = burstyBaseLoss
	}
	return b.rnd.Float64() < p
}
