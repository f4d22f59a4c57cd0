// Package path implements a single SRTLA path: its registration state
// machine, inflight tracking, scaled congestion window, RTT estimation,
// and the score used by the engine's selection algorithm.
//
// A Path is not safe for unsynchronized concurrent use on its own. The
// engine touches every Path only while holding its path-table mutex, so
// Path carries no lock of its own — see engine.Engine for the boundary.
package path

import (
	"net"
	"time"
)

// State is the path's registration/lifecycle state.
type State int

const (
	Disconnected State = iota
	RegisteringReg1
	RegisteringReg2
	Connected
	Zombie
	Failed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case RegisteringReg1:
		return "registering_reg1"
	case RegisteringReg2:
		return "registering_reg2"
	case Connected:
		return "connected"
	case Zombie:
		return "zombie"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Window scaling and bounds, bit-exact with the SRTLA reference.
const (
	WindowMult    = 1000
	WindowMin     = 1 * WindowMult
	WindowMax     = 60 * WindowMult
	WindowDefault = 20 * WindowMult

	nakPenalty         = 100
	congestedIncrement = 29

	// PathTimeout is the activity gap after which a Connected path becomes
	// ineligible for selection and is recovered via re-registration.
	PathTimeout = 4000 * time.Millisecond
	// ZombieTTL is how long a removed path's socket is still read before
	// it is destroyed and its virtual IP released.
	ZombieTTL = 15000 * time.Millisecond
	// RegTimeout is how long a path may sit in a Registering state before
	// the engine restarts it at REG1.
	RegTimeout = 5 * time.Second
)

// Stats is a point-in-time, read-only snapshot of a path's counters, used
// by the external stats_snapshot API.
type Stats struct {
	VirtualIP   string
	Type        string
	Weight      int
	State       State
	Window      int
	Inflight    int
	RTTMs       float64
	BytesSent   uint64
	PacketsSent uint64
	NakCount    uint32
	AckCount    uint32
	Score       int
	BitrateBps  float64
}

// Path is one egress socket bound to one network interface.
type Path struct {
	Conn      net.Conn
	VirtualIP string
	Type      string
	Weight    int

	state      State
	zombieAt   time.Time
	regAt      time.Time
	lastActive time.Time

	window   int
	inflight map[uint32]time.Time // seq -> send time, for RTT sampling

	smoothRTT float64
	fastRTT   float64

	bytesSent   uint64
	packetsSent uint64
	nakCount    uint32
	ackCount    uint32

	// bitrate sampling window (SPEC_FULL expansion #1)
	sampleBytes uint64
	sampleAt    time.Time
	bitrateBps  float64
}

// New creates a Path in the Disconnected state with a default window.
func New(conn net.Conn, virtualIP, typeTag string, weight int, now time.Time) *Path {
	return &Path{
		Conn:       conn,
		VirtualIP:  virtualIP,
		Type:       typeTag,
		Weight:     weight,
		state:      Disconnected,
		window:     WindowDefault,
		inflight:   make(map[uint32]time.Time),
		smoothRTT:  100,
		fastRTT:    100,
		lastActive: now,
		sampleAt:   now,
	}
}

// State returns the path's current registration state.
func (p *Path) State() State { return p.state }

// SetState transitions the path to state. Callers (the engine) are
// responsible for the legality of the transition.
func (p *Path) SetState(state State) { p.state = state }

// Window returns the current scaled congestion window.
func (p *Path) Window() int { return p.window }

// Inflight returns the number of unacknowledged, un-NAKed sequences this
// path has transmitted.
func (p *Path) Inflight() int { return len(p.inflight) }

// LastActive returns the timestamp of the most recent send or receive.
func (p *Path) LastActive() time.Time { return p.lastActive }

// Touch stamps last-activity without otherwise changing any counters; used
// for KEEPALIVE and any other liveness-only signal.
func (p *Path) Touch(now time.Time) { p.lastActive = now }

// MarkStale forces the path to look inactive immediately, used after a
// send failure so the path is picked up by timeout-driven re-registration
// instead of being selected again right away.
func (p *Path) MarkStale() { p.lastActive = time.Time{} }

// IsTimedOut reports whether the path has gone quiet for longer than
// PathTimeout.
func (p *Path) IsTimedOut(now time.Time) bool {
	return now.Sub(p.lastActive) > PathTimeout
}

// Eligible reports whether the path may be selected for outgoing traffic:
// Connected and not timed out.
func (p *Path) Eligible(now time.Time) bool {
	return p.state == Connected && !p.IsTimedOut(now)
}

// Score is the selection heuristic window/(inflight+1). Zero when the path
// is not Connected or has timed out.
func (p *Path) Score(now time.Time) int {
	if !p.Eligible(now) {
		return 0
	}
	return p.window / (len(p.inflight) + 1)
}

// OnSent records that the path transmitted seq carrying n bytes.
func (p *Path) OnSent(seq uint32, n int, now time.Time) {
	p.inflight[seq] = now
	p.packetsSent++
	p.bytesSent += uint64(n)
	p.sampleBytes += uint64(n)
	p.lastActive = now
}

// OnSRTAck applies a cumulative SRT ACK: every inflight sequence whose
// signed 32-bit difference ack_sn-seq is >= 0 is pruned, so wraparound of
// the 32-bit counter is handled. The
// window is never touched here — SRT ACKs only clean up stale inflight
// bookkeeping, they carry no congestion signal of their own.
func (p *Path) OnSRTAck(ackSN uint32, now time.Time) {
	var removed bool
	for seq := range p.inflight {
		diff := int32(ackSN - seq)
		if diff >= 0 {
			delete(p.inflight, seq)
			removed = true
		}
	}
	if removed {
		p.lastActive = now
	}
}

// OnSRTNak applies an SRT NAK for seq. If this path owns seq, it is
// dropped from inflight and the window is cut by a fixed penalty, floored
// at WindowMin. If the path never sent seq, this is a no-op: some other
// path owns it.
func (p *Path) OnSRTNak(seq uint32, now time.Time) {
	if _, ok := p.inflight[seq]; !ok {
		return
	}
	delete(p.inflight, seq)
	p.window -= nakPenalty
	if p.window < WindowMin {
		p.window = WindowMin
	}
	p.nakCount++
	p.lastActive = now
}

// OnSRTLAAck applies an SRTLA-ACK for seq. If this path sent seq, it is
// pruned from inflight, an RTT sample is folded in, and the window grows
// by congestedIncrement when the path is currently congested
// (inflight*WindowMult > window). Unconditionally — regardless of
// ownership — the window also grows by 1, saturating at WindowMax: any
// SRTLA-ACK on this path certifies it is alive, even for a sequence sent
// elsewhere.
func (p *Path) OnSRTLAAck(seq uint32, now time.Time) {
	if sentAt, ok := p.inflight[seq]; ok {
		delete(p.inflight, seq)

		rtt := float64(now.Sub(sentAt).Milliseconds())
		p.smoothRTT = p.smoothRTT*0.875 + rtt*0.125
		p.fastRTT = p.fastRTT*0.75 + rtt*0.25

		if len(p.inflight)*WindowMult > p.window {
			p.window += congestedIncrement
		}
		p.ackCount++
		p.lastActive = now
	}

	p.window++
	if p.window > WindowMax {
		p.window = WindowMax
	}
}

// ResetWindow restores the default window and clears inflight tracking.
func (p *Path) ResetWindow() {
	p.window = WindowDefault
	p.inflight = make(map[uint32]time.Time)
}

// ClearInflight drops all inflight tracking without touching the window,
// used when a peer path leaves and would otherwise hold stale entries that
// can never be SRTLA-ACKed.
func (p *Path) ClearInflight() {
	p.inflight = make(map[uint32]time.Time)
}

// MarkZombie transitions the path to Zombie, recording the time for TTL
// expiry.
func (p *Path) MarkZombie(now time.Time) {
	p.state = Zombie
	p.zombieAt = now
}

// ZombieExpired reports whether a Zombie path has outlived ZombieTTL.
func (p *Path) ZombieExpired(now time.Time) bool {
	return p.state == Zombie && now.Sub(p.zombieAt) > ZombieTTL
}

// MarkRegistering transitions the path into RegisteringReg1 and stamps the
// registration deadline clock.
func (p *Path) MarkRegistering(now time.Time) {
	p.state = RegisteringReg1
	p.regAt = now
}

// RegTimedOut reports whether a path stuck in a Registering state has
// exceeded RegTimeout.
func (p *Path) RegTimedOut(now time.Time) bool {
	return (p.state == RegisteringReg1 || p.state == RegisteringReg2) && now.Sub(p.regAt) > RegTimeout
}

// Sample rolls the byte counter sampled since the last call into a
// bits-per-second estimate, used by the stats snapshot (SPEC_FULL #1).
func (p *Path) Sample(now time.Time) {
	elapsed := now.Sub(p.sampleAt).Seconds()
	if elapsed <= 0 {
		return
	}
	p.bitrateBps = float64(p.sampleBytes*8) / elapsed
	p.sampleBytes = 0
	p.sampleAt = now
}

// SnapshotStats returns a read-only copy of the path's counters.
func (p *Path) SnapshotStats(now time.Time) Stats {
	return Stats{
		VirtualIP:   p.VirtualIP,
		Type:        p.Type,
		Weight:      p.Weight,
		State:       p.state,
		Window:      p.window,
		Inflight:    len(p.inflight),
		RTTMs:       p.smoothRTT,
		BytesSent:   p.bytesSent,
		PacketsSent: p.packetsSent,
		NakCount:    p.nakCount,
		AckCount:    p.ackCount,
		Score:       p.Score(now),
		BitrateBps:  p.bitrateBps,
	}
}
