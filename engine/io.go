package engine

import (
	"context"
	"errors"
	"net"
	"time"

	"github.com/srtla-go/srtla-sender/path"
	"github.com/srtla-go/srtla-sender/protocol"
)

// inboundFromLocal is a datagram read off the encoder-facing socket.
type inboundFromLocal struct {
	data []byte
	from *net.UDPAddr
}

// inboundFromPath is a datagram read off one path's socket toward the
// receiver. It carries the *path.Path directly rather than re-looking it
// up by address. A path leaves the table (reapZombies, failPath) before its
// socket is closed, so a datagram already queued here may name a path that
// has just been removed from the table.
type inboundFromPath struct {
	data []byte
	from *path.Path
}

// localReader and pathReader are the Go-idiomatic stand-in for the
// reference's select()-over-fds loop: one goroutine blocks in Read per
// socket, and every datagram is fanned into a channel drained by exactly
// one consumer (eventLoop). This preserves the reference's ordering
// guarantees — per-path FIFO, no interleaving of broadcast fan-out with
// sends — because only eventLoop sends encoder data and runs the fan-out.
// Housekeeping and the command methods also change path state and write
// control packets (KEEPALIVE, REG1) to path sockets, under the same mutex.
func (e *Engine) localReader(ctx context.Context, ch chan<- inboundFromLocal) error {
	buf := make([]byte, maxDatagram)
	for {
		n, from, err := e.local.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return nil // local socket closed by Stop; nothing more to read
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case ch <- inboundFromLocal{data: cp, from: from}:
		case <-ctx.Done():
			return nil
		}
	}
}

func (e *Engine) pathReader(ctx context.Context, p *path.Path, ch chan<- inboundFromPath) {
	defer e.pathWG.Done()
	buf := make([]byte, maxDatagram)
	for {
		n, err := p.Conn.Read(buf)
		if err != nil {
			// A read error during a planned shutdown is just the socket
			// Stop closed; ctx is already Done by then, so skip failPath.
			// A read error from a zombie being reaped is also harmless:
			// reapZombies already dropped p from e.byIP before closing
			// its socket, so failPath's guard below is a no-op for it.
			// Anything else is a fatal path I/O error (spec error kind 2)
			// that the reader, not eventLoop, is the first to observe.
			if ctx.Err() == nil {
				e.failPath(p, err)
			}
			return
		}
		cp := make([]byte, n)
		copy(cp, buf[:n])
		select {
		case ch <- inboundFromPath{data: cp, from: p}:
		case <-ctx.Done():
			return
		}
	}
}

// failPath implements the fatal-path-I/O error kind: the path enters
// Failed, is removed from e.paths/e.byIP so selectPathLocked can never
// pick it again, its socket is closed, and onPathFailed fires.
func (e *Engine) failPath(p *path.Path, readErr error) {
	e.mu.Lock()
	if _, ok := e.byIP[p.VirtualIP]; !ok {
		e.mu.Unlock()
		return // already removed (e.g. reaped as a zombie concurrently)
	}
	delete(e.byIP, p.VirtualIP)
	live := make([]*path.Path, 0, len(e.paths))
	for _, c := range e.paths {
		if c != p {
			live = append(live, c)
		}
	}
	e.paths = live
	p.SetState(path.Failed)
	e.mu.Unlock()

	p.Conn.Close()
	e.log.Warn("path failed", "virtual_ip", p.VirtualIP, "error", readErr)
	if e.onPathFailed != nil {
		e.onPathFailed(p.VirtualIP, readErr)
	}
}

// eventLoop is the single goroutine that owns all path state and decides
// where every datagram goes.
func (e *Engine) eventLoop(ctx context.Context, localCh <-chan inboundFromLocal, pathCh <-chan inboundFromPath) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-localCh:
			e.handleFromEncoder(msg.data, msg.from)
		case msg := <-pathCh:
			e.handleFromPath(msg.from, msg.data)
		}
	}
}

// handleFromEncoder implements spec §4.4 "Forwarding out".
func (e *Engine) handleFromEncoder(data []byte, from *net.UDPAddr) {
	now := time.Now()

	e.mu.Lock()
	if e.encoderAddr == nil || !addrEqual(e.encoderAddr, from) {
		e.encoderAddr = from
		e.log.Info("encoder connected", "addr", from.String())
	}
	e.encoderLastSeen = now

	seq, _ := protocol.SRTSequence(data)
	p := e.selectPathLocked(now)
	if p == nil {
		e.dropCount++
		e.mu.Unlock()
		e.log.Warn("no eligible path, dropping outgoing packet", "seq", seq)
		return
	}
	p.OnSent(seq, len(data), now)
	conn := p.Conn
	vip := p.VirtualIP
	e.mu.Unlock()

	if _, err := conn.Write(data); err != nil {
		e.mu.Lock()
		p.MarkStale()
		e.mu.Unlock()
		e.log.Warn("send failed, marking path stale", "virtual_ip", vip, "error", err)
	}
}

// selectPathLocked picks the eligible Connected path maximizing
// window/(inflight+1). Callers must hold e.mu. Ties break by the stable
// iteration order of e.paths.
func (e *Engine) selectPathLocked(now time.Time) *path.Path {
	var best *path.Path
	bestScore := -1
	for _, p := range e.paths {
		if !p.Eligible(now) {
			continue
		}
		if s := p.Score(now); s > bestScore {
			best = p
			bestScore = s
		}
	}
	return best
}

// handleFromPath implements spec §4.4 "Forwarding in".
func (e *Engine) handleFromPath(p *path.Path, data []byte) {
	now := time.Now()

	e.mu.Lock()
	p.Touch(now)
	e.mu.Unlock()

	kind := protocol.Classify(data)
	switch kind {
	case protocol.KindSRTLAData:
		frame, err := protocol.ParseSRTLAData(data)
		if err != nil {
			e.log.Debug("malformed SRTLA-DATA frame", "error", err)
			return
		}
		e.forwardToEncoder(frame.Payload)

	case protocol.KindSRTData:
		e.forwardToEncoder(data)

	case protocol.KindSRTControl:
		if protocol.IsSRTShutdown(data) {
			e.mu.Lock()
			e.encoderAddr = nil
			e.mu.Unlock()
		}
		switch {
		case protocol.IsSRTAck(data):
			e.handleSRTAck(data)
		case protocol.IsSRTNak(data):
			e.handleSRTNak(data)
		}
		e.forwardToEncoder(data)

	case protocol.KindSRTLAAck:
		e.handleSRTLAAck(data)

	case protocol.KindKeepalive:
		// Touch already applied above; liveness only.

	case protocol.KindReg2:
		e.handleReg2(p, data, now)

	case protocol.KindReg3:
		e.mu.Lock()
		p.SetState(path.Connected)
		e.mu.Unlock()
		e.log.Info("path connected", "virtual_ip", p.VirtualIP)

	case protocol.KindRegErr, protocol.KindRegNGP:
		e.mu.Lock()
		p.SetState(path.Failed)
		e.mu.Unlock()
		e.log.Warn("path registration rejected", "virtual_ip", p.VirtualIP)
		if e.onPathFailed != nil {
			e.onPathFailed(p.VirtualIP, errors.New("registration rejected"))
		}

	default:
		e.log.Debug("unrecognized datagram", "virtual_ip", p.VirtualIP, "len", len(data))
	}
}

func (e *Engine) forwardToEncoder(data []byte) {
	e.mu.Lock()
	addr := e.encoderAddr
	local := e.local
	e.mu.Unlock()
	if addr == nil || local == nil {
		return
	}
	if _, err := local.WriteToUDP(data, addr); err != nil {
		e.log.Debug("forward to encoder failed", "error", err)
	}
}

func (e *Engine) handleSRTAck(data []byte) {
	ackSN, err := protocol.ParseSRTAck(data)
	if err != nil {
		e.log.Debug("malformed SRT ACK", "error", err)
		return
	}
	now := time.Now()
	e.mu.Lock()
	for _, p := range e.paths {
		if p.State() == path.Connected {
			p.OnSRTAck(ackSN, now)
		}
	}
	e.mu.Unlock()
}

func (e *Engine) handleSRTNak(data []byte) {
	lost, err := protocol.ParseSRTNak(data)
	if err != nil {
		e.log.Debug("malformed SRT NAK", "error", err)
		return
	}
	now := time.Now()
	e.mu.Lock()
	for _, seq := range lost {
		for _, p := range e.paths {
			if p.State() == path.Connected {
				p.OnSRTNak(seq, now)
			}
		}
	}
	e.mu.Unlock()
}

func (e *Engine) handleSRTLAAck(data []byte) {
	seqs, err := protocol.ParseSRTLAAck(data)
	if err != nil {
		e.log.Debug("malformed SRTLA-ACK", "error", err)
		return
	}
	now := time.Now()
	e.mu.Lock()
	for _, seq := range seqs {
		for _, p := range e.paths {
			if p.State() == path.Connected {
				p.OnSRTLAAck(seq, now)
			}
		}
	}
	e.mu.Unlock()
}

// handleReg2 implements spec §4.4 step 9: the first REG2 response commits
// the session id (after validating the echoed prefix) and is broadcast on
// every non-Zombie path, including the one that triggered it — spec §8
// Scenario 1 expects a REG2 echoed back on that same path.
func (e *Engine) handleReg2(p *path.Path, data []byte, now time.Time) {
	full, err := protocol.ParseReg2(data)
	if err != nil {
		e.log.Debug("malformed REG2", "error", err)
		return
	}

	e.mu.Lock()
	if e.sessionIDKnown {
		// Session already established; this path just echoes the committed id.
		e.mu.Unlock()
		return
	}
	if !prefixEqual(e.sessionID, full) {
		e.mu.Unlock()
		e.log.Warn("REG2 session id prefix mismatch, ignoring", "virtual_ip", p.VirtualIP)
		return
	}
	e.sessionID = full
	e.sessionIDKnown = true
	p.SetState(path.RegisteringReg2)

	var toSend []*path.Path
	for _, other := range e.paths {
		if other.State() != path.Zombie {
			toSend = append(toSend, other)
		}
	}
	id := e.sessionID
	e.mu.Unlock()

	e.log.Info("session established", "virtual_ip", p.VirtualIP)

	reg2 := protocol.BuildReg2(id)
	for _, other := range toSend {
		if _, err := other.Conn.Write(reg2); err != nil {
			e.log.Debug("REG2 broadcast failed", "virtual_ip", other.VirtualIP, "error", err)
		}
	}
}

func addrEqual(a, b *net.UDPAddr) bool {
	return a.IP.Equal(b.IP) && a.Port == b.Port
}

func prefixEqual(candidate, echoed [protocol.SessionIDLen]byte) bool {
	half := protocol.SessionIDLen / 2
	for i := 0; i < half; i++ {
		if candidate[i] != echoed[i] {
			return false
		}
	}
	return true
}
