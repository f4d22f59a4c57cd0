package engine

import (
	"context"
	"time"

	"github.com/srtla-go/srtla-sender/path"
	"github.com/srtla-go/srtla-sender/protocol"
)

// housekeepingLoop runs the periodic maintenance named in spec §4.4 step 5
// and §5's timeout table, each on its own ticker: keepalives every 200ms,
// a stats sample every 1000ms, zombie reaping every 5000ms, and checks for
// registration timeout / path recovery / encoder idle reset folded into
// the keepalive tick since they all just scan the path table.
func (e *Engine) housekeepingLoop(ctx context.Context) error {
	keepaliveTicker := time.NewTicker(keepaliveInterval)
	defer keepaliveTicker.Stop()
	statsTicker := time.NewTicker(statsInterval)
	defer statsTicker.Stop()
	zombieTicker := time.NewTicker(zombieReapInterval)
	defer zombieTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-keepaliveTicker.C:
			e.sendKeepalives()
			e.recoverTimedOutPaths()
			e.checkEncoderIdle()
		case <-statsTicker.C:
			e.sampleStats()
		case <-zombieTicker.C:
			e.reapZombies()
		}
	}
}

func (e *Engine) sendKeepalives() {
	ts := uint64(time.Now().UnixMilli())
	keepalive := protocol.BuildKeepalive(ts)

	e.mu.Lock()
	var conns []*path.Path
	for _, p := range e.paths {
		if p.State() != path.Zombie && p.State() != path.Failed {
			conns = append(conns, p)
		}
	}
	e.mu.Unlock()

	for _, p := range conns {
		if _, err := p.Conn.Write(keepalive); err != nil {
			e.log.Debug("keepalive send failed", "virtual_ip", p.VirtualIP, "error", err)
		}
	}
}

// recoverTimedOutPaths implements spec §4.2's "activity gap > 4s ->
// RegisteringReg1" transition and the REG_TIMEOUT_SEC restart for paths
// already mid-registration.
func (e *Engine) recoverTimedOutPaths() {
	now := time.Now()

	e.mu.Lock()
	var toRestart []*path.Path
	for _, p := range e.paths {
		switch p.State() {
		case path.Connected:
			if p.IsTimedOut(now) {
				toRestart = append(toRestart, p)
			}
		case path.RegisteringReg1, path.RegisteringReg2:
			if p.RegTimedOut(now) {
				toRestart = append(toRestart, p)
			}
		}
	}
	e.mu.Unlock()

	for _, p := range toRestart {
		e.log.Info("path timed out, restarting registration", "virtual_ip", p.VirtualIP)
		e.sendReg1(p)
	}
}

// checkEncoderIdle implements spec §4.4's 10000ms encoder idle reset: once
// the learned encoder address has gone quiet this long, forget it so the
// next datagram from any source is treated as a fresh connect.
func (e *Engine) checkEncoderIdle() {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.encoderAddr != nil && now.Sub(e.encoderLastSeen) > encoderIdleReset {
		e.log.Info("encoder idle, forgetting learned address", "addr", e.encoderAddr.String())
		e.encoderAddr = nil
	}
}

func (e *Engine) sampleStats() {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, p := range e.paths {
		p.Sample(now)
	}
}

// reapZombies implements spec §4.5 step 6: after ZombieTTL, close the
// socket and release the virtual IP. Closing the socket is what makes the
// corresponding pathReader goroutine return.
func (e *Engine) reapZombies() {
	now := time.Now()

	e.mu.Lock()
	var expired []*path.Path
	var live []*path.Path
	for _, p := range e.paths {
		if p.State() == path.Zombie && p.ZombieExpired(now) {
			expired = append(expired, p)
			continue
		}
		live = append(live, p)
	}
	e.paths = live
	for _, p := range expired {
		delete(e.byIP, p.VirtualIP)
	}
	e.mu.Unlock()

	for _, p := range expired {
		p.Conn.Close()
		e.pool.Release(p.VirtualIP)
		e.log.Info("zombie path destroyed", "virtual_ip", p.VirtualIP)
	}
}
