package engine

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/srtla-go/srtla-sender/path"
	"github.com/srtla-go/srtla-sender/protocol"
)

// AddPath registers a new path backed by an already bound, already
// connected UDP socket (the caller — an external collaborator per spec
// §6 — owns binding it to the desired egress interface). If virtualIP is
// empty, one is auto-allocated from the pool. AddPath sends REG1
// immediately; the path becomes Connected once its REG3 arrives.
func (e *Engine) AddPath(conn *net.UDPConn, virtualIP string, weight int, typeTag string) (string, error) {
	e.mu.Lock()
	if e.pathCh == nil {
		e.mu.Unlock()
		return "", ErrNotRunning
	}

	if virtualIP == "" {
		virtualIP = e.pool.Allocate()
		if virtualIP == "" {
			e.mu.Unlock()
			return "", ErrPoolExhausted
		}
	} else if _, exists := e.byIP[virtualIP]; exists {
		e.mu.Unlock()
		return "", ErrDuplicateVirtualIP
	} else if err := e.pool.Reserve(virtualIP); err != nil {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: %v", ErrDuplicateVirtualIP, err)
	}

	now := time.Now()
	if err := markEgress(conn); err != nil {
		e.log.Warn("failed to set egress TOS marking", "virtual_ip", virtualIP, "error", err)
	}

	p := path.New(conn, virtualIP, typeTag, weight, now)
	e.paths = append(e.paths, p)
	e.byIP[virtualIP] = p
	pathCh := e.pathCh
	e.mu.Unlock()

	e.pathWG.Add(1)
	go e.pathReader(e.readerCtx(), p, pathCh)

	e.sendReg1(p)
	e.log.Info("path added", "virtual_ip", virtualIP, "type", typeTag, "weight", weight)
	return virtualIP, nil
}

// RemovePath implements the zombie-drain policy of spec §4.5: the path is
// never closed synchronously. It is marked Zombie, kept readable for
// ZombieTTL, and destroyed by housekeeping afterward.
func (e *Engine) RemovePath(virtualIP string) error {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	p, ok := e.byIP[virtualIP]
	if !ok {
		return ErrUnknownPath
	}
	if p.State() == path.Zombie {
		return nil
	}

	wasConnected := p.State() == path.Connected

	activeCount := 0
	for _, c := range e.paths {
		if c.State() == path.Connected {
			activeCount++
		}
	}
	// The safety rule only binds removals of a Connected path: taking out a
	// path still mid-registration can never leave zero Connected paths that
	// weren't already zero.
	if wasConnected && activeCount <= 1 {
		return ErrLastPath
	}

	p.MarkZombie(now)

	var lastRemaining *path.Path
	remaining := activeCount
	if wasConnected {
		remaining--
	}
	if wasConnected && remaining == 1 {
		for _, c := range e.paths {
			if c != p && c.State() == path.Connected {
				lastRemaining = c
				break
			}
		}
	}
	if lastRemaining != nil {
		lastRemaining.ClearInflight()
		lastRemaining.ResetWindow()
	}

	ts := uint64(now.UnixMilli())
	for _, c := range e.paths {
		if c.State() == path.Connected {
			keepalive := protocol.BuildKeepalive(ts)
			if _, err := c.Conn.Write(keepalive); err != nil {
				e.log.Debug("post-removal keepalive failed", "virtual_ip", c.VirtualIP, "error", err)
			}
		}
	}

	e.log.Info("path removed, draining as zombie", "virtual_ip", virtualIP)
	return nil
}

// UpdateWeight sets the advisory weight on a path (spec §9: preserved for
// forward compatibility, not read by selection today).
func (e *Engine) UpdateWeight(virtualIP string, weight int) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.byIP[virtualIP]
	if !ok {
		return ErrUnknownPath
	}
	p.Weight = weight
	return nil
}

// RefreshAllPaths demotes every non-Zombie path to Disconnected and
// immediately restarts its registration at REG1, preserving the learned
// encoder address (spec §4.4 "Refresh"). Restarting registration here,
// the same way AddPath does for a brand new path, matters: nothing else
// in the engine ever advances a Disconnected path back to Connected on
// its own.
func (e *Engine) RefreshAllPaths() {
	now := time.Now()
	e.mu.Lock()
	var toRestart []*path.Path
	for _, p := range e.paths {
		if p.State() == path.Zombie {
			continue
		}
		p.SetState(path.Disconnected)
		p.ClearInflight()
		p.ResetWindow()
		p.Touch(now)
		toRestart = append(toRestart, p)
	}
	e.mu.Unlock()

	for _, p := range toRestart {
		e.sendReg1(p)
	}

	e.log.Info("refreshed all paths")
}

// StatsSnapshot returns a point-in-time snapshot of every path's counters.
func (e *Engine) StatsSnapshot() []path.Stats {
	now := time.Now()
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]path.Stats, 0, len(e.paths))
	for _, p := range e.paths {
		out = append(out, p.SnapshotStats(now))
	}
	return out
}

// DroppedPackets returns the count of outgoing datagrams dropped for lack
// of any eligible path.
func (e *Engine) DroppedPackets() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.dropCount
}

func (e *Engine) sendReg1(p *path.Path) {
	e.mu.Lock()
	p.MarkRegistering(time.Now())
	id := e.sessionID
	e.mu.Unlock()

	if _, err := p.Conn.Write(protocol.BuildReg1(id)); err != nil {
		e.log.Debug("REG1 send failed", "virtual_ip", p.VirtualIP, "error", err)
	}
}

// readerCtx returns the context the currently running loop was started
// with, so AddPath (callable from the command-channel goroutine) can hand
// a cancelable context to a freshly spawned path reader.
func (e *Engine) readerCtx() context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.loopCtx
}
