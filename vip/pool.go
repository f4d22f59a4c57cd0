// Package vip allocates stable, non-routable labels for paths from a
// private /24. Labels are used only for logging and for the external
// control API to address a path; they are never placed on the wire.
package vip

import (
	"fmt"
	"sync"
)

const (
	base    = "10.0.0."
	minHost = 2
	maxHost = 254
)

// Pool allocates and releases virtual IPs from [2,254] in 10.0.0.0/24.
// Safe for concurrent use; the command channel (AddPath) and the zombie
// reaper both call into it.
type Pool struct {
	mu   sync.Mutex
	used map[int]bool
}

// New creates an empty pool.
func New() *Pool {
	return &Pool{used: make(map[int]bool)}
}

// Allocate returns the lowest unused label, or "" if the pool is exhausted.
func (p *Pool) Allocate() string {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := minHost; i <= maxHost; i++ {
		if !p.used[i] {
			p.used[i] = true
			return fmt.Sprintf("%s%d", base, i)
		}
	}
	return ""
}

// Reserve marks an explicit label as in use, for callers that pass their
// own virtual IP to AddPath rather than requesting an auto-assigned one.
// It fails if the label is outside the pool's range or already in use.
func (p *Pool) Reserve(label string) error {
	host, err := hostOf(label)
	if err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.used[host] {
		return fmt.Errorf("vip: %s already in use", label)
	}
	p.used[host] = true
	return nil
}

// Release returns a label to the pool. Releasing a label that was never
// allocated is a no-op.
func (p *Pool) Release(label string) {
	host, err := hostOf(label)
	if err != nil {
		return
	}
	p.mu.Lock()
	delete(p.used, host)
	p.mu.Unlock()
}

func hostOf(label string) (int, error) {
	var host int
	if _, err := fmt.Sscanf(label, base+"%d", &host); err != nil {
		return 0, fmt.Errorf("vip: %q is not a %s* label", label, base)
	}
	if host < minHost || host > maxHost {
		return 0, fmt.Errorf("vip: %q is outside [%d,%d]", label, minHost, maxHost)
	}
	return host, nil
}
