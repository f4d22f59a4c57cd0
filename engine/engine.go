// Package engine implements the SRTLA sender core: the event loop, path
// selection, registration orchestration, NAK/ACK fan-out, and the zombie
// drain policy. One event-loop goroutine handles every inbound datagram, a
// housekeeping goroutine runs the periodic timers, and the external
// command surface (AddPath/RemovePath/Refresh/StatsSnapshot) is called
// from the embedder's goroutines; all of them synchronize on the path
// table with one mutex — matching the reference's "single mutex guards
// the path table" design.
package engine

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/srtla-go/srtla-sender/path"
	"github.com/srtla-go/srtla-sender/protocol"
	"github.com/srtla-go/srtla-sender/vip"
)

// Control-surface error outcomes (spec §7).
var (
	ErrPoolExhausted      = errors.New("engine: virtual IP pool exhausted")
	ErrLastPath           = errors.New("engine: refusing to remove the last connected path")
	ErrUnknownPath        = errors.New("engine: no path with that virtual IP")
	ErrDuplicateVirtualIP = errors.New("engine: virtual IP already assigned to an active path")
	ErrNotRunning         = errors.New("engine: not running")
	ErrAlreadyRunning     = errors.New("engine: already running")
)

const (
	keepaliveInterval  = 200 * time.Millisecond
	statsInterval      = 1000 * time.Millisecond
	zombieReapInterval = 5000 * time.Millisecond
	encoderIdleReset   = 10000 * time.Millisecond
)

const maxDatagram = 65536

// OnPathFailed, if set, is invoked whenever a path transitions to Failed:
// from the loop goroutine on REG_ERR/REG_NGP, and from the path's reader
// goroutine on a fatal read error. It is an optional hook for an
// embedding UI/stats layer — see spec §1, UI is an external collaborator.
type OnPathFailed func(virtualIP string, reason error)

// Engine owns one SRTLA session: the local encoder socket, the set of
// paths, and the session id shared with the receiver.
type Engine struct {
	log *slog.Logger

	receiverAddr *net.UDPAddr
	local        *net.UDPConn

	mu     sync.Mutex
	paths  []*path.Path
	byIP   map[string]*path.Path
	pool   *vip.Pool
	pathCh chan inboundFromPath
	pathWG sync.WaitGroup

	sessionID       [protocol.SessionIDLen]byte
	sessionIDKnown  bool
	encoderAddr     *net.UDPAddr
	encoderLastSeen time.Time

	dropCount uint64

	onPathFailed OnPathFailed

	cancel  context.CancelFunc
	loopCtx context.Context
	group   *errgroup.Group
}

// New creates an Engine with an empty path table. OnPathFailed may be nil.
func New(log *slog.Logger, onPathFailed OnPathFailed) *Engine {
	if log == nil {
		log = slog.Default()
	}
	return &Engine{
		log:          log.With("component", "srtla-engine"),
		byIP:         make(map[string]*path.Path),
		pool:         vip.New(),
		onPathFailed: onPathFailed,
	}
}

// Start resolves the receiver address, binds the local encoder socket, and
// launches the event loop and housekeeping goroutines under one errgroup.
func (e *Engine) Start(ctx context.Context, localPort int, receiverHost string, receiverPort int) error {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return ErrAlreadyRunning
	}

	raddr, err := net.ResolveUDPAddr("udp", fmt.Sprintf("%s:%d", receiverHost, receiverPort))
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("engine: resolve receiver %s:%d: %w", receiverHost, receiverPort, err)
	}

	local, err := net.ListenUDP("udp", &net.UDPAddr{Port: localPort})
	if err != nil {
		e.mu.Unlock()
		return fmt.Errorf("engine: listen on local port %d: %w", localPort, err)
	}

	if err := randomSessionID(&e.sessionID); err != nil {
		local.Close()
		e.mu.Unlock()
		return fmt.Errorf("engine: generate session id: %w", err)
	}

	e.receiverAddr = raddr
	e.local = local

	localCh := make(chan inboundFromLocal, 256)
	pathCh := make(chan inboundFromPath, 256)
	e.pathCh = pathCh

	loopCtx, cancel := context.WithCancel(ctx)
	g, gctx := errgroup.WithContext(loopCtx)
	e.cancel = cancel
	e.loopCtx = gctx
	e.group = g
	e.mu.Unlock()

	g.Go(func() error { return e.localReader(gctx, localCh) })
	g.Go(func() error { return e.eventLoop(gctx, localCh, pathCh) })
	g.Go(func() error { return e.housekeepingLoop(gctx) })

	e.log.Info("started", "local_port", localPort, "receiver", raddr.String())
	return nil
}

// Stop cancels the loop and housekeeping goroutines, closes the local
// socket so the local reader returns, waits for all of them to exit, then
// closes every path socket. After Stop returns the engine holds no sockets.
func (e *Engine) Stop() error {
	e.mu.Lock()
	if e.cancel == nil {
		e.mu.Unlock()
		return ErrNotRunning
	}
	cancel := e.cancel
	g := e.group
	local := e.local
	e.cancel = nil
	e.group = nil
	e.loopCtx = nil
	e.mu.Unlock()

	cancel()
	// localReader is parked in ReadFromUDP; closing the local socket is
	// what lets it return so g.Wait can complete.
	if local != nil {
		local.Close()
	}
	err := g.Wait()

	e.mu.Lock()
	for _, p := range e.paths {
		if p.Conn != nil {
			p.Conn.Close()
		}
	}
	e.paths = nil
	e.byIP = make(map[string]*path.Path)
	e.pathCh = nil
	e.local = nil
	e.receiverAddr = nil
	e.mu.Unlock()

	e.pathWG.Wait()

	e.log.Info("stopped")
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

// LocalAddr returns the bound address of the encoder-facing socket, or nil
// if the engine is not running. Useful when Start was given port 0.
func (e *Engine) LocalAddr() *net.UDPAddr {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.local == nil {
		return nil
	}
	return e.local.LocalAddr().(*net.UDPAddr)
}

// ReceiverAddr returns the resolved receiver address Start was given, or
// nil if the engine is not running. Callers dialing bootstrap paths need
// this since AddPath takes an already-connected socket (spec §6) rather
// than resolving the receiver itself.
func (e *Engine) ReceiverAddr() *net.UDPAddr {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.receiverAddr
}

func randomSessionID(id *[protocol.SessionIDLen]byte) error {
	_, err := rand.Read(id[:])
	return err
}
