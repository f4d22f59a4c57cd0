// Command srtla-sender runs a standalone SRTLA bonding sender: it listens
// for a local SRT encoder on a loopback UDP port, dials the configured
// paths to a receiver, and multiplexes the stream across them.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/srtla-go/srtla-sender/config"
	"github.com/srtla-go/srtla-sender/engine"
)

func main() {
	configPath := flag.String("config", "", "path to a TOML config file (see config.Config)")
	flag.Parse()

	cfg := config.Default()
	if *configPath != "" {
		loaded, err := config.Load(*configPath)
		if err != nil {
			slog.Error("failed to load config", "error", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	cfg = config.EnvOverride(cfg)

	level := slog.LevelInfo
	if cfg.LogLevel == "debug" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	eng := engine.New(nil, func(virtualIP string, reason error) {
		slog.Warn("path failed", "virtual_ip", virtualIP, "reason", reason)
	})

	if err := eng.Start(ctx, cfg.LocalPort, cfg.ReceiverHost, cfg.ReceiverPort); err != nil {
		slog.Error("failed to start engine", "error", err)
		os.Exit(1)
	}

	slog.Info("srtla-sender started",
		"local_port", cfg.LocalPort,
		"receiver", fmt.Sprintf("%s:%d", cfg.ReceiverHost, cfg.ReceiverPort),
		"paths", len(cfg.Paths),
	)

	raddr := eng.ReceiverAddr()
	for _, pc := range cfg.Paths {
		if err := addConfiguredPath(eng, raddr, pc); err != nil {
			slog.Error("failed to add path", "local_addr", pc.LocalAddr, "error", err)
			continue
		}
	}

	statsTicker := time.NewTicker(10 * time.Second)
	defer statsTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			if err := eng.Stop(); err != nil {
				slog.Error("error stopping engine", "error", err)
			}
			return
		case <-statsTicker.C:
			logStats(eng)
		}
	}
}

// addConfiguredPath dials the receiver from the local address named in pc
// and hands the connected socket to the engine. Binding to a specific
// network interface beyond choosing the local source address is outside
// this module's scope (spec §1); a real deployment's platform layer would
// bind the socket before this point.
func addConfiguredPath(eng *engine.Engine, raddr *net.UDPAddr, pc config.PathConfig) error {
	var laddr *net.UDPAddr
	if pc.LocalAddr != "" {
		laddr = &net.UDPAddr{IP: net.ParseIP(pc.LocalAddr)}
	}

	conn, err := net.DialUDP("udp", laddr, raddr)
	if err != nil {
		return fmt.Errorf("dial from %s to %s: %w", pc.LocalAddr, raddr, err)
	}

	virtualIP, err := eng.AddPath(conn, "", pc.Weight, pc.Type)
	if err != nil {
		conn.Close()
		return err
	}
	slog.Info("path dialed", "virtual_ip", virtualIP, "local_addr", pc.LocalAddr, "type", pc.Type)
	return nil
}

func logStats(eng *engine.Engine) {
	for _, s := range eng.StatsSnapshot() {
		slog.Info("path stats",
			"virtual_ip", s.VirtualIP,
			"state", s.State,
			"window", s.Window,
			"inflight", s.Inflight,
			"rtt_ms", s.RTTMs,
			"score", s.Score,
		)
	}
	if dropped := eng.DroppedPackets(); dropped > 0 {
		slog.Warn("packets dropped for lack of an eligible path", "count", dropped)
	}
}
