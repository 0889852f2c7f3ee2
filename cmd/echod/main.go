// Command echod runs a string-echo server on top of the asyncnet engine: every
// framed UTF-8 string a client sends comes straight back. It exists to
// exercise the engine end to end (config, logging, metrics, accept registry,
// filter chains) and as a reference for wiring the pieces together.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/asyncnet/internal/logger"
	"github.com/marmos91/asyncnet/pkg/config"
	"github.com/marmos91/asyncnet/pkg/engine"
	"github.com/marmos91/asyncnet/pkg/filter"
	"github.com/marmos91/asyncnet/pkg/metrics"
)

// echoHandler sends every received message straight back on its connection.
type echoHandler struct {
	conn *engine.Conn
}

func (h *echoHandler) OnBind(inbound filter.ReadQueue[any]) {
	logger.Info("[%s] session bound", h.conn)
	h.echo(inbound)
}

func (h *echoHandler) OnReceive(events filter.ReadQueue[any]) {
	h.echo(events)
}

func (h *echoHandler) echo(events filter.ReadQueue[any]) {
	for ev, ok := events.Poll(); ok; ev, ok = events.Poll() {
		msg, ok := ev.(string)
		if !ok {
			continue
		}
		logger.Debug("[%s] echoing %q", h.conn, msg)
		if err := h.conn.Send(msg); err != nil {
			logger.Warn("[%s] echo failed: %v", h.conn, err)
			return
		}
	}
}

func (h *echoHandler) OnClosing(cause engine.CloseCause, pending filter.ReadQueue[any]) {
	logger.Info("[%s] closing (%s)", h.conn, cause)
}

func (h *echoHandler) OnClose() {
	logger.Info("[%s] closed", h.conn)
}

func (h *echoHandler) OnError(err error) {
	logger.Warn("[%s] error: %v", h.conn, err)
}

// acceptor keeps a pending accept queued on the listen address: each
// managed connection serves exactly one socket, so a fresh one joins the
// queue whenever the previous one activates. A slot that fails before
// activating is not replaced.
type acceptor struct {
	manager *engine.Manager
	addr    *net.TCPAddr
	chain   filter.ChainFactory
	seq     int
}

func (a *acceptor) replenish() {
	a.seq++
	name := fmt.Sprintf("echo-%d", a.seq)

	conn, err := a.manager.NewConn(name)
	if err != nil {
		logger.Warn("acceptor stopping: %v", err)
		return
	}

	handler := &echoHandler{conn: conn}
	if err := conn.SetHandler(handler); err != nil {
		logger.Error("acceptor: %v", err)
		return
	}
	if err := conn.SetChain(a.chain); err != nil {
		logger.Error("acceptor: %v", err)
		return
	}

	future := conn.Init(engine.InitAccept, a.addr)
	go func() {
		if _, err := future.Get(context.Background()); err != nil {
			if err != engine.ErrConnClosed {
				logger.Debug("accept slot %s: %v", name, err)
			}
			return
		}
		// Slot consumed by a client; queue the next one.
		a.replenish()
	}()
}

func main() {
	configPath := flag.String("config", "", "Path to config file")
	listen := flag.String("listen", "127.0.0.1:10101", "Listen address")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger.SetLevel(cfg.Logging.Level)
	if err := logger.SetOutput(cfg.Logging.Output); err != nil {
		log.Fatalf("Failed to set log output: %v", err)
	}

	addr, err := net.ResolveTCPAddr("tcp", *listen)
	if err != nil {
		log.Fatalf("Invalid listen address %q: %v", *listen, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	engineCfg := cfg.EngineConfig()

	if cfg.Metrics.Enabled {
		metrics.InitRegistry()
		engineCfg.Metrics = metrics.NewEngineMetrics()

		metricsServer := metrics.NewServer(metrics.ServerConfig{Port: cfg.Metrics.Port})
		go func() {
			if err := metricsServer.Start(ctx); err != nil {
				logger.Error("Metrics server: %v", err)
			}
		}()
	}

	manager, err := engine.NewManager(engineCfg)
	if err != nil {
		log.Fatalf("Failed to start engine: %v", err)
	}

	chain := filter.Append(
		filter.NewChain(filter.NewFrameFactory(
			int(cfg.Engine.MinBufferSize), int(cfg.Engine.MaxBufferSize))),
		filter.NewUTF8Factory(),
	)

	a := &acceptor{manager: manager, addr: addr, chain: chain}
	a.replenish()

	logger.Info("echod listening on %s. Press Ctrl+C to stop.", addr)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down...")
	cancel()

	if err := manager.Close(); err != nil {
		logger.Error("Shutdown error: %v", err)
		os.Exit(1)
	}
}
