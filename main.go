// Nkrypt: a minimal peer-to-peer text chat node.
//
// Each node listens on TCP, accepts peers, swaps session keys in a two-message
// handshake and exchanges XChaCha20-Poly1305 sealed messages as
// newline-delimited JSON.
//
// The session keys cross the wire in cleartext during the handshake. Anyone
// who can watch that exchange can read and forge the conversation.
//
// Run:   ./nkrypt alice 8001
//        ./nkrypt --id bob --port 8002 --metrics-addr :9102
//
// Commands:
//   connect <peer_id@host:port>   open a channel (e.g. connect alice@localhost:8001)
//   msg <peer_id> <message>       send a message
//   list                          connected peers
//   info                          connection string + QR
//   quit                          exit
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/chzyer/readline"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const version = "0.2.0"

func main() {
	cfg, err := LoadConfig(os.Args[1:])
	if err != nil {
		fmt.Fprintln(os.Stderr, "config error:", err)
		os.Exit(2)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          ">> ",
		InterruptPrompt: "^C",
		EOFPrompt:       "quit",
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, "terminal error:", err)
		os.Exit(1)
	}
	defer func() { _ = rl.Close() }()

	logger := setupLogging(rl.Stderr(), cfg.Log.Level, cfg.Log.Format)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := NewMetrics(DefaultMetricsNamespace, reg)

	node, err := NewNode(cfg,
		WithLogger(logger),
		WithMetrics(metrics),
		WithMessageHandler(printMessage(rl.Stdout())),
		WithEventHandler(printEvent(rl.Stdout())),
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, "init error:", err)
		os.Exit(1)
	}
	if err := node.Start(); err != nil {
		fmt.Fprintln(os.Stderr, "error starting node:", err)
		os.Exit(1)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.ServeMetrics(ctx, cfg.MetricsAddr); err != nil {
				logger.Error("metrics server", "addr", cfg.MetricsAddr, "err", err)
			}
		}()
	}

	out := rl.Stdout()
	fmt.Fprintf(out, "nkrypt v%s | node '%s' started on %s\n", version, cfg.NodeID, node.Addr())
	fmt.Fprintf(out, "Your connection info: %s\n", node.ConnectionString())
	fmt.Fprintln(out, "============================================================")

	go repl(ctx, node, rl)

	select {
	case <-ctx.Done():
	case <-node.Done():
	}
	fmt.Fprintln(out, "Shutting down node...")
	node.Shutdown()
	fmt.Fprintln(out, "Node stopped.")
}
