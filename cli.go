package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/chzyer/readline"
	qrterminal "github.com/mdp/qrterminal/v3"
)

const helpText = `Commands:
  connect <peer_id@host:port>   open a chat channel to a peer
  msg <peer_id> <message>       send an encrypted message
  list                          list connected peers
  info                          show your connection string + QR
  help                          show this help
  quit                          exit`

// printMessage and printEvent are the node's handlers in interactive mode.
func printMessage(out io.Writer) MessageHandler {
	return func(m MessageEvent) {
		fmt.Fprintf(out, "[%s] %s: %s\n", m.ReceivedAt.Format("15:04:05"), m.PeerID, m.Body)
	}
}

func printEvent(out io.Writer) EventHandler {
	return func(t EventType, data interface{}) {
		switch t {
		case EventPeerConnected:
			pe := data.(PeerEvent)
			if pe.Direction == Inbound {
				fmt.Fprintf(out, "[ok] peer '%s' connected from %s\n", pe.PeerID, displayAddr(pe.RemoteAddr))
			} else {
				fmt.Fprintf(out, "[ok] connected to peer '%s' at %s\n", pe.PeerID, displayAddr(pe.RemoteAddr))
			}
		case EventPeerLost:
			pe := data.(PeerEvent)
			fmt.Fprintf(out, "[--] peer '%s' disconnected\n", pe.PeerID)
		case EventError:
			fmt.Fprintf(out, "[ERR] %v\n", data)
		}
	}
}

func repl(ctx context.Context, node *Node, rl *readline.Instance) {
	out := rl.Stdout()
	fmt.Fprintln(out, helpText)
	for {
		line, err := rl.Readline()
		if err != nil {
			// ErrInterrupt on an empty line or io.EOF (Ctrl-D) both end the session.
			if errors.Is(err, readline.ErrInterrupt) && line != "" {
				continue
			}
			node.Shutdown()
			return
		}
		if quit := handleCommand(ctx, node, out, line); quit {
			node.Shutdown()
			return
		}
	}
}

// handleCommand runs one shell line and reports whether the user asked to
// quit.
func handleCommand(ctx context.Context, node *Node, out io.Writer, line string) bool {
	line = strings.TrimSpace(line)
	if line == "" {
		return false
	}
	parts := strings.SplitN(line, " ", 3)
	cmd := strings.ToLower(parts[0])
	switch cmd {
	case "help", "?":
		fmt.Fprintln(out, helpText)

	case "connect":
		if len(parts) < 2 {
			fmt.Fprintln(out, "Usage: connect <peer_id@host:port>")
			return false
		}
		target := strings.TrimSpace(parts[1])
		cctx, cancel := context.WithTimeout(ctx, node.cfg.DialTimeout+node.cfg.HandshakeTimeout)
		defer cancel()
		if err := node.Connect(cctx, target); err != nil {
			switch {
			case errors.Is(err, ErrSelfConnect):
				fmt.Fprintln(out, "Cannot connect to yourself")
			case errors.Is(err, ErrAlreadyConnected):
				fmt.Fprintf(out, "Already connected to '%s'\n", peerOf(target))
			default:
				fmt.Fprintf(out, "Failed to connect to '%s': %v\n", target, err)
			}
		}

	case "msg":
		if len(parts) < 3 || strings.TrimSpace(parts[2]) == "" {
			fmt.Fprintln(out, "Usage: msg <peer_id> <message>")
			return false
		}
		peerID, body := parts[1], parts[2]
		if err := node.Send(peerID, body); err != nil {
			if errors.Is(err, ErrNotConnected) {
				fmt.Fprintf(out, "Not connected to '%s'\n", peerID)
			} else {
				fmt.Fprintf(out, "Error sending message: %v\n", err)
			}
			return false
		}
		fmt.Fprintf(out, "[%s] You -> %s: %s\n", time.Now().Format("15:04:05"), peerID, body)

	case "list", "peers":
		peers := node.Peers()
		if len(peers) == 0 {
			fmt.Fprintln(out, "No peers connected")
			return false
		}
		for _, p := range peers {
			fmt.Fprintf(out, "- %s (%s, %s, since %s)\n",
				p.PeerID, displayAddr(p.RemoteAddr), p.Direction, p.EstablishedAt.Format("15:04:05"))
		}

	case "info":
		showConnectionQR(node, out)

	case "quit", "exit":
		return true

	default:
		fmt.Fprintf(out, "Unknown command %q. Type help for commands.\n", cmd)
	}
	return false
}

func showConnectionQR(node *Node, out io.Writer) {
	link := node.ConnectionString()
	fmt.Fprintln(out, "Your connection info (peers run: connect <this>):")
	fmt.Fprintln(out, link)
	fmt.Fprintln(out)
	qrterminal.GenerateWithConfig(link, qrterminal.Config{
		Level:     qrterminal.M,
		Writer:    out,
		BlackChar: qrterminal.BLACK,
		WhiteChar: qrterminal.WHITE,
		QuietZone: 1,
	})
	fmt.Fprintln(out)
}

// ---------- Display helpers ----------

func displayAddr(addr string) string {
	if addr == "" {
		return "(no-addr)"
	}
	return addr
}

func peerOf(target string) string {
	if a, err := ParsePeerAddr(target); err == nil {
		return a.PeerID
	}
	return target
}
