package main

import (
	"bytes"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func run(t *testing.T, n *testNode, line string) (string, bool) {
	t.Helper()
	var out bytes.Buffer
	quit := handleCommand(testContext(t), n.Node, &out, line)
	return out.String(), quit
}

func TestHandleCommand_Basics(t *testing.T) {
	alice := newTestNode(t, "alice")

	tests := []struct {
		line string
		want string
	}{
		{"help", "Commands:"},
		{"HELP", "Commands:"},
		{"connect", "Usage: connect <peer_id@host:port>"},
		{"msg", "Usage: msg <peer_id> <message>"},
		{"msg bob", "Usage: msg <peer_id> <message>"},
		{"msg bob hello", "Not connected to 'bob'"},
		{"list", "No peers connected"},
		{"connect alice@127.0.0.1:1", "Cannot connect to yourself"},
		{"connect nonsense", "Failed to connect to 'nonsense'"},
		{"dance", `Unknown command "dance"`},
	}
	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			out, quit := run(t, alice, tt.line)
			assert.False(t, quit)
			assert.Contains(t, out, tt.want)
		})
	}

	out, quit := run(t, alice, "   ")
	assert.False(t, quit)
	assert.Empty(t, out)
}

func TestHandleCommand_Quit(t *testing.T) {
	alice := newTestNode(t, "alice")
	for _, line := range []string{"quit", "exit", "QUIT"} {
		_, quit := run(t, alice, line)
		assert.True(t, quit, line)
	}
}

func TestHandleCommand_ConnectAndMessage(t *testing.T) {
	alice, bob := newTestNode(t, "alice"), newTestNode(t, "bob")

	out, _ := run(t, bob, "connect "+alice.ConnectionString())
	assert.Empty(t, out)
	require.Eventually(t, func() bool { return alice.IsConnected("bob") }, waitFor, 10*time.Millisecond)

	out, _ = run(t, bob, "connect "+alice.ConnectionString())
	assert.Contains(t, out, "Already connected to 'alice'")

	out, _ = run(t, bob, "msg alice hello there, alice")
	assert.Contains(t, out, "You -> alice: hello there, alice")
	assert.Equal(t, "hello there, alice", alice.rec.nextMessage(t).Body)

	out, _ = run(t, bob, "list")
	assert.Contains(t, out, "- alice (127.0.0.1:")
	assert.Contains(t, out, "outbound")
}

func TestHandleCommand_Info(t *testing.T) {
	alice := newTestNode(t, "alice")
	out, _ := run(t, alice, "info")
	assert.Contains(t, out, alice.ConnectionString())
	assert.Greater(t, len(out), len(alice.ConnectionString())*4, "expected a QR code")
}

func TestPrintEvent(t *testing.T) {
	var out bytes.Buffer
	h := printEvent(&out)

	h(EventPeerConnected, PeerEvent{PeerID: "bob", RemoteAddr: "127.0.0.1:5000", Direction: Inbound})
	h(EventPeerConnected, PeerEvent{PeerID: "carol", RemoteAddr: "", Direction: Outbound})
	h(EventPeerLost, PeerEvent{PeerID: "bob"})
	h(EventError, errors.New("boom"))

	assert.Equal(t,
		"[ok] peer 'bob' connected from 127.0.0.1:5000\n"+
			"[ok] connected to peer 'carol' at (no-addr)\n"+
			"[--] peer 'bob' disconnected\n"+
			"[ERR] boom\n",
		out.String())
}

func TestPrintMessage(t *testing.T) {
	var out bytes.Buffer
	at := time.Date(2024, 3, 1, 9, 5, 7, 0, time.Local)
	printMessage(&out)(MessageEvent{PeerID: "bob", Body: "hi", SentAt: at, ReceivedAt: at})
	assert.Equal(t, "[09:05:07] bob: hi\n", out.String())
}
