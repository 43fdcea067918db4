package main

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

const waitFor = 5 * time.Second

// recorder collects everything a node reports.
type recorder struct {
	msgs   chan MessageEvent
	events chan recordedEvent
}

type recordedEvent struct {
	Type EventType
	Data interface{}
}

func newRecorder() *recorder {
	return &recorder{
		msgs:   make(chan MessageEvent, 64),
		events: make(chan recordedEvent, 64),
	}
}

func (r *recorder) options() []Option {
	return []Option{
		WithMessageHandler(func(m MessageEvent) { r.msgs <- m }),
		WithEventHandler(func(t EventType, d interface{}) { r.events <- recordedEvent{t, d} }),
	}
}

func (r *recorder) nextMessage(t *testing.T) MessageEvent {
	t.Helper()
	select {
	case m := <-r.msgs:
		return m
	case <-time.After(waitFor):
		t.Fatal("timed out waiting for message")
		return MessageEvent{}
	}
}

// nextEvent skips events of other types.
func (r *recorder) nextEvent(t *testing.T, want EventType) interface{} {
	t.Helper()
	deadline := time.After(waitFor)
	for {
		select {
		case ev := <-r.events:
			if ev.Type == want {
				return ev.Data
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
			return nil
		}
	}
}

type testNode struct {
	*Node
	rec     *recorder
	metrics *Metrics
}

func testConfig(id string) Config {
	return Config{
		NodeID:           id,
		Host:             "127.0.0.1",
		HandshakeTimeout: 2 * time.Second,
		DialTimeout:      2 * time.Second,
		WriteTimeout:     2 * time.Second,
	}
}

func startNode(t *testing.T, cfg Config) *testNode {
	t.Helper()
	rec := newRecorder()
	m := NewMetrics("test", prometheus.NewRegistry())
	opts := append(rec.options(), WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))), WithMetrics(m))
	n, err := NewNode(cfg, opts...)
	require.NoError(t, err)
	require.NoError(t, n.Start())
	t.Cleanup(n.Shutdown)
	return &testNode{Node: n, rec: rec, metrics: m}
}

func newTestNode(t *testing.T, id string) *testNode {
	t.Helper()
	return startNode(t, testConfig(id))
}

// connectPair has b dial a and waits until both sides are registered.
func connectPair(t *testing.T, a, b *testNode) {
	t.Helper()
	require.NoError(t, b.Connect(testContext(t), a.ConnectionString()))
	require.Eventually(t, func() bool {
		return a.IsConnected(b.identity.NodeID) && b.IsConnected(a.identity.NodeID)
	}, waitFor, 10*time.Millisecond)
}

// rawDial opens a plain socket to n, closed at test end.
func rawDial(t *testing.T, n *testNode) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", n.Addr().String(), waitFor)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func sendRaw(t *testing.T, c net.Conn, env any) {
	t.Helper()
	b, err := json.Marshal(env)
	require.NoError(t, err)
	_, err = c.Write(append(b, '\n'))
	require.NoError(t, err)
}

// expectClosed asserts the far side closes c without sending anything.
func expectClosed(t *testing.T, c net.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(waitFor))
	buf := make([]byte, 1)
	n, err := c.Read(buf)
	require.Zero(t, n, "expected no bytes before close")
	require.Error(t, err)
	var ne net.Error
	if errors.As(err, &ne) {
		require.False(t, ne.Timeout(), "connection was not closed")
	}
}

// rawPeer performs the initiator handshake by hand, returning the socket,
// its frame reader and the key the raw peer sealed its traffic with.
func rawPeer(t *testing.T, n *testNode, id string) (net.Conn, *frameReader, *SymmetricChannel) {
	t.Helper()
	key, err := GenerateKey()
	require.NoError(t, err)
	ch, err := NewSymmetricChannel(key)
	require.NoError(t, err)

	c := rawDial(t, n)
	sendRaw(t, c, Envelope{Type: TypeHandshake, NodeID: id, Key: key.String()})
	fr := newFrameReader(c, DefaultMaxFrameBytes)
	_ = c.SetReadDeadline(time.Now().Add(waitFor))
	resp, err := fr.Next()
	require.NoError(t, err)
	_ = c.SetReadDeadline(time.Time{})
	require.Equal(t, TypeHandshakeResponse, resp.Type)
	require.Equal(t, StatusAccepted, resp.Status)
	require.Equal(t, n.identity.NodeID, resp.NodeID)
	require.Eventually(t, func() bool { return n.IsConnected(id) }, waitFor, 10*time.Millisecond)
	return c, fr, ch
}

// fakeResponder accepts one connection, reads the handshake and answers
// with reply (nil: never answer). It returns the listener address.
func fakeResponder(t *testing.T, reply func(req Envelope) *Envelope) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	var wg sync.WaitGroup
	t.Cleanup(func() {
		_ = ln.Close()
		wg.Wait()
	})
	wg.Add(1)
	go func() {
		defer wg.Done()
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		req, err := newFrameReader(c, DefaultMaxFrameBytes).Next()
		if err != nil {
			return
		}
		if resp := reply(req); resp != nil {
			_ = writeEnvelope(c, *resp)
		}
		// Hold the socket open until the initiator gives up.
		_, _ = c.Read(make([]byte, 1))
	}()
	return ln.Addr().String()
}

// testContext stands in for testing.T.Context (Go 1.24+): a context that is
// cancelled when the test finishes.
func testContext(t testing.TB) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}
