package main

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrameReader_SeveralFramesInOneWrite(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, writeEnvelope(&buf, Envelope{Type: TypeHandshake, NodeID: "bob", Key: "k"}))
	require.NoError(t, writeEnvelope(&buf, Envelope{Type: TypeChatMessage, Content: "c", Timestamp: "t"}))

	fr := newFrameReader(&buf, 0)
	first, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, TypeHandshake, first.Type)
	assert.Equal(t, "bob", first.NodeID)

	second, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, TypeChatMessage, second.Type)

	_, err = fr.Next()
	require.ErrorIs(t, err, ErrConnectionLost)
}

func TestFrameReader_FrameSplitAcrossWrites(t *testing.T) {
	pr, pw := io.Pipe()
	var frame bytes.Buffer
	require.NoError(t, writeEnvelope(&frame, Envelope{Type: TypeChatMessage, Content: "abc\ndef", Timestamp: "now"}))
	raw := frame.Bytes()

	go func() {
		for i := range raw {
			_, _ = pw.Write(raw[i : i+1])
		}
		_ = pw.Close()
	}()

	env, err := newFrameReader(pr, 0).Next()
	require.NoError(t, err)
	assert.Equal(t, "abc\ndef", env.Content, "embedded newlines are escaped, not delimiters")
}

func TestFrameReader_Errors(t *testing.T) {
	tests := map[string]struct {
		input string
		max   int
		want  error
	}{
		"eof":             {"", 0, ErrConnectionLost},
		"partial frame":   {`{"type":"chat_message"`, 0, ErrProtocol},
		"bad json":        {"not json\n", 0, ErrProtocol},
		"missing type":    {`{"node_id":"bob"}` + "\n", 0, ErrProtocol},
		"handshake key":   {`{"type":"handshake","node_id":"bob"}` + "\n", 0, ErrProtocol},
		"handshake id":    {`{"type":"handshake","key":"k"}` + "\n", 0, ErrProtocol},
		"response status": {`{"type":"handshake_response","node_id":"a","key":"k"}` + "\n", 0, ErrProtocol},
		"weird status":    {`{"type":"handshake_response","node_id":"a","status":"maybe","key":"k"}` + "\n", 0, ErrProtocol},
		"chat content":    {`{"type":"chat_message","timestamp":"t"}` + "\n", 0, ErrProtocol},
		"chat timestamp":  {`{"type":"chat_message","content":"c"}` + "\n", 0, ErrProtocol},
		"oversize":        {`{"type":"chat_message","content":"` + strings.Repeat("x", 600) + `"}` + "\n", 256, ErrProtocol},
	}
	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := newFrameReader(strings.NewReader(tt.input), tt.max).Next()
			require.ErrorIs(t, err, tt.want)
		})
	}
}

func TestFrameReader_PartialFrameAtEOFIsNotDecoded(t *testing.T) {
	// bufio.Scanner hands back a trailing unterminated line; it must still
	// parse as a full envelope or be rejected, never half-decoded.
	_, err := newFrameReader(strings.NewReader(`{"type":"chat_message","content":"c","timest`), 0).Next()
	require.ErrorIs(t, err, ErrProtocol)
}

func TestFrameReader_SkipsBlankLinesAndKeepsUnknownTypes(t *testing.T) {
	fr := newFrameReader(strings.NewReader("\n\n"+`{"type":"typing","node_id":"bob"}`+"\n"), 0)
	env, err := fr.Next()
	require.NoError(t, err)
	assert.Equal(t, "typing", env.Type)
}

func TestEnvelope_RejectedResponseNeedsNoKey(t *testing.T) {
	env := Envelope{Type: TypeHandshakeResponse, NodeID: "alice", Status: StatusRejected}
	assert.NoError(t, env.Validate())
}

func TestParseTimestamp(t *testing.T) {
	now := time.Now().Truncate(time.Microsecond)
	got, ok := parseTimestamp(formatTimestamp(now))
	require.True(t, ok)
	assert.True(t, now.Equal(got))

	// zone-less ISO-8601 as emitted by older peers
	got, ok = parseTimestamp("2024-03-01T12:30:45.123456")
	require.True(t, ok)
	assert.Equal(t, 45, got.Second())

	_, ok = parseTimestamp("yesterday")
	assert.False(t, ok)
}
