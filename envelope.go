package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

// Envelope kinds on the wire.
const (
	TypeHandshake         = `handshake`
	TypeHandshakeResponse = `handshake_response`
	TypeChatMessage       = `chat_message`
)

const (
	StatusAccepted = `accepted`
	StatusRejected = `rejected`
)

// DefaultMaxFrameBytes bounds a single encoded envelope.
const DefaultMaxFrameBytes = 64 * 1024

// Envelope is one wire message. Frames are a single JSON object followed by
// '\n'; json.Encoder escapes control characters so the newline only ever
// appears as the delimiter.
type Envelope struct {
	Type      string `json:"type"`
	NodeID    string `json:"node_id,omitempty"`
	Content   string `json:"content,omitempty"` // ciphertext token, base64
	Status    string `json:"status,omitempty"`
	Key       string `json:"key,omitempty"` // session key, base64
	Timestamp string `json:"timestamp,omitempty"`
}

// Validate checks the required fields for known kinds. Unknown kinds pass so
// newer peers can add message types.
func (e *Envelope) Validate() error {
	missing := func(field string) error {
		return protocolErrorf("%s envelope missing %q", e.Type, field)
	}
	switch e.Type {
	case ``:
		return protocolErrorf("envelope missing %q", "type")
	case TypeHandshake:
		if e.NodeID == `` {
			return missing(`node_id`)
		}
		if e.Key == `` {
			return missing(`key`)
		}
	case TypeHandshakeResponse:
		if e.NodeID == `` {
			return missing(`node_id`)
		}
		if e.Status == `` {
			return missing(`status`)
		}
		if e.Status != StatusAccepted && e.Status != StatusRejected {
			return protocolErrorf("unknown handshake status %q", e.Status)
		}
		if e.Status == StatusAccepted && e.Key == `` {
			return missing(`key`)
		}
	case TypeChatMessage:
		if e.Content == `` {
			return missing(`content`)
		}
		if e.Timestamp == `` {
			return missing(`timestamp`)
		}
	}
	return nil
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	`2006-01-02T15:04:05.999999999`,
	`2006-01-02T15:04:05`,
}

// parseTimestamp accepts RFC 3339 and the zone-less ISO-8601 form older
// peers emit (interpreted as local time).
func parseTimestamp(s string) (time.Time, bool) {
	for _, layout := range timestampLayouts {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func formatTimestamp(t time.Time) string {
	return t.Format(time.RFC3339Nano)
}

// frameReader reads newline-delimited envelopes.
type frameReader struct {
	sc *bufio.Scanner
}

func newFrameReader(r io.Reader, maxFrame int) *frameReader {
	if maxFrame <= 0 {
		maxFrame = DefaultMaxFrameBytes
	}
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, min(4096, maxFrame)), maxFrame)
	return &frameReader{sc: sc}
}

// Next returns the next envelope, or an error matching ErrConnectionLost
// (stream ended or failed) or ErrProtocol (oversize frame, bad JSON, missing
// fields).
func (fr *frameReader) Next() (Envelope, error) {
	for {
		if !fr.sc.Scan() {
			err := fr.sc.Err()
			if errors.Is(err, bufio.ErrTooLong) {
				return Envelope{}, protocolErrorf("frame exceeds limit")
			}
			if err == nil {
				err = io.EOF
			}
			return Envelope{}, newError(ErrConnectionLost, "", err)
		}
		line := fr.sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var env Envelope
		if err := json.Unmarshal(line, &env); err != nil {
			return Envelope{}, protocolErrorf("decode envelope: %v", err)
		}
		if err := env.Validate(); err != nil {
			return Envelope{}, err
		}
		return env, nil
	}
}

// encodeFrame returns env as one wire frame, delimiter included.
func encodeFrame(env Envelope) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.Type, err)
	}
	return append(b, '\n'), nil
}

// writeEnvelope encodes env as a single frame.
func writeEnvelope(w io.Writer, env Envelope) error {
	b, err := encodeFrame(env)
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}
