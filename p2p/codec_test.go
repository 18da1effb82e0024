package p2p

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"testing"
)

func TestMessageRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	msg := &Message{
		Type:          MsgTypeTx,
		CorrelationID: 0x0102030405060708,
		TTL:           5,
		Payload:       []byte("hello mesh"),
	}
	if err := writeMessage(&buf, msg, 1<<20); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	decoded, err := readMessage(bufio.NewReader(&buf), 1<<20)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if decoded.Type != msg.Type {
		t.Fatalf("type mismatch: got 0x%02x", decoded.Type)
	}
	if decoded.CorrelationID != msg.CorrelationID {
		t.Fatalf("correlation mismatch: got %d", decoded.CorrelationID)
	}
	if decoded.TTL != msg.TTL {
		t.Fatalf("ttl mismatch: got %d", decoded.TTL)
	}
	if !bytes.Equal(decoded.Payload, msg.Payload) {
		t.Fatalf("payload mismatch: got %q", decoded.Payload)
	}
}

func TestMessageEmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	if err := writeMessage(&buf, &Message{Type: MsgTypePing}, 0); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	decoded, err := readMessage(bufio.NewReader(&buf), 0)
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	if len(decoded.Payload) != 0 {
		t.Fatalf("expected empty payload, got %d bytes", len(decoded.Payload))
	}
}

func TestWriteRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	msg := &Message{Type: MsgTypeBlock, Payload: make([]byte, 256)}
	err := writeMessage(&buf, msg, 64)
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("expected ErrMessageTooLarge, got %v", err)
	}
	if buf.Len() != 0 {
		t.Fatalf("nothing should be written on rejection")
	}
}

func TestReadRejectsOversize(t *testing.T) {
	var buf bytes.Buffer
	msg := &Message{Type: MsgTypeBlock, Payload: make([]byte, 256)}
	if err := writeMessage(&buf, msg, 0); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	_, err := readMessage(bufio.NewReader(&buf), 64)
	var violation *ProtocolViolation
	if !errors.As(err, &violation) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
	if violation.Kind != "oversize" {
		t.Fatalf("expected oversize violation, got %q", violation.Kind)
	}
	if !errors.Is(err, ErrMessageTooLarge) {
		t.Fatalf("violation should wrap ErrMessageTooLarge")
	}
}

func TestReadRejectsShortBody(t *testing.T) {
	// A declared body shorter than the fixed header cannot be a frame.
	_, err := readMessage(bufio.NewReader(bytes.NewReader([]byte{0x03, 0x01, 0x02, 0x03})), 0)
	if !IsProtocolViolation(err) {
		t.Fatalf("expected protocol violation, got %v", err)
	}
}

func TestReadCleanEOF(t *testing.T) {
	_, err := readMessage(bufio.NewReader(bytes.NewReader(nil)), 0)
	if err != io.EOF {
		t.Fatalf("expected io.EOF on closed stream, got %v", err)
	}
}

func TestReadTruncatedFrame(t *testing.T) {
	var buf bytes.Buffer
	if err := writeMessage(&buf, &Message{Type: MsgTypeTx, Payload: []byte("abcdef")}, 0); err != nil {
		t.Fatalf("write failed: %v", err)
	}
	truncated := buf.Bytes()[:buf.Len()-3]
	_, err := readMessage(bufio.NewReader(bytes.NewReader(truncated)), 0)
	if err == nil {
		t.Fatalf("expected error for truncated frame")
	}
}
