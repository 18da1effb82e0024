package p2p

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/flynn/noise"
)

// Noise records carry a 2-byte big-endian ciphertext length. The AEAD tag
// costs 16 bytes, so plaintext per record stays below the 64 KiB ceiling.
const (
	noiseLengthSize    = 2
	noiseTagSize       = 16
	maxNoiseRecord     = 65535
	maxRecordPlaintext = maxNoiseRecord - noiseTagSize
)

// session is the encrypted duplex channel produced by a completed handshake.
// It implements net.Conn; everything written after the handshake is encrypted
// and length-framed. Closing the session wipes the cipher states.
type session struct {
	net.Conn

	readMu  sync.Mutex
	writeMu sync.Mutex

	send *noise.CipherState
	recv *noise.CipherState

	readBuf []byte

	closeOnce sync.Once
}

func newSession(conn net.Conn, send, recv *noise.CipherState) *session {
	return &session{Conn: conn, send: send, recv: recv}
}

// Read decrypts the next record, buffering any remainder for later calls.
func (s *session) Read(p []byte) (int, error) {
	s.readMu.Lock()
	defer s.readMu.Unlock()

	if s.recv == nil {
		return 0, net.ErrClosed
	}
	if len(s.readBuf) > 0 {
		n := copy(p, s.readBuf)
		s.readBuf = s.readBuf[n:]
		return n, nil
	}

	var lenBuf [noiseLengthSize]byte
	if _, err := io.ReadFull(s.Conn, lenBuf[:]); err != nil {
		return 0, err
	}
	recordLen := binary.BigEndian.Uint16(lenBuf[:])
	if recordLen == 0 {
		return 0, io.EOF
	}

	ciphertext := make([]byte, recordLen)
	if _, err := io.ReadFull(s.Conn, ciphertext); err != nil {
		return 0, err
	}

	plaintext, err := s.recv.Decrypt(nil, nil, ciphertext)
	if err != nil {
		return 0, fmt.Errorf("session decrypt: %w", err)
	}

	n := copy(p, plaintext)
	if n < len(plaintext) {
		s.readBuf = append(s.readBuf[:0], plaintext[n:]...)
	}
	return n, nil
}

// Write encrypts p, chunking above the record ceiling so arbitrarily large
// frames survive the 16-bit record length.
func (s *session) Write(p []byte) (int, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.send == nil {
		return 0, net.ErrClosed
	}
	total := 0
	for len(p) > 0 {
		chunk := p
		if len(chunk) > maxRecordPlaintext {
			chunk = chunk[:maxRecordPlaintext]
		}
		ciphertext, err := s.send.Encrypt(nil, nil, chunk)
		if err != nil {
			return total, fmt.Errorf("session encrypt: %w", err)
		}
		var lenBuf [noiseLengthSize]byte
		binary.BigEndian.PutUint16(lenBuf[:], uint16(len(ciphertext)))
		if _, err := s.Conn.Write(lenBuf[:]); err != nil {
			return total, err
		}
		if _, err := s.Conn.Write(ciphertext); err != nil {
			return total, err
		}
		total += len(chunk)
		p = p[len(chunk):]
	}
	return total, nil
}

// Close releases the underlying connection and drops key material. The wipe
// takes both loop mutexes so an in-flight Read or Write finishes first; later
// calls fail with net.ErrClosed.
func (s *session) Close() error {
	err := s.Conn.Close()
	s.closeOnce.Do(func() {
		s.writeMu.Lock()
		s.send = nil
		s.writeMu.Unlock()

		s.readMu.Lock()
		s.recv = nil
		s.readBuf = nil
		s.readMu.Unlock()
	})
	return err
}

// handshake plaintext frames use the same 2-byte length prefix.

func writeHandshakeFrame(w io.Writer, data []byte) error {
	if len(data) > maxNoiseRecord {
		return fmt.Errorf("handshake frame too large: %d", len(data))
	}
	var lenBuf [noiseLengthSize]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

func readHandshakeFrame(r io.Reader) ([]byte, error) {
	var lenBuf [noiseLengthSize]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint16(lenBuf[:])
	if length == 0 {
		return nil, nil
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
