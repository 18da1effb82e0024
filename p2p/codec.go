package p2p

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/multiformats/go-varint"
)

// Wire frame, carried over the encrypted session:
//
//	[uvarint body length][type 1B][correlation id 8B BE][ttl 1B][payload]
//
// The length covers everything after the varint itself.
const frameHeaderSize = 10

// encodeMessage renders a frame into a fresh buffer.
func encodeMessage(msg *Message, maxSize int) ([]byte, error) {
	bodyLen := frameHeaderSize + len(msg.Payload)
	if maxSize > 0 && bodyLen > maxSize {
		return nil, ErrMessageTooLarge
	}
	prefix := varint.ToUvarint(uint64(bodyLen))
	buf := make([]byte, 0, len(prefix)+bodyLen)
	buf = append(buf, prefix...)
	buf = append(buf, msg.Type)
	buf = binary.BigEndian.AppendUint64(buf, msg.CorrelationID)
	buf = append(buf, msg.TTL)
	buf = append(buf, msg.Payload...)
	return buf, nil
}

// writeMessage frames and writes a single message.
func writeMessage(w io.Writer, msg *Message, maxSize int) error {
	buf, err := encodeMessage(msg, maxSize)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// readMessage reads one frame, enforcing the size limit before allocating the
// body so a hostile length prefix cannot exhaust memory.
func readMessage(r *bufio.Reader, maxSize int) (*Message, error) {
	length, err := varint.ReadUvarint(r)
	if err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil, io.EOF
		}
		return nil, &ProtocolViolation{Kind: "frame", Err: err}
	}
	if length < frameHeaderSize {
		return nil, &ProtocolViolation{Kind: "frame", Err: fmt.Errorf("body length %d below header size", length)}
	}
	if maxSize > 0 && length > uint64(maxSize) {
		return nil, &ProtocolViolation{Kind: "oversize", Err: fmt.Errorf("%w: %d bytes", ErrMessageTooLarge, length)}
	}
	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	msg := &Message{
		Type:          body[0],
		CorrelationID: binary.BigEndian.Uint64(body[1:9]),
		TTL:           body[9],
	}
	if len(body) > frameHeaderSize {
		msg.Payload = body[frameHeaderSize:]
	}
	return msg, nil
}
