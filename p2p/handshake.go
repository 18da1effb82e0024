package p2p

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/flynn/noise"
)

// The handshake is Noise XX (mutual authentication, forward secrecy) with a
// fresh Curve25519 static key per connection. The final payloads carry a
// signed hello binding that Noise static key to the node's long-lived
// secp256k1 identity, so a stolen session key never impersonates a node ID.
const (
	protocolVersion uint32 = 1

	handshakeNonceSize     = 32
	handshakeSkewAllowance = 5 * time.Minute

	noiseStaticSigPrefix = "meshnet-noise-static:"
)

type helloMessage struct {
	ProtocolVersion    uint32   `json:"protoVersion"`
	MinProtocolVersion uint32   `json:"minProtoVersion"`
	NetworkID          uint64   `json:"networkId"`
	ClientVersion      string   `json:"clientVersion"`
	NodeRole           string   `json:"nodeRole"`
	ListenAddrs        []string `json:"listenAddrs,omitempty"`
	Capabilities       []string `json:"capabilities,omitempty"`
	IdentityPub        string   `json:"identityPub"`
	Nonce              string   `json:"nonce"`
	Timestamp          int64    `json:"ts"`
}

type helloPacket struct {
	helloMessage
	Signature string `json:"sig"`

	nodeID     string
	pubKey     *ecdsa.PublicKey
	negotiated uint32
}

// performHandshake drives the Noise XX exchange over conn and authenticates
// the remote hello. On success the returned session carries the transport
// keys and the packet describes the authenticated remote node.
func (s *Server) performHandshake(ctx context.Context, conn net.Conn, initiator bool) (*session, *helloPacket, error) {
	if deadline, ok := ctx.Deadline(); ok {
		if err := conn.SetDeadline(deadline); err != nil {
			return nil, nil, &HandshakeError{Reason: "deadline", Err: err}
		}
		defer conn.SetDeadline(time.Time{})
	}

	cs := noise.NewCipherSuite(noise.DH25519, noise.CipherChaChaPoly, noise.HashSHA256)
	static, err := cs.GenerateKeypair(rand.Reader)
	if err != nil {
		return nil, nil, &HandshakeError{Reason: "keygen", Err: err}
	}
	hs, err := noise.NewHandshakeState(noise.Config{
		CipherSuite:   cs,
		Pattern:       noise.HandshakeXX,
		Initiator:     initiator,
		StaticKeypair: static,
	})
	if err != nil {
		return nil, nil, &HandshakeError{Reason: "state", Err: err}
	}

	localPayload, err := s.buildHello(static.Public)
	if err != nil {
		return nil, nil, &HandshakeError{Reason: "hello", Err: err}
	}

	var send, recv *noise.CipherState
	var remotePayload []byte
	if initiator {
		send, recv, remotePayload, err = initiatorExchange(conn, hs, localPayload)
	} else {
		send, recv, remotePayload, err = responderExchange(conn, hs, localPayload)
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil, &HandshakeError{Reason: "timeout", Err: ErrTimeout}
		}
		return nil, nil, &HandshakeError{Reason: "exchange", Err: err}
	}

	remoteStatic := hs.PeerStatic()
	if len(remoteStatic) != 32 {
		return nil, nil, handshakeErrf("auth", "remote static key length %d", len(remoteStatic))
	}
	remote, err := s.verifyHello(remotePayload, remoteStatic)
	if err != nil {
		return nil, nil, err
	}
	return newSession(conn, send, recv), remote, nil
}

// initiatorExchange runs -> e, <- e ee s es, -> s se with hello payloads on
// the static-key-bearing messages.
func initiatorExchange(conn net.Conn, hs *noise.HandshakeState, localPayload []byte) (*noise.CipherState, *noise.CipherState, []byte, error) {
	msg1, _, _, err := hs.WriteMessage(nil, nil)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write message 1: %w", err)
	}
	if err := writeHandshakeFrame(conn, msg1); err != nil {
		return nil, nil, nil, fmt.Errorf("send message 1: %w", err)
	}

	msg2, err := readHandshakeFrame(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("receive message 2: %w", err)
	}
	remotePayload, _, _, err := hs.ReadMessage(nil, msg2)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read message 2: %w", err)
	}

	msg3, cs1, cs2, err := hs.WriteMessage(nil, localPayload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write message 3: %w", err)
	}
	if err := writeHandshakeFrame(conn, msg3); err != nil {
		return nil, nil, nil, fmt.Errorf("send message 3: %w", err)
	}
	return cs1, cs2, remotePayload, nil
}

func responderExchange(conn net.Conn, hs *noise.HandshakeState, localPayload []byte) (*noise.CipherState, *noise.CipherState, []byte, error) {
	msg1, err := readHandshakeFrame(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("receive message 1: %w", err)
	}
	if _, _, _, err := hs.ReadMessage(nil, msg1); err != nil {
		return nil, nil, nil, fmt.Errorf("read message 1: %w", err)
	}

	msg2, _, _, err := hs.WriteMessage(nil, localPayload)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("write message 2: %w", err)
	}
	if err := writeHandshakeFrame(conn, msg2); err != nil {
		return nil, nil, nil, fmt.Errorf("send message 2: %w", err)
	}

	msg3, err := readHandshakeFrame(conn)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("receive message 3: %w", err)
	}
	remotePayload, cs1, cs2, err := hs.ReadMessage(nil, msg3)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("read message 3: %w", err)
	}
	// Cipher state roles flip for the responder.
	return cs2, cs1, remotePayload, nil
}

// buildHello assembles and signs the local hello over the supplied Noise
// static public key.
func (s *Server) buildHello(noiseStatic []byte) ([]byte, error) {
	nonce := make([]byte, handshakeNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate handshake nonce: %w", err)
	}

	now := s.currentTime()
	pubBytes := ethcrypto.FromECDSAPub(&s.identity.PrivateKey.PublicKey)
	payload := helloMessage{
		ProtocolVersion:    protocolVersion,
		MinProtocolVersion: s.cfg.MinProtocolVersion,
		NetworkID:          s.cfg.NetworkID,
		ClientVersion:      s.cfg.ClientVersion,
		NodeRole:           s.cfg.NodeRole,
		ListenAddrs:        s.ListenAddresses(),
		Capabilities:       append([]string{}, s.cfg.Capabilities...),
		IdentityPub:        encodeHex(pubBytes),
		Nonce:              encodeHex(nonce),
		Timestamp:          now.Unix(),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal hello: %w", err)
	}
	digest := helloDigest(noiseStatic, body)
	sig, err := ethcrypto.Sign(digest, s.identity.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("sign hello: %w", err)
	}

	packet := helloPacket{helloMessage: payload, Signature: encodeHex(sig)}
	if !s.nonceGuard.Remember(s.nodeID, packet.Nonce, now) {
		return nil, fmt.Errorf("nonce collision detected")
	}
	return json.Marshal(&packet)
}

// verifyHello authenticates a remote hello against the Noise static key the
// handshake transcript produced.
func (s *Server) verifyHello(raw []byte, remoteStatic []byte) (*helloPacket, error) {
	if len(raw) == 0 {
		return nil, handshakeErrf("auth", "empty hello payload")
	}
	var packet helloPacket
	if err := json.Unmarshal(raw, &packet); err != nil {
		return nil, &HandshakeError{Reason: "malformed", Err: err}
	}

	if packet.ProtocolVersion < s.cfg.MinProtocolVersion {
		return nil, handshakeErrf("version", "remote version %d below local minimum %d", packet.ProtocolVersion, s.cfg.MinProtocolVersion)
	}
	if protocolVersion < packet.MinProtocolVersion {
		return nil, handshakeErrf("version", "local version %d below remote minimum %d", protocolVersion, packet.MinProtocolVersion)
	}
	if packet.NetworkID != s.cfg.NetworkID {
		return nil, handshakeErrf("network", "network ID mismatch: remote %d local %d", packet.NetworkID, s.cfg.NetworkID)
	}
	if strings.TrimSpace(packet.ClientVersion) == "" {
		return nil, handshakeErrf("malformed", "hello missing client version")
	}
	nonceBytes, err := decodeHex(packet.Nonce)
	if err != nil || len(nonceBytes) != handshakeNonceSize {
		return nil, handshakeErrf("malformed", "invalid handshake nonce")
	}

	ts := time.Unix(packet.Timestamp, 0)
	now := s.currentTime()
	if now.Sub(ts) > handshakeSkewAllowance || ts.Sub(now) > handshakeSkewAllowance {
		return nil, handshakeErrf("auth", "handshake timestamp skew too large")
	}

	pubBytes, err := decodeHex(packet.IdentityPub)
	if err != nil {
		return nil, handshakeErrf("auth", "invalid identity key encoding: %v", err)
	}
	pub, err := ethcrypto.UnmarshalPubkey(pubBytes)
	if err != nil {
		return nil, handshakeErrf("auth", "invalid identity key: %v", err)
	}

	body, err := json.Marshal(packet.helloMessage)
	if err != nil {
		return nil, handshakeErrf("auth", "marshal hello for verification: %v", err)
	}
	sigBytes, err := decodeHex(packet.Signature)
	if err != nil || len(sigBytes) != 65 {
		return nil, handshakeErrf("auth", "invalid hello signature")
	}
	digest := helloDigest(remoteStatic, body)
	recovered, err := ethcrypto.SigToPub(digest, sigBytes)
	if err != nil {
		return nil, handshakeErrf("auth", "recover hello signature: %v", err)
	}
	if !bytes.Equal(ethcrypto.FromECDSAPub(recovered), ethcrypto.FromECDSAPub(pub)) {
		return nil, handshakeErrf("auth", "hello signature does not match identity key")
	}

	nodeID := deriveNodeIDFromPub(pub)
	if nodeID == "" {
		return nil, handshakeErrf("auth", "cannot derive node ID")
	}
	if !s.nonceGuard.Remember(nodeID, packet.Nonce, now) {
		return nil, &ProtocolViolation{Kind: "nonce-replay", Err: fmt.Errorf("handshake nonce replay from %s", nodeID)}
	}

	packet.nodeID = nodeID
	packet.pubKey = pub
	packet.negotiated = protocolVersion
	if packet.ProtocolVersion < packet.negotiated {
		packet.negotiated = packet.ProtocolVersion
	}
	return &packet, nil
}

// helloDigest hashes the Noise static key binding and the hello body into the
// 32-byte digest the recoverable signature covers.
func helloDigest(noiseStatic, body []byte) []byte {
	input := make([]byte, 0, len(noiseStaticSigPrefix)+len(noiseStatic)+len(body))
	input = append(input, noiseStaticSigPrefix...)
	input = append(input, noiseStatic...)
	input = append(input, body...)
	return ethcrypto.Keccak256(input)
}

func encodeHex(data []byte) string {
	if len(data) == 0 {
		return "0x"
	}
	return "0x" + hex.EncodeToString(data)
}

func decodeHex(value string) ([]byte, error) {
	value = strings.TrimSpace(value)
	if strings.HasPrefix(value, "0x") || strings.HasPrefix(value, "0X") {
		value = value[2:]
	}
	if value == "" {
		return []byte{}, nil
	}
	if len(value)%2 == 1 {
		value = "0" + value
	}
	return hex.DecodeString(value)
}
