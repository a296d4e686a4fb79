package auth

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Version identifies the protocol. The "dual-nonce" tag records that
// handshake nonces and payment nonces occupy disjoint namespaces and are
// never compared across them.
const Version = "0.2-dual-nonce"

const (
	MsgTypeInitial             = "initial"
	MsgTypeInitialResponse     = "initialResponse"
	MsgTypeCertificateRequest  = "certificateRequest"
	MsgTypeCertificateResponse = "certificateResponse"
	MsgTypeGeneral             = "general"

	// NonceSize is the length of a raw handshake or payment nonce.
	NonceSize = 32

	// MaxMessageSize bounds a serialized AuthMessage. Certificate sets are
	// the only variable-length part and are small signed attestations.
	MaxMessageSize = 64 << 10
)

// AuthMessage is the abstract message exchanged over whatever transport the
// adapter provides, conventionally carried as headers plus a JSON body.
type AuthMessage struct {
	Version     string `json:"version"`
	MessageType string `json:"messageType"`
	IdentityKey string `json:"identityKey"`

	// Nonce is the sender's fresh nonce; YourNonce echoes the peer's nonce,
	// binding the reply to the exchange that solicited it.
	Nonce     string `json:"nonce,omitempty"`
	YourNonce string `json:"yourNonce,omitempty"`

	Signature string `json:"signature,omitempty"`

	Certificates          []Certificate          `json:"certificates,omitempty"`
	RequestedCertificates *RequestedCertificates `json:"requestedCertificates,omitempty"`

	Payload []byte `json:"payload,omitempty"`
}

// Certificate is a signed attestation about an identity. Fields may be a
// subset of what the certifier attested to (selective disclosure).
type Certificate struct {
	Type      string            `json:"type"`
	Subject   string            `json:"subject"`
	Certifier string            `json:"certifier"`
	Fields    map[string]string `json:"fields"`
	Signature string            `json:"signature"`
}

// RequestedCertificates names acceptable certifiers and, per certificate
// type, the field names the requester needs disclosed.
type RequestedCertificates struct {
	Certifiers []string            `json:"certifiers"`
	Types      map[string][]string `json:"types"`
}

func EncodeMessage(m AuthMessage) ([]byte, error) {
	if m.Version == "" {
		m.Version = Version
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	if len(data) > MaxMessageSize {
		return nil, fmt.Errorf("message too large: %d bytes", len(data))
	}
	return data, nil
}

func DecodeMessage(data []byte) (AuthMessage, error) {
	if len(data) > MaxMessageSize {
		return AuthMessage{}, ErrProtocolMalformed
	}
	var m AuthMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return AuthMessage{}, ErrProtocolMalformed
	}
	switch m.MessageType {
	case MsgTypeInitial, MsgTypeInitialResponse, MsgTypeCertificateRequest,
		MsgTypeCertificateResponse, MsgTypeGeneral:
	default:
		return AuthMessage{}, ErrProtocolMalformed
	}
	return m, nil
}

// EncodeSignature hex-encodes a signature for the wire.
func EncodeSignature(sig []byte) string {
	return hex.EncodeToString(sig)
}

// DecodeSignature decodes a wire signature field.
func DecodeSignature(s string) ([]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) == 0 {
		return nil, ErrProtocolMalformed
	}
	return raw, nil
}

// DecodeNonce decodes a wire nonce and enforces its size.
func DecodeNonce(s string) ([]byte, error) {
	raw, err := hex.DecodeString(s)
	if err != nil || len(raw) != NonceSize {
		return nil, ErrProtocolMalformed
	}
	return raw, nil
}

// HandshakeSigInput is the byte string both sides sign during the handshake:
// the initiator's nonce followed by the responder's nonce, raw bytes.
func HandshakeSigInput(initiatorNonce, responderNonce []byte) []byte {
	buf := make([]byte, 0, len(initiatorNonce)+len(responderNonce))
	buf = append(buf, initiatorNonce...)
	buf = append(buf, responderNonce...)
	return buf
}

// GeneralSigInput covers the session's nonce pair and the payload, so a
// general message cannot be replayed into a different session or altered.
func GeneralSigInput(nonce, yourNonce, payload []byte) []byte {
	buf := make([]byte, 0, len(nonce)+len(yourNonce)+len(payload))
	buf = append(buf, nonce...)
	buf = append(buf, yourNonce...)
	buf = append(buf, payload...)
	return buf
}
