package signal

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrMalformedDescriptor indicates a descriptor that could not be decoded.
// It is not retryable; the user must re-obtain the code from the other device.
var ErrMalformedDescriptor = errors.New("malformed connection descriptor")

// Role identifies which side of the handshake produced a descriptor.
type Role string

const (
	// RoleOffer marks the descriptor produced by the initiator.
	RoleOffer Role = "offer"
	// RoleAnswer marks the descriptor produced by the responder.
	RoleAnswer Role = "answer"
)

// Descriptor is the opaque signaling payload exchanged out-of-band, typically
// as a copied text blob or a QR code. It is immutable and single-use.
type Descriptor struct {
	Type     Role   `json:"type"`
	SDP      string `json:"sdp"`
	PeerID   string `json:"peerId"`
	PeerName string `json:"peerName"`
}

// Encode serializes a descriptor as base64(JSON) for out-of-band exchange.
func Encode(d Descriptor) (string, error) {
	data, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("failed to marshal descriptor: %w", err)
	}
	return base64.StdEncoding.EncodeToString(data), nil
}

// Decode parses an encoded descriptor. Any structural problem - bad base64,
// invalid JSON, or a missing field - fails with ErrMalformedDescriptor.
func Decode(encoded string) (Descriptor, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return Descriptor{}, fmt.Errorf("%w: invalid base64: %v", ErrMalformedDescriptor, err)
	}

	var d Descriptor
	if err := json.Unmarshal(data, &d); err != nil {
		return Descriptor{}, fmt.Errorf("%w: invalid JSON: %v", ErrMalformedDescriptor, err)
	}

	if d.Type != RoleOffer && d.Type != RoleAnswer {
		return Descriptor{}, fmt.Errorf("%w: unknown type %q", ErrMalformedDescriptor, d.Type)
	}
	if d.SDP == "" {
		return Descriptor{}, fmt.Errorf("%w: missing sdp", ErrMalformedDescriptor)
	}
	if d.PeerID == "" {
		return Descriptor{}, fmt.Errorf("%w: missing peerId", ErrMalformedDescriptor)
	}

	return d, nil
}
