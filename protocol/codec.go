package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

var (
	// ErrDecode is matched by every decoding failure.
	ErrDecode = errors.New("protocol: decode failed")
	// ErrUnsupportedVersion indicates an envelope from another protocol version.
	ErrUnsupportedVersion = fmt.Errorf("%w: unsupported protocol version", ErrDecode)
	// ErrUnknownMessageType indicates a missing or unrecognized message type.
	ErrUnknownMessageType = fmt.Errorf("%w: unknown message type", ErrDecode)
	// ErrMalformedPayload indicates an envelope or payload that does not parse.
	ErrMalformedPayload = fmt.Errorf("%w: malformed payload", ErrDecode)
)

var jsonNull = []byte("null")

type envelope struct {
	Version int             `json:"version"`
	Type    MessageType     `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes msg into one self-describing envelope.
func Encode(msg PeerMessage) ([]byte, error) {
	if !msg.Type.Known() {
		return nil, fmt.Errorf("encode: %w: %q", ErrUnknownMessageType, msg.Type)
	}
	payload := json.RawMessage(msg.Payload)
	if len(payload) == 0 {
		payload = jsonNull
	}
	if !json.Valid(payload) {
		return nil, fmt.Errorf("encode %s: %w", msg.Type, ErrMalformedPayload)
	}

	raw, err := json.Marshal(envelope{
		Version: Version,
		Type:    msg.Type,
		Payload: payload,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal envelope: %w", err)
	}
	return raw, nil
}

// Decode parses an envelope produced by Encode. The payload is validated
// against its message type so a message that decodes is always usable.
func Decode(raw []byte) (PeerMessage, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return PeerMessage{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.Version != Version {
		return PeerMessage{}, fmt.Errorf("%w: got %d, want %d", ErrUnsupportedVersion, env.Version, Version)
	}
	if !env.Type.Known() {
		return PeerMessage{}, fmt.Errorf("%w: %q", ErrUnknownMessageType, env.Type)
	}

	msg := PeerMessage{Type: env.Type}
	if len(env.Payload) > 0 && !bytes.Equal(env.Payload, jsonNull) {
		msg.Payload = []byte(env.Payload)
	}

	var err error
	switch {
	case msg.Type == TypeFileOffer:
		_, err = msg.Offer()
	case msg.Type == TypeFileData:
		_, err = msg.Chunk()
	case msg.Type.IsControl():
		_, err = msg.FileID()
	}
	if err != nil {
		return PeerMessage{}, err
	}
	return msg, nil
}
