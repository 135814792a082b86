package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"directshare/models"
)

// Version is the current application protocol version.
const Version = 1

// MaxChunkSize is the largest accepted chunk payload (4 MiB).
const MaxChunkSize = 4 * 1024 * 1024

// MessageType identifies an application protocol message.
type MessageType string

const (
	TypeFileOffer    MessageType = "file_offer"
	TypeFileAccept   MessageType = "file_accept"
	TypeFileReject   MessageType = "file_reject"
	TypeFileData     MessageType = "file_data"
	TypeFileComplete MessageType = "file_complete"
	TypeFileCancel   MessageType = "file_cancel"
)

// Known reports whether t is part of the protocol.
func (t MessageType) Known() bool {
	switch t {
	case TypeFileOffer, TypeFileAccept, TypeFileReject, TypeFileData, TypeFileComplete, TypeFileCancel:
		return true
	default:
		return false
	}
}

// IsControl reports whether the payload of t is a bare file identifier.
func (t MessageType) IsControl() bool {
	switch t {
	case TypeFileAccept, TypeFileReject, TypeFileComplete, TypeFileCancel:
		return true
	default:
		return false
	}
}

// PeerMessage is one logical protocol message. Payload holds the encoded
// body for Type; use the constructors and typed accessors rather than
// building it by hand.
type PeerMessage struct {
	Type    MessageType
	Payload []byte
}

// OfferPayload proposes a file transfer.
type OfferPayload struct {
	Metadata     models.TransferMetadata `json:"metadata"`
	SenderName   string                  `json:"sender_name"`
	TotalFiles   int                     `json:"total_files"`
	CurrentIndex int                     `json:"current_index"`
}

// NewOfferMessage builds a file_offer message.
func NewOfferMessage(offer OfferPayload) (PeerMessage, error) {
	if err := validateOffer(offer); err != nil {
		return PeerMessage{}, err
	}
	return newMessage(TypeFileOffer, offer)
}

// NewChunkMessage builds a file_data message.
func NewChunkMessage(chunk models.FileChunk) (PeerMessage, error) {
	if err := validateChunk(chunk); err != nil {
		return PeerMessage{}, err
	}
	return newMessage(TypeFileData, chunk)
}

// NewControlMessage builds an accept, reject, complete or cancel message
// carrying only the file identifier.
func NewControlMessage(t MessageType, fileID uuid.UUID) (PeerMessage, error) {
	if !t.IsControl() {
		return PeerMessage{}, fmt.Errorf("%w: %q is not a control message", ErrUnknownMessageType, t)
	}
	if fileID == uuid.Nil {
		return PeerMessage{}, fmt.Errorf("%w: empty file id", ErrMalformedPayload)
	}
	return newMessage(t, fileID.String())
}

func newMessage(t MessageType, body any) (PeerMessage, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return PeerMessage{}, fmt.Errorf("marshal %s payload: %w", t, err)
	}
	return PeerMessage{Type: t, Payload: payload}, nil
}

// Offer decodes a file_offer payload.
func (m PeerMessage) Offer() (OfferPayload, error) {
	var offer OfferPayload
	if err := m.decodePayload(TypeFileOffer, &offer); err != nil {
		return OfferPayload{}, err
	}
	if err := validateOffer(offer); err != nil {
		return OfferPayload{}, err
	}
	return offer, nil
}

// Chunk decodes a file_data payload.
func (m PeerMessage) Chunk() (models.FileChunk, error) {
	var chunk models.FileChunk
	if err := m.decodePayload(TypeFileData, &chunk); err != nil {
		return models.FileChunk{}, err
	}
	if err := validateChunk(chunk); err != nil {
		return models.FileChunk{}, err
	}
	return chunk, nil
}

// FileID decodes the identifier carried by a control message.
func (m PeerMessage) FileID() (uuid.UUID, error) {
	if !m.Type.IsControl() {
		return uuid.Nil, fmt.Errorf("%w: %q carries no bare file id", ErrUnknownMessageType, m.Type)
	}
	var raw string
	if err := json.Unmarshal(m.Payload, &raw); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	id, err := uuid.Parse(raw)
	if err != nil || id == uuid.Nil {
		return uuid.Nil, fmt.Errorf("%w: invalid file id %q", ErrMalformedPayload, raw)
	}
	return id, nil
}

func (m PeerMessage) decodePayload(want MessageType, out any) error {
	if m.Type != want {
		return fmt.Errorf("%w: expected %s, got %q", ErrUnknownMessageType, want, m.Type)
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: empty %s payload", ErrMalformedPayload, want)
	}
	if err := json.Unmarshal(m.Payload, out); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	return nil
}

func validateOffer(offer OfferPayload) error {
	md := offer.Metadata
	switch {
	case md.FileID == uuid.Nil:
		return fmt.Errorf("%w: offer without file id", ErrMalformedPayload)
	case md.FileName == "":
		return fmt.Errorf("%w: offer without file name", ErrMalformedPayload)
	case md.Size < 0:
		return fmt.Errorf("%w: negative offer size %d", ErrMalformedPayload, md.Size)
	case offer.TotalFiles < 0 || offer.CurrentIndex < 0:
		return fmt.Errorf("%w: negative batch position", ErrMalformedPayload)
	}
	return nil
}

func validateChunk(chunk models.FileChunk) error {
	switch {
	case chunk.FileID == uuid.Nil:
		return fmt.Errorf("%w: chunk without file id", ErrMalformedPayload)
	case chunk.TotalChunks <= 0:
		return fmt.Errorf("%w: chunk total %d", ErrMalformedPayload, chunk.TotalChunks)
	case chunk.Index < 0 || chunk.Index >= chunk.TotalChunks:
		return fmt.Errorf("%w: chunk index %d of %d", ErrMalformedPayload, chunk.Index, chunk.TotalChunks)
	case chunk.Offset < 0:
		return fmt.Errorf("%w: negative chunk offset", ErrMalformedPayload)
	case len(chunk.Data) > MaxChunkSize:
		return fmt.Errorf("%w: chunk of %d bytes exceeds %d", ErrMalformedPayload, len(chunk.Data), MaxChunkSize)
	}
	return nil
}
