package protocol

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"directshare/models"
)

func testOffer() OfferPayload {
	return OfferPayload{
		Metadata: models.TransferMetadata{
			FileID:   uuid.New(),
			FileName: "report <final>.pdf",
			Size:     200000,
			MIMEType: "application/pdf",
			Checksum: "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08",
		},
		SenderName:   "Alice's laptop",
		TotalFiles:   3,
		CurrentIndex: 1,
	}
}

func TestEncodeDecodeRoundTripEveryType(t *testing.T) {
	fileID := uuid.New()
	offer, err := NewOfferMessage(testOffer())
	require.NoError(t, err)

	messages := []PeerMessage{offer}
	for _, size := range []int{0, 1, 65536, MaxChunkSize} {
		chunk, err := NewChunkMessage(models.FileChunk{
			FileID:      fileID,
			Index:       1,
			TotalChunks: 2,
			Data:        bytes.Repeat([]byte{0xAB}, size),
			Offset:      int64(size),
			IsLast:      true,
		})
		require.NoError(t, err)
		messages = append(messages, chunk)
	}
	for _, typ := range []MessageType{TypeFileAccept, TypeFileReject, TypeFileComplete, TypeFileCancel} {
		control, err := NewControlMessage(typ, fileID)
		require.NoError(t, err)
		messages = append(messages, control)
	}

	for _, msg := range messages {
		raw, err := Encode(msg)
		require.NoError(t, err, "encode %s", msg.Type)

		decoded, err := Decode(raw)
		require.NoError(t, err, "decode %s", msg.Type)
		assert.Equal(t, msg, decoded)
	}
}

func TestTypedAccessorsPreserveEveryField(t *testing.T) {
	want := testOffer()
	msg, err := NewOfferMessage(want)
	require.NoError(t, err)
	raw, err := Encode(msg)
	require.NoError(t, err)
	decoded, err := Decode(raw)
	require.NoError(t, err)

	got, err := decoded.Offer()
	require.NoError(t, err)
	assert.Equal(t, want, got)

	chunk := models.FileChunk{
		FileID:      uuid.New(),
		Index:       3,
		TotalChunks: 4,
		Data:        []byte{0x00, 0xff, 0x10, 0x00},
		Offset:      196608,
		IsLast:      true,
	}
	msg, err = NewChunkMessage(chunk)
	require.NoError(t, err)
	raw, err = Encode(msg)
	require.NoError(t, err)
	decoded, err = Decode(raw)
	require.NoError(t, err)
	gotChunk, err := decoded.Chunk()
	require.NoError(t, err)
	assert.Equal(t, chunk, gotChunk)

	id := uuid.New()
	msg, err = NewControlMessage(TypeFileCancel, id)
	require.NoError(t, err)
	gotID, err := msg.FileID()
	require.NoError(t, err)
	assert.Equal(t, id, gotID)
}

func TestDecodeRejectsMalformedInput(t *testing.T) {
	validID, _ := json.Marshal(uuid.NewString())

	cases := []struct {
		name string
		raw  []byte
		want error
	}{
		{"not json", []byte("{nope"), ErrMalformedPayload},
		{"empty", []byte{}, ErrMalformedPayload},
		{"missing version", []byte(`{"type":"file_accept","payload":` + string(validID) + `}`), ErrUnsupportedVersion},
		{"future version", []byte(`{"version":2,"type":"file_accept","payload":` + string(validID) + `}`), ErrUnsupportedVersion},
		{"unknown type", []byte(`{"version":1,"type":"file_resume","payload":null}`), ErrUnknownMessageType},
		{"missing type", []byte(`{"version":1,"payload":null}`), ErrUnknownMessageType},
		{"control without id", []byte(`{"version":1,"type":"file_accept","payload":null}`), ErrMalformedPayload},
		{"control bad id", []byte(`{"version":1,"type":"file_reject","payload":"not-a-uuid"}`), ErrMalformedPayload},
		{"offer wrong shape", []byte(`{"version":1,"type":"file_offer","payload":[1,2]}`), ErrMalformedPayload},
		{"offer without name", []byte(`{"version":1,"type":"file_offer","payload":{"metadata":{"file_id":"` + uuid.NewString() + `","size":3}}}`), ErrMalformedPayload},
		{"chunk index out of range", []byte(`{"version":1,"type":"file_data","payload":{"file_id":"` + uuid.NewString() + `","index":4,"total_chunks":4}}`), ErrMalformedPayload},
		{"chunk bad base64", []byte(`{"version":1,"type":"file_data","payload":{"file_id":"` + uuid.NewString() + `","index":0,"total_chunks":1,"data":"***"}}`), ErrMalformedPayload},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msg, err := Decode(tc.raw)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, ErrDecode)
			assert.Equal(t, PeerMessage{}, msg)
		})
	}
}

func TestConstructorsRejectInvalidValues(t *testing.T) {
	_, err := NewControlMessage(TypeFileData, uuid.New())
	assert.ErrorIs(t, err, ErrUnknownMessageType)

	_, err = NewControlMessage(TypeFileAccept, uuid.Nil)
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = NewChunkMessage(models.FileChunk{
		FileID:      uuid.New(),
		TotalChunks: 1,
		Data:        make([]byte, MaxChunkSize+1),
	})
	assert.ErrorIs(t, err, ErrMalformedPayload)

	_, err = Encode(PeerMessage{Type: "bogus"})
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}

func TestAccessorTypeMismatch(t *testing.T) {
	msg, err := NewControlMessage(TypeFileComplete, uuid.New())
	require.NoError(t, err)

	_, err = msg.Offer()
	assert.ErrorIs(t, err, ErrUnknownMessageType)
	_, err = msg.Chunk()
	assert.ErrorIs(t, err, ErrUnknownMessageType)
}
