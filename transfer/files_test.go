package transfer

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"directshare/models"
)

func checksumOf(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func patternBytes(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte((i*31 + i/251) % 256)
	}
	return out
}

func splitChunks(fileID uuid.UUID, data []byte, size int) []models.FileChunk {
	total := chunksFor(int64(len(data)), size)
	chunks := make([]models.FileChunk, 0, total)
	for i := 0; i < total; i++ {
		start := i * size
		end := start + size
		if end > len(data) {
			end = len(data)
		}
		chunks = append(chunks, models.FileChunk{
			FileID:      fileID,
			Index:       i,
			TotalChunks: total,
			Data:        data[start:end],
			Offset:      int64(start),
			IsLast:      i == total-1,
		})
	}
	return chunks
}

func TestChunksForRoundsUp(t *testing.T) {
	cases := []struct {
		size  int64
		chunk int
		want  int
	}{
		{0, 1024, 0},
		{1, 1024, 1},
		{1024, 1024, 1},
		{1025, 1024, 2},
		{200000, 64 * 1024, 4},
		{10, 0, 0},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, chunksFor(tc.size, tc.chunk), "size=%d chunk=%d", tc.size, tc.chunk)
	}
}

func TestReceivedNameStripsDirectories(t *testing.T) {
	assert.Equal(t, "id_report.pdf", receivedName("id", "report.pdf"))
	assert.Equal(t, "id_passwd", receivedName("id", "../../etc/passwd"))
	assert.Equal(t, "id_evil.txt", receivedName("id", `..\..\evil.txt`))
	assert.Equal(t, "id_file.bin", receivedName("id", ".."))
}

func TestMIMETypeFallsBackToOctetStream(t *testing.T) {
	assert.Equal(t, defaultMIMEType, mimeTypeFor("archive.unknownext"))
	assert.Equal(t, "image/png", mimeTypeFor("Screenshot.PNG"))
}

func TestChunkBufferReassemblesAnyArrivalOrder(t *testing.T) {
	data := patternBytes(10_000)
	id := uuid.New()
	chunks := splitChunks(id, data, 1024)

	orders := [][]int{
		{0, 1, 2, 3, 4, 5, 6, 7, 8, 9},
		{9, 8, 7, 6, 5, 4, 3, 2, 1, 0},
		{1, 0, 2, 3, 4, 5, 6, 7, 8, 9},
		{5, 2, 9, 0, 7, 3, 1, 8, 4, 6},
	}
	for _, order := range orders {
		buf := newChunkBuffer()
		for _, i := range order {
			require.True(t, buf.add(chunks[i]))
		}
		ordered, err := buf.ordered()
		require.NoError(t, err)

		var joined []byte
		for _, c := range ordered {
			joined = append(joined, c.Data...)
		}
		assert.True(t, bytes.Equal(data, joined), "order %v", order)
	}
}

func TestChunkBufferRejectsDuplicatesAndGaps(t *testing.T) {
	data := patternBytes(3000)
	chunks := splitChunks(uuid.New(), data, 1000)

	buf := newChunkBuffer()
	require.True(t, buf.add(chunks[0]))
	assert.False(t, buf.add(chunks[0]))
	assert.EqualValues(t, 1000, buf.size)

	require.True(t, buf.add(chunks[2]))
	_, err := buf.ordered()
	assert.ErrorIs(t, err, errIncomplete)
}

func TestWriteReceivedVerifiesChecksum(t *testing.T) {
	dir := t.TempDir()
	data := patternBytes(5000)
	id := uuid.New()

	buf := newChunkBuffer()
	for _, c := range splitChunks(id, data, 2048) {
		buf.add(c)
	}
	meta := models.TransferMetadata{FileID: id, FileName: "photo.jpg", Size: int64(len(data)), Checksum: checksumOf(data)}

	path, err := writeReceived(dir, meta, buf)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, id.String()+"_photo.jpg"), path)
	got, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	meta.FileID = uuid.New()
	meta.Checksum = checksumOf([]byte("something else"))
	_, err = writeReceived(dir, meta, buf)
	assert.ErrorIs(t, err, errChecksumMismatch)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "a rejected file leaves nothing behind")
}

func TestWriteReceivedRejectsShortData(t *testing.T) {
	data := patternBytes(100)
	id := uuid.New()
	buf := newChunkBuffer()
	for _, c := range splitChunks(id, data, 40) {
		buf.add(c)
	}
	meta := models.TransferMetadata{FileID: id, FileName: "a.bin", Size: 200, Checksum: checksumOf(data)}

	_, err := writeReceived(t.TempDir(), meta, buf)
	assert.ErrorIs(t, err, errIncomplete)
}

func TestWriteReceivedEmptyFile(t *testing.T) {
	dir := t.TempDir()
	id := uuid.New()
	meta := models.TransferMetadata{FileID: id, FileName: "empty.txt", Size: 0, Checksum: checksumOf(nil)}

	path, err := writeReceived(dir, meta, newChunkBuffer())
	require.NoError(t, err)
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Zero(t, info.Size())
}
