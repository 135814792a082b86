package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"directshare/models"
)

const defaultMIMEType = "application/octet-stream"

var (
	errIncomplete       = errors.New("chunks do not cover the offered file")
	errChecksumMismatch = errors.New("checksum mismatch")
)

// chunkBuffer holds the chunks of one incoming file until completion.
type chunkBuffer struct {
	chunks map[int]models.FileChunk
	total  int
	size   int64
}

func newChunkBuffer() *chunkBuffer {
	return &chunkBuffer{chunks: make(map[int]models.FileChunk)}
}

// add stores chunk unless its index is already buffered.
func (b *chunkBuffer) add(chunk models.FileChunk) bool {
	if _, dup := b.chunks[chunk.Index]; dup {
		return false
	}
	b.chunks[chunk.Index] = chunk
	b.size += int64(len(chunk.Data))
	if chunk.TotalChunks > b.total {
		b.total = chunk.TotalChunks
	}
	return true
}

// ordered returns the chunks sorted by index after checking that they form
// one gapless run matching the announced chunk count.
func (b *chunkBuffer) ordered() ([]models.FileChunk, error) {
	indexes := make([]int, 0, len(b.chunks))
	for index := range b.chunks {
		indexes = append(indexes, index)
	}
	sort.Ints(indexes)

	if len(indexes) != b.total {
		return nil, fmt.Errorf("%w: have %d of %d chunks", errIncomplete, len(indexes), b.total)
	}

	out := make([]models.FileChunk, 0, len(indexes))
	var offset int64
	for i, index := range indexes {
		chunk := b.chunks[index]
		if index != i || chunk.Offset != offset {
			return nil, fmt.Errorf("%w: gap before chunk %d", errIncomplete, index)
		}
		offset += int64(len(chunk.Data))
		out = append(out, chunk)
	}
	return out, nil
}

// writeReceived reassembles buf into the receive directory, verifying size
// and checksum before the file becomes visible under its final name.
func writeReceived(dir string, meta models.TransferMetadata, buf *chunkBuffer) (string, error) {
	chunks, err := buf.ordered()
	if err != nil {
		return "", err
	}
	if buf.size != meta.Size {
		return "", fmt.Errorf("%w: have %d of %d bytes", errIncomplete, buf.size, meta.Size)
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("create receive dir: %w", err)
	}
	finalPath := filepath.Join(dir, receivedName(meta.FileID.String(), meta.FileName))
	tempPath := finalPath + ".part"

	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}

	hasher := sha256.New()
	w := io.MultiWriter(file, hasher)
	for _, chunk := range chunks {
		if _, err := w.Write(chunk.Data); err != nil {
			_ = file.Close()
			removeQuietly(tempPath)
			return "", fmt.Errorf("write chunk %d: %w", chunk.Index, err)
		}
	}
	if err := file.Close(); err != nil {
		removeQuietly(tempPath)
		return "", fmt.Errorf("close temp file: %w", err)
	}

	if sum := hex.EncodeToString(hasher.Sum(nil)); !strings.EqualFold(sum, meta.Checksum) {
		removeQuietly(tempPath)
		return "", fmt.Errorf("%w: got %s, want %s", errChecksumMismatch, sum, meta.Checksum)
	}

	if err := os.Rename(tempPath, finalPath); err != nil {
		removeQuietly(tempPath)
		return "", fmt.Errorf("finalize received file: %w", err)
	}
	return finalPath, nil
}

func removeQuietly(path string) {
	_ = os.Remove(path)
}

// readChunkAt reads up to size bytes at offset. A read past the end of
// the file is io.ErrUnexpectedEOF.
func readChunkAt(r io.ReaderAt, offset int64, size int) ([]byte, error) {
	buf := make([]byte, size)
	n, err := r.ReadAt(buf, offset)
	switch {
	case n == 0 && (err == nil || errors.Is(err, io.EOF)):
		return nil, io.ErrUnexpectedEOF
	case err != nil && !errors.Is(err, io.EOF):
		return nil, fmt.Errorf("read %d bytes at %d: %w", size, offset, err)
	}
	return buf[:n], nil
}

// sha256File returns the lowercase hex SHA-256 of the file at path.
func sha256File(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// chunksFor is the number of chunks of chunkSize needed to carry size
// bytes. An empty file has none.
func chunksFor(size int64, chunkSize int) int {
	if size <= 0 || chunkSize <= 0 {
		return 0
	}
	return int((size + int64(chunkSize) - 1) / int64(chunkSize))
}

// receivedName is the on-disk name for an incoming file: the file ID, an
// underscore, and the last element of the offered name with any directory
// parts from either path convention removed.
func receivedName(fileID, offered string) string {
	base := path.Base(strings.ReplaceAll(offered, `\`, "/"))
	switch base {
	case "", ".", "..", "/":
		base = "file.bin"
	}
	return fileID + "_" + base
}

func mimeTypeFor(path string) string {
	if t := mime.TypeByExtension(strings.ToLower(filepath.Ext(path))); t != "" {
		return t
	}
	return defaultMIMEType
}
