package store

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// ChecksumAlgorithm names the file digest stored in files.checksum. It is
// part of the persisted format: changing it invalidates every row, which
// EnsureFormat handles by wiping the index.
const ChecksumAlgorithm = "sha256"

// Checksum returns the hex SHA-256 of data.
func Checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// ChunkID derives a stable identity from the owning path, the byte range
// and the chunk text, so re-chunking an unchanged region reproduces it.
func ChunkID(filePath string, r ByteRange, text string) string {
	content := sha256.Sum256([]byte(text))
	h := sha256.New()
	h.Write([]byte(filePath))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(r.Start)))
	h.Write([]byte{':'})
	h.Write([]byte(strconv.Itoa(r.End)))
	h.Write([]byte{0})
	h.Write(content[:])
	return hex.EncodeToString(h.Sum(nil))[:32]
}
