package changes

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
)

// ChecksumFile streams the file through SHA-256. The result matches
// store.Checksum of the same bytes.
func ChecksumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
