// Package request provides streaming helpers for inbound bodies.
package request

import (
	"crypto/md5"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
)

// HashingReader tees a body stream through MD5 (and optionally SHA-256)
// digesters so integrity can be checked after the upload completed without
// buffering the body.
type HashingReader struct {
	r    io.Reader
	md5  hash.Hash
	sha  hash.Hash
	read int64
}

func NewHashingReader(r io.Reader, withSHA256 bool) *HashingReader {
	h := &HashingReader{r: r, md5: md5.New()}
	if withSHA256 {
		h.sha = sha256.New()
	}
	return h
}

func (h *HashingReader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if n > 0 {
		h.md5.Write(p[:n])
		if h.sha != nil {
			h.sha.Write(p[:n])
		}
		h.read += int64(n)
	}
	return n, err
}

// MD5Hex returns the lowercase hex MD5 of everything read so far.
func (h *HashingReader) MD5Hex() string {
	return hex.EncodeToString(h.md5.Sum(nil))
}

// MD5Sum returns the raw 16-byte MD5 digest.
func (h *HashingReader) MD5Sum() []byte {
	return h.md5.Sum(nil)
}

// SHA256Hex returns the lowercase hex SHA-256, or "" when not enabled.
func (h *HashingReader) SHA256Hex() string {
	if h.sha == nil {
		return ""
	}
	return hex.EncodeToString(h.sha.Sum(nil))
}

// BytesRead reports how many body bytes passed through.
func (h *HashingReader) BytesRead() int64 {
	return h.read
}

// DecodeContentMD5 converts the base64 Content-MD5 header into lowercase hex.
func DecodeContentMD5(header string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return "", fmt.Errorf("invalid Content-MD5 encoding: %w", err)
	}
	if len(raw) != md5.Size {
		return "", fmt.Errorf("Content-MD5 must decode to %d bytes", md5.Size)
	}
	return hex.EncodeToString(raw), nil
}

// IsHexSHA256 reports whether the x-amz-content-sha256 value is a concrete
// digest rather than UNSIGNED-PAYLOAD or a streaming sentinel.
func IsHexSHA256(value string) bool {
	if len(value) != 64 {
		return false
	}
	_, err := hex.DecodeString(value)
	return err == nil
}
