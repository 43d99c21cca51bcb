// Package multipart emulates S3 multipart uploads on a backend that only
// has flat PUT/GET/DELETE. All coordination state lives on the storage zone
// under the reserved __multipart/ prefix, keeping the gateway stateless.
package multipart

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/edgecdn-tools/bunny-s3-gateway/internal/bunny"
)

// Prefix is the reserved key namespace for upload state. Keys under it are
// hidden from listings and unreachable through the object handlers.
const Prefix = "__multipart/"

const (
	MinPartNumber = 1
	MaxPartNumber = 10000

	metaName = "_meta"
)

var (
	// ErrNoSuchUpload is returned when the upload directory or its _meta is
	// gone, i.e. the upload was never created, completed, or aborted.
	ErrNoSuchUpload = errors.New("multipart: no such upload")
	// ErrPartMismatch is returned by Complete when a requested part is
	// missing or its ETag disagrees with what UploadPart recorded.
	ErrPartMismatch = errors.New("multipart: part not found or etag mismatch")
)

// PartInfo is the per-part record kept in _meta.
type PartInfo struct {
	ETag string `json:"etag"`
	Size int64  `json:"size"`
}

// Meta is the JSON document at __multipart/{upload_id}/_meta. The parts map
// is keyed by the decimal part number and rewritten on every UploadPart.
type Meta struct {
	Key       string              `json:"key"`
	CreatedAt time.Time           `json:"created_at"`
	Parts     map[string]PartInfo `json:"parts"`
}

// Part is a sorted view of one _meta entry.
type Part struct {
	Number int
	ETag   string
	Size   int64
}

// SortedParts returns the recorded parts ascending by part number.
func (m *Meta) SortedParts() []Part {
	parts := make([]Part, 0, len(m.Parts))
	for key, info := range m.Parts {
		n, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		parts = append(parts, Part{Number: n, ETag: info.ETag, Size: info.Size})
	}
	sort.Slice(parts, func(i, j int) bool { return parts[i].Number < parts[j].Number })
	return parts
}

// CompletedPart is one entry of the client's CompleteMultipartUpload XML.
type CompletedPart struct {
	PartNumber int
	ETag       string
}

// Engine drives the upload lifecycle against one storage zone.
type Engine struct {
	client *bunny.Client
	log    *logrus.Entry
}

func NewEngine(client *bunny.Client) *Engine {
	return &Engine{
		client: client,
		log:    logrus.WithField("component", "multipart"),
	}
}

func uploadDir(uploadID string) string {
	return Prefix + uploadID
}

func metaPath(uploadID string) string {
	return uploadDir(uploadID) + "/" + metaName
}

func partPath(uploadID string, partNumber int) string {
	return uploadDir(uploadID) + "/" + strconv.Itoa(partNumber)
}

// Create allocates an upload ID and persists an empty _meta for the target
// key.
func (e *Engine) Create(ctx context.Context, key string) (string, error) {
	uploadID := uuid.NewString()
	meta := &Meta{
		Key:       key,
		CreatedAt: time.Now().UTC(),
		Parts:     make(map[string]PartInfo),
	}
	if err := e.writeMeta(ctx, uploadID, meta); err != nil {
		return "", err
	}
	e.log.WithFields(logrus.Fields{
		"upload_id": uploadID,
		"key":       key,
	}).Debug("Multipart upload created")
	return uploadID, nil
}

// ReadMeta loads the upload state, or ErrNoSuchUpload.
func (e *Engine) ReadMeta(ctx context.Context, uploadID string) (*Meta, error) {
	resp, err := e.client.Download(ctx, metaPath(uploadID), nil)
	if err != nil {
		if errors.Is(err, bunny.ErrNotFound) {
			return nil, ErrNoSuchUpload
		}
		return nil, err
	}
	defer resp.Body.Close()

	var meta Meta
	if err := json.NewDecoder(resp.Body).Decode(&meta); err != nil {
		return nil, fmt.Errorf("decoding upload meta %s: %w", uploadID, err)
	}
	if meta.Parts == nil {
		meta.Parts = make(map[string]PartInfo)
	}
	return &meta, nil
}

func (e *Engine) writeMeta(ctx context.Context, uploadID string, meta *Meta) error {
	payload, err := json.Marshal(meta)
	if err != nil {
		return fmt.Errorf("encoding upload meta: %w", err)
	}
	return e.client.Upload(ctx, metaPath(uploadID), bytes.NewReader(payload), int64(len(payload)), bunny.UploadOptions{})
}

// UploadPart streams the part body to storage, computing its MD5 on the fly,
// then records it in _meta via read-modify-write. Concurrent writers of
// different part numbers may interleave; last writer wins per entry, which
// converges because each part number conventionally has a single uploader.
func (e *Engine) UploadPart(ctx context.Context, uploadID string, partNumber int, body io.Reader, length int64) (string, error) {
	if partNumber < MinPartNumber || partNumber > MaxPartNumber {
		return "", fmt.Errorf("part number %d out of range [%d, %d]", partNumber, MinPartNumber, MaxPartNumber)
	}
	if _, err := e.ReadMeta(ctx, uploadID); err != nil {
		return "", err
	}

	digest := md5.New()
	counted := &countingReader{r: io.TeeReader(body, digest)}
	if err := e.client.Upload(ctx, partPath(uploadID, partNumber), counted, length, bunny.UploadOptions{}); err != nil {
		return "", err
	}
	etag := hex.EncodeToString(digest.Sum(nil))

	meta, err := e.ReadMeta(ctx, uploadID)
	if err != nil {
		return "", err
	}
	meta.Parts[strconv.Itoa(partNumber)] = PartInfo{ETag: etag, Size: counted.n}
	if err := e.writeMeta(ctx, uploadID, meta); err != nil {
		return "", err
	}

	e.log.WithFields(logrus.Fields{
		"upload_id": uploadID,
		"part":      partNumber,
		"size":      counted.n,
	}).Debug("Part uploaded")
	return etag, nil
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// Complete validates the requested parts against _meta, streams their
// concatenation into the final key, and returns the composite ETag
// (md5 over the concatenated raw part digests, suffixed with the part
// count). Parts are never re-downloaded for validation; the recorded ETags
// are authoritative. Upload state is removed best-effort afterwards.
func (e *Engine) Complete(ctx context.Context, uploadID string, requested []CompletedPart, dstKey string) (string, error) {
	meta, err := e.ReadMeta(ctx, uploadID)
	if err != nil {
		return "", err
	}
	if len(requested) == 0 {
		return "", fmt.Errorf("%w: empty part list", ErrPartMismatch)
	}

	var totalSize int64
	concatDigest := md5.New()
	for _, req := range requested {
		recorded, ok := meta.Parts[strconv.Itoa(req.PartNumber)]
		if !ok || !etagEqual(recorded.ETag, req.ETag) {
			return "", fmt.Errorf("%w: part %d", ErrPartMismatch, req.PartNumber)
		}
		raw, err := hex.DecodeString(recorded.ETag)
		if err != nil {
			return "", fmt.Errorf("corrupt etag for part %d: %w", req.PartNumber, err)
		}
		concatDigest.Write(raw)
		totalSize += recorded.Size
	}
	finalETag := fmt.Sprintf("%s-%d", hex.EncodeToString(concatDigest.Sum(nil)), len(requested))

	// Pump each part GET into one outbound PUT, in requested order. At most
	// one part is in flight at a time.
	pr, pw := io.Pipe()
	go func() {
		for _, req := range requested {
			resp, err := e.client.Download(ctx, partPath(uploadID, req.PartNumber), nil)
			if err != nil {
				pw.CloseWithError(fmt.Errorf("fetching part %d: %w", req.PartNumber, err))
				return
			}
			_, err = io.Copy(pw, resp.Body)
			resp.Body.Close()
			if err != nil {
				pw.CloseWithError(fmt.Errorf("streaming part %d: %w", req.PartNumber, err))
				return
			}
		}
		pw.Close()
	}()

	if err := e.client.Upload(ctx, dstKey, pr, totalSize, bunny.UploadOptions{}); err != nil {
		pr.CloseWithError(err)
		return "", err
	}

	e.cleanup(ctx, uploadID, meta)
	e.log.WithFields(logrus.Fields{
		"upload_id": uploadID,
		"key":       dstKey,
		"parts":     len(requested),
		"size":      totalSize,
	}).Info("Multipart upload completed")
	return finalETag, nil
}

// cleanup removes the parts and _meta after a successful completion. The
// final object is already durable, so failures here only leave garbage and
// are logged rather than surfaced.
func (e *Engine) cleanup(ctx context.Context, uploadID string, meta *Meta) {
	for key := range meta.Parts {
		n, err := strconv.Atoi(key)
		if err != nil {
			continue
		}
		if err := e.client.Delete(ctx, partPath(uploadID, n)); err != nil {
			e.log.WithError(err).WithField("upload_id", uploadID).Warn("Failed to delete part after completion")
		}
	}
	if err := e.client.Delete(ctx, metaPath(uploadID)); err != nil {
		e.log.WithError(err).WithField("upload_id", uploadID).Warn("Failed to delete meta after completion")
	}
	if err := e.client.DeleteDir(ctx, uploadDir(uploadID)); err != nil {
		e.log.WithError(err).WithField("upload_id", uploadID).Warn("Failed to delete upload directory")
	}
}

// Abort deletes everything under the upload prefix. Missing objects count
// as deleted, so aborting twice succeeds.
func (e *Engine) Abort(ctx context.Context, uploadID string) error {
	objects, err := e.client.List(ctx, uploadDir(uploadID))
	if err != nil {
		return err
	}
	if len(objects) == 0 {
		// Directory is already gone; verify the upload ever existed so the
		// handler can answer NoSuchUpload.
		return ErrNoSuchUpload
	}
	for i := range objects {
		if err := e.client.Delete(ctx, objects[i].S3Key()); err != nil {
			return err
		}
	}
	return e.client.DeleteDir(ctx, uploadDir(uploadID))
}

// UploadInfo is one open upload as reported by ListUploads.
type UploadInfo struct {
	Key       string
	UploadID  string
	Initiated time.Time
}

// ListUploads walks __multipart/ and reads each _meta, filtering by key
// prefix.
func (e *Engine) ListUploads(ctx context.Context, keyPrefix string) ([]UploadInfo, error) {
	dirs, err := e.client.List(ctx, Prefix)
	if err != nil {
		return nil, err
	}

	var uploads []UploadInfo
	for i := range dirs {
		if !dirs[i].IsDirectory {
			continue
		}
		uploadID := dirs[i].ObjectName
		meta, err := e.ReadMeta(ctx, uploadID)
		if err != nil {
			if errors.Is(err, ErrNoSuchUpload) {
				continue
			}
			return nil, err
		}
		if keyPrefix != "" && !strings.HasPrefix(meta.Key, keyPrefix) {
			continue
		}
		uploads = append(uploads, UploadInfo{
			Key:       meta.Key,
			UploadID:  uploadID,
			Initiated: meta.CreatedAt,
		})
	}
	sort.Slice(uploads, func(i, j int) bool {
		if uploads[i].Key == uploads[j].Key {
			return uploads[i].UploadID < uploads[j].UploadID
		}
		return uploads[i].Key < uploads[j].Key
	})
	return uploads, nil
}

// etagEqual compares ETags ignoring surrounding quotes.
func etagEqual(a, b string) bool {
	return trimQuotes(a) == trimQuotes(b)
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
