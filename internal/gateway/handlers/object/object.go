// Package object implements the single-object S3 operations: Get, Head,
// Put, Delete, batch delete, and Copy.
package object

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/edgecdn-tools/bunny-s3-gateway/internal/bunny"
	"github.com/edgecdn-tools/bunny-s3-gateway/internal/gateway/request"
	"github.com/edgecdn-tools/bunny-s3-gateway/internal/gateway/response"
	"github.com/edgecdn-tools/bunny-s3-gateway/internal/lock"
	"github.com/edgecdn-tools/bunny-s3-gateway/internal/multipart"
)

const maxBatchDeleteKeys = 1000

type Handler struct {
	client *bunny.Client
	zone   string
	locker lock.Locker
	log    *logrus.Entry
}

func NewHandler(client *bunny.Client, zone string, locker lock.Locker) *Handler {
	return &Handler{
		client: client,
		zone:   zone,
		locker: locker,
		log:    logrus.WithField("component", "object"),
	}
}

// extract validates the bucket and rejects keys under the reserved
// multipart prefix, which clients must not address directly.
func (h *Handler) extract(w http.ResponseWriter, r *http.Request) (string, bool) {
	vars := mux.Vars(r)
	if vars["bucket"] != h.zone {
		response.WriteError(w, r, response.NoSuchBucket(vars["bucket"]))
		return "", false
	}
	key := vars["key"]
	if key == "" || strings.HasPrefix(key, multipart.Prefix) {
		response.WriteError(w, r, response.NoSuchKey(key))
		return "", false
	}
	return key, true
}

// GetObject relays the storage response, passing Range and If-None-Match
// through verbatim in both directions.
func (h *Handler) GetObject(w http.ResponseWriter, r *http.Request) {
	key, ok := h.extract(w, r)
	if !ok {
		return
	}

	extra := http.Header{}
	for _, name := range []string{"Range", "If-None-Match", "If-Modified-Since"} {
		if v := r.Header.Get(name); v != "" {
			extra.Set(name, v)
		}
	}

	resp, err := h.client.Download(r.Context(), key, extra)
	if err != nil {
		response.WriteError(w, r, response.FromBunny(err, key))
		return
	}
	defer resp.Body.Close()

	for _, name := range []string{"Content-Length", "Content-Range", "Content-Type", "Last-Modified", "ETag", "Accept-Ranges"} {
		if v := resp.Header.Get(name); v != "" {
			w.Header().Set(name, v)
		}
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		h.log.WithError(err).WithField("key", key).Debug("Client disconnected during download")
	}
}

// HeadObject resolves metadata via the storage DESCRIBE method.
func (h *Handler) HeadObject(w http.ResponseWriter, r *http.Request) {
	key, ok := h.extract(w, r)
	if !ok {
		return
	}

	obj, err := h.client.Describe(r.Context(), key)
	if err != nil {
		if errors.Is(err, bunny.ErrNotFound) {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		h.log.WithError(err).WithField("key", key).Error("Describe failed")
		w.WriteHeader(http.StatusBadGateway)
		return
	}

	w.Header().Set("Content-Length", strconv.FormatInt(obj.Length, 10))
	w.Header().Set("ETag", response.QuoteETag(obj.ETagValue()))
	w.Header().Set("Last-Modified", obj.LastChanged.UTC().Format(http.TimeFormat))
	w.Header().Set("Accept-Ranges", "bytes")
	if obj.ContentType != "" {
		w.Header().Set("Content-Type", obj.ContentType)
	}
	w.WriteHeader(http.StatusOK)
}

// PutObject streams the body through an MD5 tee into a single storage PUT.
// Integrity headers are checked after the upload; a mismatch deletes the
// fresh object before the error response. If-None-Match: * makes the write
// conditional on the key not existing, guarded by the configured lock.
func (h *Handler) PutObject(w http.ResponseWriter, r *http.Request) {
	key, ok := h.extract(w, r)
	if !ok {
		return
	}

	if r.Header.Get("If-None-Match") == "*" {
		release, acquired, err := h.locker.Acquire(r.Context(), key)
		if err != nil {
			h.log.WithError(err).WithField("key", key).Error("Lock acquisition failed")
			response.WriteError(w, r, response.InternalError(""))
			return
		}
		if !acquired {
			response.WriteError(w, r, response.ConditionalRequestConflict(key))
			return
		}
		defer release()

		if _, err := h.client.Describe(r.Context(), key); err == nil {
			response.WriteError(w, r, response.PreconditionFailed(key))
			return
		} else if !errors.Is(err, bunny.ErrNotFound) {
			response.WriteError(w, r, response.FromBunny(err, key))
			return
		}
	}

	contentSHA := r.Header.Get("X-Amz-Content-Sha256")
	wantSHA := request.IsHexSHA256(contentSHA)

	wantMD5 := ""
	if header := r.Header.Get("Content-MD5"); header != "" {
		decoded, err := request.DecodeContentMD5(header)
		if err != nil {
			response.WriteError(w, r, response.InvalidArgument(err.Error()))
			return
		}
		wantMD5 = decoded
	}

	body := request.NewHashingReader(r.Body, wantSHA)
	opts := bunny.UploadOptions{ContentType: r.Header.Get("Content-Type")}
	if err := h.client.Upload(r.Context(), key, body, r.ContentLength, opts); err != nil {
		response.WriteError(w, r, response.FromBunny(err, key))
		return
	}

	etag := body.MD5Hex()
	if wantMD5 != "" && wantMD5 != etag {
		h.deleteAfterMismatch(r, key)
		response.WriteError(w, r, response.BadDigest())
		return
	}
	if wantSHA && !strings.EqualFold(contentSHA, body.SHA256Hex()) {
		h.deleteAfterMismatch(r, key)
		response.WriteError(w, r, response.SHA256Mismatch())
		return
	}

	w.Header().Set("ETag", response.QuoteETag(etag))
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) deleteAfterMismatch(r *http.Request, key string) {
	if err := h.client.Delete(r.Context(), key); err != nil {
		h.log.WithError(err).WithField("key", key).Warn("Failed to delete object after digest mismatch")
	}
}

// DeleteObject maps the storage delete onto S3's idempotent 204.
func (h *Handler) DeleteObject(w http.ResponseWriter, r *http.Request) {
	key, ok := h.extract(w, r)
	if !ok {
		return
	}
	if err := h.client.Delete(r.Context(), key); err != nil {
		response.WriteError(w, r, response.FromBunny(err, key))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type deleteRequest struct {
	XMLName xml.Name `xml:"Delete"`
	Quiet   bool     `xml:"Quiet"`
	Objects []struct {
		Key string `xml:"Key"`
	} `xml:"Object"`
}

// DeleteObjects processes a batch delete of up to 1000 keys. Individual
// failures are collected; they never abort the batch.
func (h *Handler) DeleteObjects(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if vars["bucket"] != h.zone {
		response.WriteError(w, r, response.NoSuchBucket(vars["bucket"]))
		return
	}

	var req deleteRequest
	if err := xml.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteError(w, r, response.MalformedXML())
		return
	}
	if len(req.Objects) > maxBatchDeleteKeys {
		response.WriteError(w, r, response.MalformedXML())
		return
	}

	result := response.DeleteResult{Xmlns: response.Namespace()}
	for _, obj := range req.Objects {
		if strings.HasPrefix(obj.Key, multipart.Prefix) {
			result.Errors = append(result.Errors, response.DeleteError{
				Key: obj.Key, Code: "AccessDenied", Message: "Key is reserved",
			})
			continue
		}
		if err := h.client.Delete(r.Context(), obj.Key); err != nil {
			h.log.WithError(err).WithField("key", obj.Key).Warn("Batch delete entry failed")
			result.Errors = append(result.Errors, response.DeleteError{
				Key: obj.Key, Code: "InternalError", Message: "Delete failed",
			})
			continue
		}
		if !req.Quiet {
			result.Deleted = append(result.Deleted, response.DeletedObject{Key: obj.Key})
		}
	}
	response.WriteXML(w, http.StatusOK, result)
}

// parseCopySource decodes the x-amz-copy-source header into bucket and key.
// A versionId query suffix is ignored.
func parseCopySource(header string) (bucket, key string, err error) {
	source := strings.TrimPrefix(header, "/")
	if i := strings.Index(source, "?"); i >= 0 {
		source = source[:i]
	}
	decoded, err := url.PathUnescape(source)
	if err != nil {
		return "", "", fmt.Errorf("invalid copy source encoding: %w", err)
	}
	bucket, key, found := strings.Cut(decoded, "/")
	if !found || bucket == "" || key == "" {
		return "", "", fmt.Errorf("copy source must be bucket/key")
	}
	return bucket, key, nil
}

// CopyObject pipes the source download straight into the destination upload
// with an MD5 tee in between; nothing is buffered beyond the socket windows.
func (h *Handler) CopyObject(w http.ResponseWriter, r *http.Request) {
	dstKey, ok := h.extract(w, r)
	if !ok {
		return
	}

	srcBucket, srcKey, err := parseCopySource(r.Header.Get("X-Amz-Copy-Source"))
	if err != nil {
		response.WriteError(w, r, response.InvalidArgument(err.Error()))
		return
	}
	if srcBucket != h.zone {
		response.WriteError(w, r, response.NoSuchBucket(srcBucket))
		return
	}
	if strings.HasPrefix(srcKey, multipart.Prefix) {
		response.WriteError(w, r, response.NoSuchKey(srcKey))
		return
	}

	resp, err := h.client.Download(r.Context(), srcKey, nil)
	if err != nil {
		response.WriteError(w, r, response.FromBunny(err, srcKey))
		return
	}
	defer resp.Body.Close()

	body := request.NewHashingReader(resp.Body, false)
	if err := h.client.Upload(r.Context(), dstKey, body, resp.ContentLength, bunny.UploadOptions{
		ContentType: resp.Header.Get("Content-Type"),
	}); err != nil {
		response.WriteError(w, r, response.FromBunny(err, dstKey))
		return
	}

	response.WriteXML(w, http.StatusOK, response.CopyObjectResult{
		ETag:         response.QuoteETag(body.MD5Hex()),
		LastModified: response.FormatTime(time.Now()),
	})
}
