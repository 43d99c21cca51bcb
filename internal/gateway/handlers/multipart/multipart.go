// Package multipart implements the multipart-upload S3 operations on top of
// the upload engine.
package multipart

import (
	"encoding/xml"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/edgecdn-tools/bunny-s3-gateway/internal/gateway/response"
	"github.com/edgecdn-tools/bunny-s3-gateway/internal/monitoring"
	engine "github.com/edgecdn-tools/bunny-s3-gateway/internal/multipart"
)

// keepaliveInterval paces the XML comment padding during Complete so load
// balancers do not drop the connection while parts are being concatenated.
const keepaliveInterval = 5 * time.Second

type Handler struct {
	engine *engine.Engine
	zone   string
	log    *logrus.Entry
}

func NewHandler(e *engine.Engine, zone string) *Handler {
	return &Handler{
		engine: e,
		zone:   zone,
		log:    logrus.WithField("component", "multipart"),
	}
}

func (h *Handler) extract(w http.ResponseWriter, r *http.Request) (string, bool) {
	vars := mux.Vars(r)
	if vars["bucket"] != h.zone {
		response.WriteError(w, r, response.NoSuchBucket(vars["bucket"]))
		return "", false
	}
	key := vars["key"]
	if key == "" || strings.HasPrefix(key, engine.Prefix) {
		response.WriteError(w, r, response.NoSuchKey(key))
		return "", false
	}
	return key, true
}

func (h *Handler) CreateUpload(w http.ResponseWriter, r *http.Request) {
	key, ok := h.extract(w, r)
	if !ok {
		return
	}

	uploadID, err := h.engine.Create(r.Context(), key)
	if err != nil {
		response.WriteError(w, r, response.FromBunny(err, key))
		return
	}

	response.WriteXML(w, http.StatusOK, response.InitiateMultipartUploadResult{
		Xmlns:    response.Namespace(),
		Bucket:   h.zone,
		Key:      key,
		UploadID: uploadID,
	})
}

func (h *Handler) UploadPart(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.extract(w, r); !ok {
		return
	}
	query := r.URL.Query()
	uploadID := query.Get("uploadId")

	partNumber, err := strconv.Atoi(query.Get("partNumber"))
	if err != nil || partNumber < engine.MinPartNumber || partNumber > engine.MaxPartNumber {
		response.WriteError(w, r, response.InvalidArgument(
			fmt.Sprintf("partNumber must be an integer between %d and %d", engine.MinPartNumber, engine.MaxPartNumber)))
		return
	}

	etag, err := h.engine.UploadPart(r.Context(), uploadID, partNumber, r.Body, r.ContentLength)
	if err != nil {
		if errors.Is(err, engine.ErrNoSuchUpload) {
			response.WriteError(w, r, response.NoSuchUpload(uploadID))
			return
		}
		response.WriteError(w, r, response.FromBunny(err, uploadID))
		return
	}

	w.Header().Set("ETag", response.QuoteETag(etag))
	w.WriteHeader(http.StatusOK)
}

func (h *Handler) ListParts(w http.ResponseWriter, r *http.Request) {
	key, ok := h.extract(w, r)
	if !ok {
		return
	}
	uploadID := r.URL.Query().Get("uploadId")

	meta, err := h.engine.ReadMeta(r.Context(), uploadID)
	if err != nil {
		if errors.Is(err, engine.ErrNoSuchUpload) {
			response.WriteError(w, r, response.NoSuchUpload(uploadID))
			return
		}
		response.WriteError(w, r, response.FromBunny(err, uploadID))
		return
	}

	result := response.ListPartsResult{
		Xmlns:    response.Namespace(),
		Bucket:   h.zone,
		Key:      key,
		UploadID: uploadID,
		MaxParts: engine.MaxPartNumber,
	}
	for _, part := range meta.SortedParts() {
		result.Parts = append(result.Parts, response.Part{
			PartNumber: part.Number,
			ETag:       response.QuoteETag(part.ETag),
			Size:       part.Size,
		})
	}
	response.WriteXML(w, http.StatusOK, result)
}

type completeRequest struct {
	XMLName xml.Name `xml:"CompleteMultipartUpload"`
	Parts   []struct {
		PartNumber int    `xml:"PartNumber"`
		ETag       string `xml:"ETag"`
	} `xml:"Part"`
}

// CompleteUpload answers 200 immediately and streams comment padding while
// the parts are concatenated, then emits either the result document or an
// Error document inside the already-open response.
func (h *Handler) CompleteUpload(w http.ResponseWriter, r *http.Request) {
	key, ok := h.extract(w, r)
	if !ok {
		return
	}
	uploadID := r.URL.Query().Get("uploadId")

	var req completeRequest
	if err := xml.NewDecoder(r.Body).Decode(&req); err != nil {
		response.WriteError(w, r, response.MalformedXML())
		return
	}
	requested := make([]engine.CompletedPart, len(req.Parts))
	for i, p := range req.Parts {
		requested[i] = engine.CompletedPart{PartNumber: p.PartNumber, ETag: p.ETag}
	}

	// Validate existence before committing to a 200 status line.
	if _, err := h.engine.ReadMeta(r.Context(), uploadID); err != nil {
		if errors.Is(err, engine.ErrNoSuchUpload) {
			response.WriteError(w, r, response.NoSuchUpload(uploadID))
			return
		}
		response.WriteError(w, r, response.FromBunny(err, uploadID))
		return
	}

	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(http.StatusOK)
	io.WriteString(w, xml.Header+"<!-- ")
	flush(w)

	type completion struct {
		etag string
		err  error
	}
	done := make(chan completion, 1)
	go func() {
		etag, err := h.engine.Complete(r.Context(), uploadID, requested, key)
		done <- completion{etag: etag, err: err}
	}()

	ticker := time.NewTicker(keepaliveInterval)
	defer ticker.Stop()
	var result completion
wait:
	for {
		select {
		case result = <-done:
			break wait
		case <-ticker.C:
			io.WriteString(w, " ")
			flush(w)
		}
	}
	io.WriteString(w, " -->\n")

	if result.err != nil {
		h.log.WithError(result.err).WithFields(logrus.Fields{
			"upload_id": uploadID,
			"key":       key,
		}).Error("Multipart completion failed")
		monitoring.ObserveMultipartCompletion("failure")
		h.writeInlineError(w, uploadID, result.err)
		return
	}
	monitoring.ObserveMultipartCompletion("success")

	body, err := xml.Marshal(response.CompleteMultipartUploadResult{
		Xmlns:    response.Namespace(),
		Location: "/" + h.zone + "/" + key,
		Bucket:   h.zone,
		Key:      key,
		ETag:     response.QuoteETag(result.etag),
	})
	if err != nil {
		h.log.WithError(err).Error("Failed to marshal completion result")
		return
	}
	w.Write(body)
	flush(w)
}

// writeInlineError emits an Error document after the 200 status line has
// already been sent; S3 clients are required to handle this for Complete.
func (h *Handler) writeInlineError(w http.ResponseWriter, uploadID string, err error) {
	code, message := "InternalError", "The multipart upload could not be completed."
	if errors.Is(err, engine.ErrPartMismatch) {
		code, message = "InvalidPart", "One or more of the specified parts could not be found or did not match."
	}
	fmt.Fprintf(w, "<Error><Code>%s</Code><Message>%s</Message><Resource>%s</Resource></Error>",
		html.EscapeString(code), html.EscapeString(message), html.EscapeString(uploadID))
	flush(w)
}

func (h *Handler) AbortUpload(w http.ResponseWriter, r *http.Request) {
	if _, ok := h.extract(w, r); !ok {
		return
	}
	uploadID := r.URL.Query().Get("uploadId")

	if err := h.engine.Abort(r.Context(), uploadID); err != nil {
		if errors.Is(err, engine.ErrNoSuchUpload) {
			response.WriteError(w, r, response.NoSuchUpload(uploadID))
			return
		}
		response.WriteError(w, r, response.FromBunny(err, uploadID))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) ListUploads(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	if vars["bucket"] != h.zone {
		response.WriteError(w, r, response.NoSuchBucket(vars["bucket"]))
		return
	}
	prefix := r.URL.Query().Get("prefix")

	uploads, err := h.engine.ListUploads(r.Context(), prefix)
	if err != nil {
		response.WriteError(w, r, response.FromBunny(err, prefix))
		return
	}

	result := response.ListMultipartUploadsResult{
		Xmlns:      response.Namespace(),
		Bucket:     h.zone,
		Prefix:     prefix,
		MaxUploads: 1000,
	}
	for _, u := range uploads {
		result.Uploads = append(result.Uploads, response.Upload{
			Key:          u.Key,
			UploadID:     u.UploadID,
			Initiated:    response.FormatTime(u.Initiated),
			StorageClass: "STANDARD",
		})
	}
	response.WriteXML(w, http.StatusOK, result)
}

func flush(w http.ResponseWriter) {
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
}
