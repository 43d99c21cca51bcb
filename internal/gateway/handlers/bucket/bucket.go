// Package bucket implements the bucket-level S3 operations. The gateway
// fronts exactly one storage zone, so the bucket namespace contains a single
// synthetic entry named after the zone.
package bucket

import (
	"encoding/base64"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"github.com/edgecdn-tools/bunny-s3-gateway/internal/bunny"
	"github.com/edgecdn-tools/bunny-s3-gateway/internal/gateway/response"
	"github.com/edgecdn-tools/bunny-s3-gateway/internal/multipart"
)

const maxKeysCeiling = 1000

type Handler struct {
	client    *bunny.Client
	zone      string
	startTime time.Time
	log       *logrus.Entry
}

func NewHandler(client *bunny.Client, zone string, startTime time.Time) *Handler {
	return &Handler{
		client:    client,
		zone:      zone,
		startTime: startTime,
		log:       logrus.WithField("component", "bucket"),
	}
}

func (h *Handler) checkBucket(w http.ResponseWriter, r *http.Request) bool {
	bucket := mux.Vars(r)["bucket"]
	if bucket != h.zone {
		response.WriteError(w, r, response.NoSuchBucket(bucket))
		return false
	}
	return true
}

// ListBuckets reports the single zone as the only bucket, with the process
// start time as its creation date.
func (h *Handler) ListBuckets(w http.ResponseWriter, r *http.Request) {
	doc := response.ListAllMyBucketsResult{
		Xmlns: response.Namespace(),
		Owner: response.Owner{ID: h.zone, DisplayName: h.zone},
		Buckets: []response.Bucket{
			{Name: h.zone, CreationDate: response.FormatTime(h.startTime)},
		},
	}
	response.WriteXML(w, http.StatusOK, doc)
}

// HeadBucket verifies the name and probes the zone with a root listing.
func (h *Handler) HeadBucket(w http.ResponseWriter, r *http.Request) {
	bucket := mux.Vars(r)["bucket"]
	if bucket != h.zone {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if _, err := h.client.List(r.Context(), ""); err != nil {
		h.log.WithError(err).Error("Zone probe failed")
		w.WriteHeader(http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusOK)
}

// CreateBucket is an accepted no-op when the name matches the zone.
func (h *Handler) CreateBucket(w http.ResponseWriter, r *http.Request) {
	if !h.checkBucket(w, r) {
		return
	}
	w.Header().Set("Location", "/"+h.zone)
	w.WriteHeader(http.StatusOK)
}

// DeleteBucket is likewise a no-op; the zone itself is not deletable
// through this surface.
func (h *Handler) DeleteBucket(w http.ResponseWriter, r *http.Request) {
	if !h.checkBucket(w, r) {
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// listEntry is one candidate result row: either an object or a common
// prefix. sortKey orders the merged set the way S3 does.
type listEntry struct {
	sortKey      string
	object       *bunny.StorageObject
	commonPrefix string
}

// ListObjectsV2 translates prefix/delimiter/token listings onto the
// directory-shaped Bunny namespace.
func (h *Handler) ListObjectsV2(w http.ResponseWriter, r *http.Request) {
	if !h.checkBucket(w, r) {
		return
	}
	query := r.URL.Query()
	prefix := query.Get("prefix")
	delimiter := query.Get("delimiter")
	encodingType := query.Get("encoding-type")

	maxKeys := maxKeysCeiling
	if raw := query.Get("max-keys"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			response.WriteError(w, r, response.InvalidArgument("max-keys must be a non-negative integer"))
			return
		}
		if n < maxKeys {
			maxKeys = n
		}
	}

	if delimiter != "" && delimiter != "/" {
		response.WriteError(w, r, response.NotImplemented())
		return
	}

	// The resume point: strictly-greater-than filter over the merged keys.
	marker := query.Get("start-after")
	token := query.Get("continuation-token")
	if token != "" {
		decoded, err := base64.URLEncoding.DecodeString(token)
		if err != nil {
			response.WriteError(w, r, response.InvalidArgument("invalid continuation token"))
			return
		}
		marker = string(decoded)
	}

	var entries []listEntry
	var err error
	if delimiter == "/" {
		entries, err = h.listShallow(r, prefix)
	} else {
		entries, err = h.listDeep(r, prefix)
	}
	if err != nil {
		h.log.WithError(err).Error("Listing failed")
		response.WriteError(w, r, response.FromBunny(err, prefix))
		return
	}

	sort.Slice(entries, func(i, j int) bool { return entries[i].sortKey < entries[j].sortKey })

	result := response.ListBucketResult{
		Xmlns:             response.Namespace(),
		Name:              h.zone,
		Prefix:            prefix,
		Delimiter:         delimiter,
		MaxKeys:           maxKeys,
		ContinuationToken: token,
		StartAfter:        query.Get("start-after"),
	}

	emitted := 0
	lastEmitted := ""
	for _, entry := range entries {
		if marker != "" && entry.sortKey <= marker {
			continue
		}
		if emitted >= maxKeys {
			result.IsTruncated = true
			break
		}
		if entry.object != nil {
			result.Contents = append(result.Contents, response.Object{
				Key:          maybeEncode(entry.sortKey, encodingType),
				LastModified: response.FormatTime(entry.object.LastChanged.Time),
				ETag:         response.QuoteETag(entry.object.ETagValue()),
				Size:         entry.object.Length,
				StorageClass: "STANDARD",
			})
		} else {
			result.CommonPrefixes = append(result.CommonPrefixes, response.CommonPrefix{
				Prefix: maybeEncode(entry.commonPrefix, encodingType),
			})
		}
		emitted++
		lastEmitted = entry.sortKey
	}
	if result.IsTruncated {
		result.NextContinuationToken = base64.URLEncoding.EncodeToString([]byte(lastEmitted))
	}
	result.KeyCount = emitted
	if encodingType == "url" {
		result.EncodingType = "url"
		result.Prefix = response.EncodeKey(prefix)
		result.StartAfter = response.EncodeKey(result.StartAfter)
	}

	response.WriteXML(w, http.StatusOK, result)
}

// listShallow lists one directory level: the prefix is split at its last
// slash into a parent directory and a name filter. Directories become
// common prefixes.
func (h *Handler) listShallow(r *http.Request, prefix string) ([]listEntry, error) {
	dir := ""
	nameFilter := prefix
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dir = prefix[:i+1]
		nameFilter = prefix[i+1:]
	}

	objects, err := h.client.List(r.Context(), dir)
	if err != nil {
		return nil, err
	}

	var entries []listEntry
	for i := range objects {
		obj := &objects[i]
		if !strings.HasPrefix(obj.ObjectName, nameFilter) {
			continue
		}
		if obj.IsDirectory {
			cp := dir + obj.ObjectName + "/"
			if strings.HasPrefix(cp, multipart.Prefix) {
				continue
			}
			entries = append(entries, listEntry{sortKey: cp, commonPrefix: cp})
			continue
		}
		key := obj.S3Key()
		if strings.HasPrefix(key, multipart.Prefix) {
			continue
		}
		entries = append(entries, listEntry{sortKey: key, object: obj})
	}
	return entries, nil
}

// listDeep walks the tree under the prefix's parent directory and filters by
// the full prefix.
func (h *Handler) listDeep(r *http.Request, prefix string) ([]listEntry, error) {
	dir := ""
	if i := strings.LastIndex(prefix, "/"); i >= 0 {
		dir = prefix[:i+1]
	}
	if strings.HasPrefix(dir, multipart.Prefix) {
		return nil, nil
	}

	objects, err := h.client.ListRecursive(r.Context(), dir, 0)
	if err != nil {
		return nil, err
	}

	var entries []listEntry
	for i := range objects {
		obj := &objects[i]
		key := obj.S3Key()
		if !strings.HasPrefix(key, prefix) || strings.HasPrefix(key, multipart.Prefix) {
			continue
		}
		entries = append(entries, listEntry{sortKey: key, object: obj})
	}
	return entries, nil
}

func maybeEncode(key, encodingType string) string {
	if encodingType == "url" {
		return response.EncodeKey(key)
	}
	return key
}
