// Package bunnytest provides an in-memory fake of the Bunny storage API for
// handler and engine tests: PUT, GET (with Range), DELETE, DESCRIBE, and
// JSON directory listings.
package bunnytest

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
	"time"
)

type storedObject struct {
	data     []byte
	checksum string
	modified time.Time
}

// Server is a fake single-zone storage backend.
type Server struct {
	Zone string

	mu      sync.Mutex
	objects map[string]*storedObject

	httpServer *httptest.Server
}

// New starts a fake backend for the given zone. Callers own Close.
func New(zone string) *Server {
	s := &Server{
		Zone:    zone,
		objects: make(map[string]*storedObject),
	}
	s.httpServer = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

func (s *Server) URL() string { return s.httpServer.URL }

func (s *Server) Close() { s.httpServer.Close() }

// relKey strips the leading slash and zone prefix so helper paths match the
// zone-relative keys the HTTP handlers store under.
func (s *Server) relKey(path string) string {
	p := strings.TrimPrefix(path, "/")
	p = strings.TrimPrefix(p, s.Zone)
	return strings.TrimPrefix(p, "/")
}

// Put seeds an object directly, bypassing HTTP. The path may carry the zone
// prefix.
func (s *Server) Put(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sum := sha256.Sum256(data)
	s.objects[s.relKey(path)] = &storedObject{
		data:     append([]byte(nil), data...),
		checksum: strings.ToUpper(hex.EncodeToString(sum[:])),
		modified: time.Now().UTC(),
	}
}

// Get returns a stored object's bytes, or nil when absent.
func (s *Server) Get(path string) []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[s.relKey(path)]
	if !ok {
		return nil
	}
	return append([]byte(nil), obj.data...)
}

// Keys returns all stored paths sorted.
func (s *Server) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/")
	if !strings.HasPrefix(path, s.Zone+"/") && path != s.Zone && path != s.Zone+"/" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	rel := strings.TrimPrefix(strings.TrimPrefix(path, s.Zone), "/")

	switch r.Method {
	case http.MethodGet:
		if strings.HasSuffix(r.URL.Path, "/") {
			s.handleList(w, rel)
			return
		}
		s.handleDownload(w, r, rel)
	case http.MethodPut:
		s.handleUpload(w, r, rel)
	case http.MethodDelete:
		s.handleDelete(w, rel, strings.HasSuffix(r.URL.Path, "/"))
	case "DESCRIBE":
		s.handleDescribe(w, rel)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, rel string) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	sum := sha256.Sum256(data)
	checksum := strings.ToUpper(hex.EncodeToString(sum[:]))
	if want := r.Header.Get("Checksum"); want != "" && !strings.EqualFold(want, checksum) {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.objects[rel] = &storedObject{data: data, checksum: checksum, modified: time.Now().UTC()}
	s.mu.Unlock()
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, rel string) {
	s.mu.Lock()
	obj, ok := s.objects[rel]
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}

	if inm := r.Header.Get("If-None-Match"); inm != "" &&
		strings.Trim(inm, `"`) == strings.ToLower(obj.checksum) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	w.Header().Set("ETag", `"`+strings.ToLower(obj.checksum)+`"`)
	http.ServeContent(w, r, rel, obj.modified, strings.NewReader(string(obj.data)))
}

func (s *Server) handleDelete(w http.ResponseWriter, rel string, isDir bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if isDir {
		prefix := strings.TrimSuffix(rel, "/") + "/"
		deleted := false
		for key := range s.objects {
			if strings.HasPrefix(key, prefix) {
				delete(s.objects, key)
				deleted = true
			}
		}
		if !deleted {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}

	if _, ok := s.objects[rel]; !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	delete(s.objects, rel)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDescribe(w http.ResponseWriter, rel string) {
	s.mu.Lock()
	obj, ok := s.objects[rel]
	s.mu.Unlock()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.describeJSON(rel, obj))
}

func (s *Server) handleList(w http.ResponseWriter, rel string) {
	dir := strings.TrimSuffix(rel, "/")
	prefix := ""
	if dir != "" {
		prefix = dir + "/"
	}

	s.mu.Lock()
	files := make(map[string]*storedObject)
	subdirs := make(map[string]bool)
	for key, obj := range s.objects {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		rest := strings.TrimPrefix(key, prefix)
		if rest == "" {
			continue
		}
		if i := strings.Index(rest, "/"); i >= 0 {
			subdirs[rest[:i]] = true
		} else {
			files[rest] = obj
		}
	}
	s.mu.Unlock()

	entries := make([]map[string]any, 0, len(files)+len(subdirs))
	for name := range subdirs {
		entries = append(entries, s.listingEntry(prefix, name, nil))
	}
	for name, obj := range files {
		entries = append(entries, s.listingEntry(prefix, name, obj))
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i]["ObjectName"].(string) < entries[j]["ObjectName"].(string)
	})

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(entries)
}

func (s *Server) describeJSON(rel string, obj *storedObject) map[string]any {
	dir := ""
	name := rel
	if i := strings.LastIndex(rel, "/"); i >= 0 {
		dir = rel[:i+1]
		name = rel[i+1:]
	}
	entry := s.listingEntry(dir, name, obj)
	return entry
}

func (s *Server) listingEntry(dirPrefix, name string, obj *storedObject) map[string]any {
	entry := map[string]any{
		"Guid":            fmt.Sprintf("guid-%s%s", dirPrefix, name),
		"UserId":          "user",
		"StorageZoneName": s.Zone,
		"Path":            "/" + s.Zone + "/" + dirPrefix,
		"ObjectName":      name,
		"StorageZoneId":   1,
		"ServerId":        1,
		"ReplicatedZones": nil,
	}
	if obj == nil {
		entry["IsDirectory"] = true
		entry["Length"] = 0
		entry["Checksum"] = nil
		entry["ContentType"] = ""
		entry["LastChanged"] = time.Now().UTC().Format("2006-01-02T15:04:05.000")
		entry["DateCreated"] = entry["LastChanged"]
		return entry
	}
	entry["IsDirectory"] = false
	entry["Length"] = len(obj.data)
	entry["Checksum"] = obj.checksum
	entry["ContentType"] = "application/octet-stream"
	entry["LastChanged"] = obj.modified.Format("2006-01-02T15:04:05.000")
	entry["DateCreated"] = obj.modified.Format("2006-01-02T15:04:05.000")
	return entry
}
