package bunny

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned when the storage API reports 404 for the path.
	ErrNotFound = errors.New("bunny: object not found")
	// ErrAccessDenied is returned on 401 from the storage API, meaning the
	// configured access key was rejected.
	ErrAccessDenied = errors.New("bunny: access denied")
	// ErrInvalidRequest is returned on 400, typically a bad path or a
	// checksum the storage backend refused.
	ErrInvalidRequest = errors.New("bunny: invalid request")
)

// APIError wraps an unexpected storage API status.
type APIError struct {
	Op     string
	Status int
}

func (e *APIError) Error() string {
	return fmt.Sprintf("bunny: %s failed with status %d", e.Op, e.Status)
}

const (
	userAgent      = "bunny-s3-gateway/1.0"
	connectTimeout = 10 * time.Second

	// HTTP/2 receive windows toward the storage backend stay small so a slow
	// upstream reader backpressures our downloads instead of buffering them.
	recvWindowPerStream     = 16 << 10
	recvWindowPerConnection = 64 << 10
)

// Client talks to one Bunny storage zone. The embedded HTTP client is shared
// across requests except uploads, which each get a throwaway client (see
// Upload).
type Client struct {
	baseURL   string
	zone      string
	accessKey string
	http      *http.Client
	log       *logrus.Entry
}

func newTransport() *http.Transport {
	return &http.Transport{
		DialContext: (&net.Dialer{
			Timeout: connectTimeout,
		}).DialContext,
		ForceAttemptHTTP2: true,
		HTTP2: &http.HTTP2Config{
			MaxReceiveBufferPerConnection: recvWindowPerConnection,
			MaxReceiveBufferPerStream:     recvWindowPerStream,
		},
	}
}

// NewClient builds a client for the given region endpoint and zone.
func NewClient(baseURL, zone, accessKey string) *Client {
	return &Client{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		zone:      zone,
		accessKey: accessKey,
		http:      &http.Client{Transport: newTransport()},
		log:       logrus.WithField("component", "bunny"),
	}
}

// buildURL joins the zone base with a storage path, percent-encoding each
// path segment.
func (c *Client) buildURL(path string) string {
	clean := strings.TrimPrefix(path, "/")
	var b strings.Builder
	b.WriteString(c.baseURL)
	b.WriteByte('/')
	b.WriteString(url.PathEscape(c.zone))
	b.WriteByte('/')
	if clean == "" {
		return b.String()
	}
	segments := strings.Split(clean, "/")
	for i, seg := range segments {
		if i > 0 {
			b.WriteByte('/')
		}
		b.WriteString(url.PathEscape(seg))
	}
	return b.String()
}

func (c *Client) newRequest(ctx context.Context, method, rawurl string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawurl, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", method, err)
	}
	req.Header.Set("AccessKey", c.accessKey)
	req.Header.Set("User-Agent", userAgent)
	return req, nil
}

// List returns the direct children of a storage directory. A missing
// directory lists as empty, matching how the storage API treats prefixes.
func (c *Client) List(ctx context.Context, dir string) ([]StorageObject, error) {
	rawurl := c.buildURL(dir)
	if !strings.HasSuffix(rawurl, "/") {
		rawurl += "/"
	}

	req, err := c.newRequest(ctx, http.MethodGet, rawurl, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", dir, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var objects []StorageObject
		if err := json.NewDecoder(resp.Body).Decode(&objects); err != nil {
			return nil, fmt.Errorf("list %s: decoding response: %w", dir, err)
		}
		return objects, nil
	case http.StatusNotFound:
		return nil, nil
	case http.StatusUnauthorized:
		return nil, ErrAccessDenied
	default:
		return nil, &APIError{Op: "list", Status: resp.StatusCode}
	}
}

// ListRecursive walks directories depth-first collecting files until maxKeys
// is reached. maxKeys <= 0 means unbounded.
func (c *Client) ListRecursive(ctx context.Context, prefix string, maxKeys int) ([]StorageObject, error) {
	var all []StorageObject
	dirs := []string{prefix}

	for len(dirs) > 0 {
		if maxKeys > 0 && len(all) >= maxKeys {
			break
		}
		dir := dirs[len(dirs)-1]
		dirs = dirs[:len(dirs)-1]

		objects, err := c.List(ctx, dir)
		if err != nil {
			return nil, err
		}
		for i := range objects {
			obj := objects[i]
			if obj.IsDirectory {
				// Zone-relative, so the next List call does not double the
				// zone segment in the URL.
				dirs = append(dirs, obj.S3Key())
				continue
			}
			all = append(all, obj)
			if maxKeys > 0 && len(all) >= maxKeys {
				break
			}
		}
	}
	return all, nil
}

// Describe fetches the metadata of a single object using the storage API's
// DESCRIBE method. Directories and negative lengths report as not found;
// callers address files.
func (c *Client) Describe(ctx context.Context, path string) (*StorageObject, error) {
	req, err := c.newRequest(ctx, "DESCRIBE", c.buildURL(path), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("describe %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var obj StorageObject
		if err := json.NewDecoder(resp.Body).Decode(&obj); err != nil {
			return nil, fmt.Errorf("describe %s: decoding response: %w", path, err)
		}
		if obj.IsDirectory || obj.Length < 0 {
			return nil, ErrNotFound
		}
		return &obj, nil
	case http.StatusNotFound:
		return nil, ErrNotFound
	case http.StatusUnauthorized:
		return nil, ErrAccessDenied
	default:
		return nil, &APIError{Op: "describe", Status: resp.StatusCode}
	}
}

// Download streams an object. extra headers (Range, If-None-Match) are passed
// through verbatim and the upstream response is returned unconsumed so the
// caller can relay status, headers and body. The caller owns Body.Close.
func (c *Client) Download(ctx context.Context, path string, extra http.Header) (*http.Response, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.buildURL(path), nil)
	if err != nil {
		return nil, err
	}
	for name, values := range extra {
		for _, v := range values {
			req.Header.Add(name, v)
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("download %s: %w", path, err)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusPartialContent, http.StatusNotModified,
		http.StatusRequestedRangeNotSatisfiable:
		return resp, nil
	case http.StatusNotFound:
		resp.Body.Close()
		return nil, ErrNotFound
	case http.StatusUnauthorized:
		resp.Body.Close()
		return nil, ErrAccessDenied
	default:
		resp.Body.Close()
		return nil, &APIError{Op: "download", Status: resp.StatusCode}
	}
}

// Upload PUTs a streaming body. length < 0 leaves Content-Length unset
// (chunked). Each upload runs on a fresh HTTP client torn down afterwards so
// HTTP/2 frame buffers never accumulate on a long-lived connection.
func (c *Client) Upload(ctx context.Context, path string, body io.Reader, length int64, opts UploadOptions) error {
	req, err := c.newRequest(ctx, http.MethodPut, c.buildURL(path), body)
	if err != nil {
		return err
	}
	if length >= 0 {
		req.ContentLength = length
	}
	req.Header.Set("Content-Type", "application/octet-stream")
	if opts.SHA256Checksum != "" {
		req.Header.Set("Checksum", strings.ToUpper(opts.SHA256Checksum))
	}
	if opts.ContentType != "" {
		req.Header.Set("Override-Content-Type", opts.ContentType)
	}

	transport := newTransport()
	client := &http.Client{Transport: transport}
	defer transport.CloseIdleConnections()

	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
		return nil
	case http.StatusBadRequest:
		return ErrInvalidRequest
	case http.StatusUnauthorized:
		return ErrAccessDenied
	default:
		return &APIError{Op: "upload", Status: resp.StatusCode}
	}
}

// Delete removes an object or directory. 404 and 400 count as success so
// deletes stay idempotent.
func (c *Client) Delete(ctx context.Context, path string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, c.buildURL(path), nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("delete %s: %w", path, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNotFound, http.StatusBadRequest:
		return nil
	case http.StatusUnauthorized:
		return ErrAccessDenied
	default:
		return &APIError{Op: "delete", Status: resp.StatusCode}
	}
}

// DeleteDir removes a directory tree. The storage API deletes directories
// when the path carries a trailing slash.
func (c *Client) DeleteDir(ctx context.Context, dir string) error {
	if !strings.HasSuffix(dir, "/") {
		dir += "/"
	}
	req, err := c.newRequest(ctx, http.MethodDelete, c.buildURL(dir), nil)
	if err != nil {
		return err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("delete dir %s: %w", dir, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	switch resp.StatusCode {
	case http.StatusOK, http.StatusNotFound, http.StatusBadRequest:
		return nil
	case http.StatusUnauthorized:
		return ErrAccessDenied
	default:
		return &APIError{Op: "delete", Status: resp.StatusCode}
	}
}

// Zone returns the storage zone name the client serves.
func (c *Client) Zone() string { return c.zone }
