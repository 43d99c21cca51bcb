package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testKeyID  = "bunny"
	testSecret = "hunter2"
)

// signRequest applies a SigV4 Authorization header the way an S3 client
// would, signing host and x-amz-* headers.
func signRequest(r *http.Request, keyID, secret string, at time.Time) {
	amzDate := at.UTC().Format("20060102T150405Z")
	scope := at.UTC().Format("20060102") + "/us-east-1/s3/aws4_request"

	r.Header.Set("X-Amz-Date", amzDate)
	if r.Header.Get("X-Amz-Content-Sha256") == "" {
		r.Header.Set("X-Amz-Content-Sha256", "UNSIGNED-PAYLOAD")
	}

	signedHeaders := []string{"host", "x-amz-content-sha256", "x-amz-date"}

	var headerLines strings.Builder
	for _, h := range signedHeaders {
		if h == "host" {
			headerLines.WriteString("host:" + r.Host + "\n")
			continue
		}
		headerLines.WriteString(h + ":" + r.Header.Get(h) + "\n")
	}

	var queryParts []string
	keys := make([]string, 0, len(r.URL.Query()))
	for k := range r.URL.Query() {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range r.URL.Query()[k] {
			queryParts = append(queryParts, testEncode(k)+"="+testEncode(v))
		}
	}

	canonical := strings.Join([]string{
		r.Method,
		testEncodePath(r.URL.Path),
		strings.Join(queryParts, "&"),
		headerLines.String(),
		strings.Join(signedHeaders, ";"),
		r.Header.Get("X-Amz-Content-Sha256"),
	}, "\n")

	sum := sha256.Sum256([]byte(canonical))
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256", amzDate, scope, hex.EncodeToString(sum[:]),
	}, "\n")

	mac := func(key, data []byte) []byte {
		m := hmac.New(sha256.New, key)
		m.Write(data)
		return m.Sum(nil)
	}
	kDate := mac([]byte("AWS4"+secret), []byte(at.UTC().Format("20060102")))
	kRegion := mac(kDate, []byte("us-east-1"))
	kService := mac(kRegion, []byte("s3"))
	kSigning := mac(kService, []byte("aws4_request"))
	signature := hex.EncodeToString(mac(kSigning, []byte(stringToSign)))

	r.Header.Set("Authorization", fmt.Sprintf(
		"AWS4-HMAC-SHA256 Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		keyID, scope, strings.Join(signedHeaders, ";"), signature))
}

func testEncodePath(path string) string {
	segments := strings.Split(path, "/")
	for i, seg := range segments {
		segments[i] = testEncode(seg)
	}
	return strings.Join(segments, "/")
}

func testEncode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c >= 'A' && c <= 'Z' || c >= 'a' && c <= 'z' || c >= '0' && c <= '9' ||
			c == '-' || c == '_' || c == '.' || c == '~' {
			b.WriteByte(c)
		} else {
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func newSignedRequest(t *testing.T, method, target string) *http.Request {
	t.Helper()
	r := httptest.NewRequest(method, target, nil)
	r.Host = "gateway.local:9000"
	signRequest(r, testKeyID, testSecret, time.Now())
	return r
}

func TestVerifyValidSignature(t *testing.T) {
	a := NewAuthenticator(testKeyID, testSecret)

	for _, target := range []string{
		"/myzone/hello.txt",
		"/myzone/",
		"/myzone/photos/cat%20pic.jpg",
		"/myzone/?list-type=2&prefix=photos%2F&delimiter=%2F",
	} {
		r := newSignedRequest(t, http.MethodGet, target)
		assert.Nil(t, a.Verify(r), "target %s", target)
	}
}

func TestVerifyWrongSecret(t *testing.T) {
	a := NewAuthenticator(testKeyID, testSecret)

	r := httptest.NewRequest(http.MethodPut, "/myzone/hello.txt", nil)
	r.Host = "gateway.local:9000"
	signRequest(r, testKeyID, "wrong-secret", time.Now())

	err := a.Verify(r)
	require.NotNil(t, err)
	assert.Equal(t, "SignatureDoesNotMatch", err.Code)
}

func TestVerifyUnknownAccessKey(t *testing.T) {
	a := NewAuthenticator(testKeyID, testSecret)

	r := httptest.NewRequest(http.MethodGet, "/myzone/", nil)
	r.Host = "gateway.local:9000"
	signRequest(r, "somebody-else", testSecret, time.Now())

	err := a.Verify(r)
	require.NotNil(t, err)
	assert.Equal(t, "InvalidAccessKeyId", err.Code)
}

func TestVerifyMissingAuthorization(t *testing.T) {
	a := NewAuthenticator(testKeyID, testSecret)

	r := httptest.NewRequest(http.MethodGet, "/myzone/", nil)
	err := a.Verify(r)
	require.NotNil(t, err)
	assert.Equal(t, "AccessDenied", err.Code)
}

func TestVerifyStaleTimestamp(t *testing.T) {
	a := NewAuthenticator(testKeyID, testSecret)

	r := httptest.NewRequest(http.MethodGet, "/myzone/hello.txt", nil)
	r.Host = "gateway.local:9000"
	signRequest(r, testKeyID, testSecret, time.Now().Add(-time.Hour))

	err := a.Verify(r)
	require.NotNil(t, err)
	assert.Equal(t, "SignatureDoesNotMatch", err.Code)
}

func TestVerifyTamperedPath(t *testing.T) {
	a := NewAuthenticator(testKeyID, testSecret)

	r := newSignedRequest(t, http.MethodGet, "/myzone/hello.txt")
	r.URL.Path = "/myzone/other.txt"

	err := a.Verify(r)
	require.NotNil(t, err)
	assert.Equal(t, "SignatureDoesNotMatch", err.Code)
}

// presign builds a presigned URL query the way SDK presigners do.
func presign(r *http.Request, keyID, secret string, at time.Time, expires int) {
	amzDate := at.UTC().Format("20060102T150405Z")
	scope := at.UTC().Format("20060102") + "/us-east-1/s3/aws4_request"

	q := r.URL.Query()
	q.Set("X-Amz-Algorithm", "AWS4-HMAC-SHA256")
	q.Set("X-Amz-Credential", keyID+"/"+scope)
	q.Set("X-Amz-Date", amzDate)
	q.Set("X-Amz-Expires", fmt.Sprint(expires))
	q.Set("X-Amz-SignedHeaders", "host")

	var queryParts []string
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range q[k] {
			queryParts = append(queryParts, testEncode(k)+"="+testEncode(v))
		}
	}

	canonical := strings.Join([]string{
		r.Method,
		testEncodePath(r.URL.Path),
		strings.Join(queryParts, "&"),
		"host:" + r.Host + "\n",
		"host",
		"UNSIGNED-PAYLOAD",
	}, "\n")

	sum := sha256.Sum256([]byte(canonical))
	stringToSign := strings.Join([]string{
		"AWS4-HMAC-SHA256", amzDate, scope, hex.EncodeToString(sum[:]),
	}, "\n")

	mac := func(key, data []byte) []byte {
		m := hmac.New(sha256.New, key)
		m.Write(data)
		return m.Sum(nil)
	}
	kDate := mac([]byte("AWS4"+secret), []byte(at.UTC().Format("20060102")))
	kRegion := mac(kDate, []byte("us-east-1"))
	kService := mac(kRegion, []byte("s3"))
	kSigning := mac(kService, []byte("aws4_request"))
	q.Set("X-Amz-Signature", hex.EncodeToString(mac(kSigning, []byte(stringToSign))))

	r.URL.RawQuery = q.Encode()
}

func TestVerifyPresigned(t *testing.T) {
	a := NewAuthenticator(testKeyID, testSecret)

	r := httptest.NewRequest(http.MethodGet, "/myzone/hello.txt", nil)
	r.Host = "gateway.local:9000"
	presign(r, testKeyID, testSecret, time.Now(), 300)
	assert.Nil(t, a.Verify(r))
}

func TestVerifyPresignedExpired(t *testing.T) {
	a := NewAuthenticator(testKeyID, testSecret)

	r := httptest.NewRequest(http.MethodGet, "/myzone/hello.txt", nil)
	r.Host = "gateway.local:9000"
	presign(r, testKeyID, testSecret, time.Now().Add(-time.Hour), 60)

	err := a.Verify(r)
	require.NotNil(t, err)
	assert.Equal(t, "AccessDenied", err.Code)
}

func TestVerifyPresignedTamperedSignature(t *testing.T) {
	a := NewAuthenticator(testKeyID, testSecret)

	r := httptest.NewRequest(http.MethodGet, "/myzone/hello.txt", nil)
	r.Host = "gateway.local:9000"
	presign(r, testKeyID, testSecret, time.Now(), 300)

	q := r.URL.Query()
	q.Set("X-Amz-Signature", strings.Repeat("0", 64))
	r.URL.RawQuery = q.Encode()

	err := a.Verify(r)
	require.NotNil(t, err)
	assert.Equal(t, "SignatureDoesNotMatch", err.Code)
}

func TestUriEncode(t *testing.T) {
	assert.Equal(t, "photos/cat%20pic.jpg", uriEncode("photos/cat pic.jpg", true))
	assert.Equal(t, "photos%2Fcat%20pic.jpg", uriEncode("photos/cat pic.jpg", false))
	assert.Equal(t, "a-b_c.d~e", uriEncode("a-b_c.d~e", false))
	assert.Equal(t, "%C3%A9", uriEncode("é", false))
}
