package gateway

import (
	"bytes"
	"crypto/md5"
	"encoding/base64"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgecdn-tools/bunny-s3-gateway/internal/bunny"
	"github.com/edgecdn-tools/bunny-s3-gateway/internal/bunny/bunnytest"
	"github.com/edgecdn-tools/bunny-s3-gateway/internal/gateway/handlers/bucket"
	mpart "github.com/edgecdn-tools/bunny-s3-gateway/internal/gateway/handlers/multipart"
	"github.com/edgecdn-tools/bunny-s3-gateway/internal/gateway/handlers/object"
	"github.com/edgecdn-tools/bunny-s3-gateway/internal/lock"
	"github.com/edgecdn-tools/bunny-s3-gateway/internal/multipart"
)

const testZone = "myzone"

func newTestGateway(t *testing.T) (http.Handler, *bunnytest.Server) {
	t.Helper()
	backend := bunnytest.New(testZone)
	t.Cleanup(backend.Close)

	client := bunny.NewClient(backend.URL(), testZone, "zonekey")
	engine := multipart.NewEngine(client)
	router := newRouter(
		bucket.NewHandler(client, testZone, time.Now()),
		object.NewHandler(client, testZone, lock.NewMemory()),
		mpart.NewHandler(engine, testZone),
	)
	return router, backend
}

func do(h http.Handler, method, target string, body io.Reader, headers map[string]string) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, target, body)
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r)
	return w
}

func TestRoundTripSmallObject(t *testing.T) {
	h, _ := newTestGateway(t)

	put := do(h, http.MethodPut, "/myzone/hello.txt", strings.NewReader("hello\n"), nil)
	require.Equal(t, http.StatusOK, put.Code)
	assert.Equal(t, `"b1946ac92492d2347c6235b4d2611184"`, put.Header().Get("ETag"))

	get := do(h, http.MethodGet, "/myzone/hello.txt", nil, nil)
	require.Equal(t, http.StatusOK, get.Code)
	assert.Equal(t, "hello\n", get.Body.String())
	assert.NotEmpty(t, get.Header().Get("ETag"))
}

func TestGetMissingObject(t *testing.T) {
	h, _ := newTestGateway(t)
	get := do(h, http.MethodGet, "/myzone/absent.txt", nil, nil)
	assert.Equal(t, http.StatusNotFound, get.Code)
	assert.Contains(t, get.Body.String(), "<Code>NoSuchKey</Code>")
}

func TestWrongBucket(t *testing.T) {
	h, _ := newTestGateway(t)
	get := do(h, http.MethodGet, "/otherzone/hello.txt", nil, nil)
	assert.Equal(t, http.StatusNotFound, get.Code)
	assert.Contains(t, get.Body.String(), "<Code>NoSuchBucket</Code>")
}

func TestRangeRead(t *testing.T) {
	h, backend := newTestGateway(t)
	backend.Put(testZone+"/big.bin", bytes.Repeat([]byte("A"), 1024))

	get := do(h, http.MethodGet, "/myzone/big.bin", nil, map[string]string{
		"Range": "bytes=10-19",
	})
	require.Equal(t, http.StatusPartialContent, get.Code)
	assert.Equal(t, "AAAAAAAAAA", get.Body.String())
	assert.Equal(t, "bytes 10-19/1024", get.Header().Get("Content-Range"))
}

func TestHeadObject(t *testing.T) {
	h, backend := newTestGateway(t)
	backend.Put(testZone+"/doc.txt", []byte("contents"))

	head := do(h, http.MethodHead, "/myzone/doc.txt", nil, nil)
	require.Equal(t, http.StatusOK, head.Code)
	assert.Equal(t, "8", head.Header().Get("Content-Length"))
	assert.NotEmpty(t, head.Header().Get("ETag"))
	assert.Empty(t, head.Body.String())

	missing := do(h, http.MethodHead, "/myzone/none.txt", nil, nil)
	assert.Equal(t, http.StatusNotFound, missing.Code)
}

func TestDeleteObjectIdempotent(t *testing.T) {
	h, backend := newTestGateway(t)
	backend.Put(testZone+"/victim.txt", []byte("x"))

	for i := 0; i < 2; i++ {
		del := do(h, http.MethodDelete, "/myzone/victim.txt", nil, nil)
		assert.Equal(t, http.StatusNoContent, del.Code, "delete attempt %d", i+1)
	}
	assert.Nil(t, backend.Get(testZone+"/victim.txt"))
}

func TestPutObjectBadContentMD5(t *testing.T) {
	h, backend := newTestGateway(t)

	// base64 MD5 of different content
	put := do(h, http.MethodPut, "/myzone/bad.txt", strings.NewReader("actual body"), map[string]string{
		"Content-MD5": "sZRqySSS0jR8YjW00mERhA==",
	})
	assert.Equal(t, http.StatusBadRequest, put.Code)
	assert.Contains(t, put.Body.String(), "<Code>BadDigest</Code>")

	// The mismatched object must not survive.
	assert.Nil(t, backend.Get(testZone+"/bad.txt"))
}

func TestPutObjectValidContentMD5(t *testing.T) {
	h, _ := newTestGateway(t)

	sum := md5.Sum([]byte("hello\n"))
	put := do(h, http.MethodPut, "/myzone/ok.txt", strings.NewReader("hello\n"), map[string]string{
		"Content-MD5": base64Std(sum[:]),
	})
	require.Equal(t, http.StatusOK, put.Code)
	assert.Equal(t, `"`+hex.EncodeToString(sum[:])+`"`, put.Header().Get("ETag"))
}

func TestConditionalPut(t *testing.T) {
	h, backend := newTestGateway(t)

	first := do(h, http.MethodPut, "/myzone/once.txt", strings.NewReader("v1"), map[string]string{
		"If-None-Match": "*",
	})
	require.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, []byte("v1"), backend.Get(testZone+"/once.txt"))

	second := do(h, http.MethodPut, "/myzone/once.txt", strings.NewReader("v2"), map[string]string{
		"If-None-Match": "*",
	})
	assert.Equal(t, http.StatusPreconditionFailed, second.Code)
	assert.Contains(t, second.Body.String(), "<Code>PreconditionFailed</Code>")
	assert.Equal(t, []byte("v1"), backend.Get(testZone+"/once.txt"))
}

func TestCopyObject(t *testing.T) {
	h, backend := newTestGateway(t)
	backend.Put(testZone+"/src.txt", []byte("copy me"))

	resp := do(h, http.MethodPut, "/myzone/dst.txt", nil, map[string]string{
		"X-Amz-Copy-Source": "/myzone/src.txt",
	})
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "<CopyObjectResult>")

	sum := md5.Sum([]byte("copy me"))
	assert.Contains(t, resp.Body.String(), hex.EncodeToString(sum[:]))
	assert.Equal(t, []byte("copy me"), backend.Get(testZone+"/dst.txt"))
}

func TestDeleteObjectsBatch(t *testing.T) {
	h, backend := newTestGateway(t)
	backend.Put(testZone+"/a.txt", []byte("a"))
	backend.Put(testZone+"/b.txt", []byte("b"))

	body := `<Delete><Object><Key>a.txt</Key></Object><Object><Key>b.txt</Key></Object><Object><Key>missing.txt</Key></Object></Delete>`
	resp := do(h, http.MethodPost, "/myzone/?delete", strings.NewReader(body), nil)
	require.Equal(t, http.StatusOK, resp.Code)

	var result struct {
		Deleted []struct {
			Key string `xml:"Key"`
		} `xml:"Deleted"`
	}
	require.NoError(t, xml.Unmarshal(resp.Body.Bytes(), &result))
	assert.Len(t, result.Deleted, 3, "missing keys delete idempotently")
	assert.Nil(t, backend.Get(testZone+"/a.txt"))
	assert.Nil(t, backend.Get(testZone+"/b.txt"))
}

func TestListBuckets(t *testing.T) {
	h, _ := newTestGateway(t)
	resp := do(h, http.MethodGet, "/", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	assert.Contains(t, resp.Body.String(), "<Name>myzone</Name>")
	assert.Contains(t, resp.Body.String(), "ListAllMyBucketsResult")
}

func TestHeadBucket(t *testing.T) {
	h, _ := newTestGateway(t)
	assert.Equal(t, http.StatusOK, do(h, http.MethodHead, "/myzone", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodHead, "/elsewhere", nil, nil).Code)
}

func TestBucketLifecycleNoOps(t *testing.T) {
	h, _ := newTestGateway(t)
	assert.Equal(t, http.StatusOK, do(h, http.MethodPut, "/myzone", nil, nil).Code)
	assert.Equal(t, http.StatusNoContent, do(h, http.MethodDelete, "/myzone", nil, nil).Code)
	assert.Equal(t, http.StatusNotFound, do(h, http.MethodPut, "/nope", nil, nil).Code)
}

func TestListObjectsV2Delimiter(t *testing.T) {
	h, backend := newTestGateway(t)
	backend.Put(testZone+"/a/b/c", []byte("1"))
	backend.Put(testZone+"/a/d", []byte("2"))

	resp := do(h, http.MethodGet, "/myzone/?list-type=2&prefix=a%2F&delimiter=%2F", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	body := resp.Body.String()
	assert.Contains(t, body, "<Key>a/d</Key>")
	assert.Contains(t, body, "<Prefix>a/b/</Prefix>")
	assert.NotContains(t, body, "<Key>a/b/c</Key>")
}

func TestListObjectsV2Recursive(t *testing.T) {
	h, backend := newTestGateway(t)
	backend.Put(testZone+"/a/b/c", []byte("1"))
	backend.Put(testZone+"/a/d", []byte("2"))
	backend.Put(testZone+"/top.txt", []byte("3"))

	resp := do(h, http.MethodGet, "/myzone/?list-type=2&prefix=a%2F", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)

	body := resp.Body.String()
	assert.Contains(t, body, "<Key>a/b/c</Key>")
	assert.Contains(t, body, "<Key>a/d</Key>")
	assert.NotContains(t, body, "top.txt")
}

func TestListObjectsV2HidesMultipartPrefix(t *testing.T) {
	h, backend := newTestGateway(t)
	backend.Put(testZone+"/visible.txt", []byte("1"))
	backend.Put(testZone+"/__multipart/some-id/_meta", []byte("{}"))
	backend.Put(testZone+"/__multipart/some-id/1", []byte("part"))

	for _, target := range []string{
		"/myzone/?list-type=2",
		"/myzone/?list-type=2&delimiter=%2F",
	} {
		resp := do(h, http.MethodGet, target, nil, nil)
		require.Equal(t, http.StatusOK, resp.Code)
		assert.Contains(t, resp.Body.String(), "visible.txt")
		assert.NotContains(t, resp.Body.String(), "__multipart", "target %s", target)
	}
}

func TestListObjectsV2Pagination(t *testing.T) {
	h, backend := newTestGateway(t)
	for i := 0; i < 5; i++ {
		backend.Put(fmt.Sprintf("%s/key-%d.txt", testZone, i), []byte("x"))
	}

	resp := do(h, http.MethodGet, "/myzone/?list-type=2&max-keys=2", nil, nil)
	require.Equal(t, http.StatusOK, resp.Code)
	body := resp.Body.String()
	assert.Contains(t, body, "<IsTruncated>true</IsTruncated>")
	assert.Contains(t, body, "<KeyCount>2</KeyCount>")

	tokenRe := regexp.MustCompile(`<NextContinuationToken>([^<]+)</NextContinuationToken>`)
	match := tokenRe.FindStringSubmatch(body)
	require.Len(t, match, 2)

	var keys []string
	keyRe := regexp.MustCompile(`<Key>([^<]+)</Key>`)
	for _, m := range keyRe.FindAllStringSubmatch(body, -1) {
		keys = append(keys, m[1])
	}

	next := do(h, http.MethodGet, "/myzone/?list-type=2&max-keys=10&continuation-token="+match[1], nil, nil)
	require.Equal(t, http.StatusOK, next.Code)
	for _, m := range keyRe.FindAllStringSubmatch(next.Body.String(), -1) {
		keys = append(keys, m[1])
	}

	assert.Len(t, keys, 5, "pages must partition the key set")
	assert.Contains(t, next.Body.String(), "<IsTruncated>false</IsTruncated>")
}

func TestMultipartHappyPath(t *testing.T) {
	h, backend := newTestGateway(t)

	create := do(h, http.MethodPost, "/myzone/big.bin?uploads", nil, nil)
	require.Equal(t, http.StatusOK, create.Code)

	uploadIDRe := regexp.MustCompile(`<UploadId>([^<]+)</UploadId>`)
	match := uploadIDRe.FindStringSubmatch(create.Body.String())
	require.Len(t, match, 2)
	uploadID := match[1]

	part1 := bytes.Repeat([]byte{0x01}, 4096)
	part2 := bytes.Repeat([]byte{0x02}, 2048)

	up1 := do(h, http.MethodPut, "/myzone/big.bin?partNumber=1&uploadId="+uploadID, bytes.NewReader(part1), nil)
	require.Equal(t, http.StatusOK, up1.Code)
	etag1 := strings.Trim(up1.Header().Get("ETag"), `"`)

	up2 := do(h, http.MethodPut, "/myzone/big.bin?partNumber=2&uploadId="+uploadID, bytes.NewReader(part2), nil)
	require.Equal(t, http.StatusOK, up2.Code)
	etag2 := strings.Trim(up2.Header().Get("ETag"), `"`)

	list := do(h, http.MethodGet, "/myzone/big.bin?uploadId="+uploadID, nil, nil)
	require.Equal(t, http.StatusOK, list.Code)
	assert.Contains(t, list.Body.String(), "<PartNumber>1</PartNumber>")
	assert.Contains(t, list.Body.String(), "<PartNumber>2</PartNumber>")

	completeBody := fmt.Sprintf(`<CompleteMultipartUpload>
		<Part><PartNumber>1</PartNumber><ETag>"%s"</ETag></Part>
		<Part><PartNumber>2</PartNumber><ETag>"%s"</ETag></Part>
	</CompleteMultipartUpload>`, etag1, etag2)
	complete := do(h, http.MethodPost, "/myzone/big.bin?uploadId="+uploadID, strings.NewReader(completeBody), nil)
	require.Equal(t, http.StatusOK, complete.Code)
	require.Contains(t, complete.Body.String(), "CompleteMultipartUploadResult")

	raw1, _ := hex.DecodeString(etag1)
	raw2, _ := hex.DecodeString(etag2)
	compositeSum := md5.Sum(append(raw1, raw2...))
	assert.Contains(t, complete.Body.String(), hex.EncodeToString(compositeSum[:])+"-2")

	final := backend.Get(testZone + "/big.bin")
	require.Len(t, final, len(part1)+len(part2))
	assert.Equal(t, byte(0x01), final[0])
	assert.Equal(t, byte(0x02), final[len(final)-1])

	// Upload state is gone.
	for _, key := range backend.Keys() {
		assert.NotContains(t, key, "__multipart/"+uploadID)
	}
}

func TestMultipartAbort(t *testing.T) {
	h, backend := newTestGateway(t)

	create := do(h, http.MethodPost, "/myzone/tmp.bin?uploads", nil, nil)
	require.Equal(t, http.StatusOK, create.Code)
	uploadID := regexp.MustCompile(`<UploadId>([^<]+)</UploadId>`).FindStringSubmatch(create.Body.String())[1]

	up := do(h, http.MethodPut, "/myzone/tmp.bin?partNumber=1&uploadId="+uploadID, strings.NewReader("part data"), nil)
	require.Equal(t, http.StatusOK, up.Code)

	abort := do(h, http.MethodDelete, "/myzone/tmp.bin?uploadId="+uploadID, nil, nil)
	assert.Equal(t, http.StatusNoContent, abort.Code)

	for _, key := range backend.Keys() {
		assert.NotContains(t, key, "__multipart/"+uploadID)
	}

	list := do(h, http.MethodGet, "/myzone/tmp.bin?uploadId="+uploadID, nil, nil)
	assert.Equal(t, http.StatusNotFound, list.Code)
	assert.Contains(t, list.Body.String(), "<Code>NoSuchUpload</Code>")
}

func TestMultipartUnknownUpload(t *testing.T) {
	h, _ := newTestGateway(t)

	up := do(h, http.MethodPut, "/myzone/x.bin?partNumber=1&uploadId=ghost", strings.NewReader("data"), nil)
	assert.Equal(t, http.StatusNotFound, up.Code)
	assert.Contains(t, up.Body.String(), "<Code>NoSuchUpload</Code>")
}

func TestListMultipartUploads(t *testing.T) {
	h, _ := newTestGateway(t)

	create := do(h, http.MethodPost, "/myzone/pending.bin?uploads", nil, nil)
	require.Equal(t, http.StatusOK, create.Code)

	list := do(h, http.MethodGet, "/myzone/?uploads", nil, nil)
	require.Equal(t, http.StatusOK, list.Code)
	assert.Contains(t, list.Body.String(), "<Key>pending.bin</Key>")
	assert.Contains(t, list.Body.String(), "ListMultipartUploadsResult")
}

func TestUnrecognizedOperationIsNotImplemented(t *testing.T) {
	h, _ := newTestGateway(t)

	resp := do(h, http.MethodPatch, "/myzone/key.txt", nil, nil)
	assert.Equal(t, http.StatusNotImplemented, resp.Code)
	assert.Contains(t, resp.Body.String(), "<Code>NotImplemented</Code>")
}

func base64Std(raw []byte) string {
	return base64.StdEncoding.EncodeToString(raw)
}
