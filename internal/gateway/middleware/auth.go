package middleware

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/edgecdn-tools/bunny-s3-gateway/internal/gateway/response"
)

const (
	awsAlgorithm   = "AWS4-HMAC-SHA256"
	awsRequestType = "aws4_request"
	awsKeyPrefix   = "AWS4"

	amzDateFormat = "20060102T150405Z"
	scopeDateOnly = "20060102"

	unsignedPayload  = "UNSIGNED-PAYLOAD"
	streamingPayload = "STREAMING-AWS4-HMAC-SHA256-PAYLOAD"
	emptyPayloadHash = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	maxClockSkew       = 15 * time.Minute
	maxPresignedExpiry = 7 * 24 * time.Hour
	maxAuthHeaderSize  = 8192
)

var (
	credentialRe    = regexp.MustCompile(`Credential=([^,\s]+)`)
	signedHeadersRe = regexp.MustCompile(`SignedHeaders=([^,\s]+)`)
	signatureRe     = regexp.MustCompile(`Signature=([a-fA-F0-9]+)`)
)

// Authenticator verifies AWS Signature V4 on incoming requests against the
// single configured key pair. Both Authorization-header signatures and
// presigned query-string signatures are accepted.
type Authenticator struct {
	accessKeyID string
	secretKey   string
	log         *logrus.Entry
}

func NewAuthenticator(accessKeyID, secretKey string) *Authenticator {
	return &Authenticator{
		accessKeyID: accessKeyID,
		secretKey:   secretKey,
		log:         logrus.WithField("component", "auth"),
	}
}

// Middleware rejects unauthenticated requests with the S3 Error document.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := a.Verify(r); err != nil {
			a.log.WithFields(logrus.Fields{
				"method": r.Method,
				"path":   r.URL.Path,
				"remote": r.RemoteAddr,
				"code":   err.Code,
			}).Warn("Request rejected by signature verification")
			response.WriteError(w, r, err)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Verify checks the request signature. A nil return admits the request.
func (a *Authenticator) Verify(r *http.Request) *response.S3Error {
	if r.URL.Query().Get("X-Amz-Signature") != "" {
		return a.verifyPresigned(r)
	}
	return a.verifyHeader(r)
}

type credentialScope struct {
	accessKeyID string
	date        string
	region      string
	service     string
	scope       string
}

func parseCredential(credential string) (*credentialScope, error) {
	parts := strings.Split(credential, "/")
	if len(parts) != 5 {
		return nil, fmt.Errorf("invalid credential format")
	}
	if len(parts[1]) != 8 || parts[3] != "s3" || parts[4] != awsRequestType {
		return nil, fmt.Errorf("invalid credential scope")
	}
	return &credentialScope{
		accessKeyID: parts[0],
		date:        parts[1],
		region:      parts[2],
		service:     parts[3],
		scope:       strings.Join(parts[1:], "/"),
	}, nil
}

func (a *Authenticator) verifyHeader(r *http.Request) *response.S3Error {
	authHeader := r.Header.Get("Authorization")
	if authHeader == "" {
		return response.AccessDenied()
	}
	if len(authHeader) > maxAuthHeaderSize || !strings.HasPrefix(authHeader, awsAlgorithm+" ") {
		return response.AccessDenied()
	}

	credMatch := credentialRe.FindStringSubmatch(authHeader)
	headersMatch := signedHeadersRe.FindStringSubmatch(authHeader)
	sigMatch := signatureRe.FindStringSubmatch(authHeader)
	if len(credMatch) < 2 || len(headersMatch) < 2 || len(sigMatch) < 2 {
		return response.AccessDenied()
	}

	cred, err := parseCredential(credMatch[1])
	if err != nil {
		return response.AccessDenied()
	}
	if cred.accessKeyID != a.accessKeyID {
		return response.InvalidAccessKeyID()
	}

	requestTime, err := requestTimestamp(r)
	if err != nil {
		return response.AccessDenied()
	}
	if skew := time.Since(requestTime).Abs(); skew > maxClockSkew {
		a.log.WithField("skew", skew.String()).Warn("Request timestamp outside allowed window")
		return response.SignatureDoesNotMatch()
	}

	signedHeaders := strings.Split(headersMatch[1], ";")
	payloadHash := r.Header.Get("X-Amz-Content-Sha256")
	if payloadHash == "" {
		payloadHash = emptyPayloadHash
	}

	canonical, err := canonicalRequest(r, signedHeaders, r.URL.Query(), payloadHash)
	if err != nil {
		return response.SignatureDoesNotMatch()
	}
	expected := a.sign(requestTime.Format(amzDateFormat), cred, canonical)

	if subtle.ConstantTimeCompare([]byte(expected), []byte(sigMatch[1])) != 1 {
		return response.SignatureDoesNotMatch()
	}
	return nil
}

func (a *Authenticator) verifyPresigned(r *http.Request) *response.S3Error {
	query := r.URL.Query()
	if query.Get("X-Amz-Algorithm") != awsAlgorithm {
		return response.AccessDenied()
	}

	cred, err := parseCredential(query.Get("X-Amz-Credential"))
	if err != nil {
		return response.AccessDenied()
	}
	if cred.accessKeyID != a.accessKeyID {
		return response.InvalidAccessKeyID()
	}

	signedAt, err := time.Parse(amzDateFormat, query.Get("X-Amz-Date"))
	if err != nil {
		return response.AccessDenied()
	}
	expires, err := strconv.ParseInt(query.Get("X-Amz-Expires"), 10, 64)
	if err != nil || expires <= 0 || time.Duration(expires)*time.Second > maxPresignedExpiry {
		return response.AccessDenied()
	}
	now := time.Now().UTC()
	if now.Before(signedAt.Add(-maxClockSkew)) || now.After(signedAt.Add(time.Duration(expires)*time.Second)) {
		return response.AccessDenied()
	}

	providedSig := query.Get("X-Amz-Signature")
	signedHeaders := strings.Split(query.Get("X-Amz-SignedHeaders"), ";")

	// The signature itself is excluded from the canonical query string.
	canonicalQuery := url.Values{}
	for key, values := range query {
		if key == "X-Amz-Signature" {
			continue
		}
		canonicalQuery[key] = values
	}

	canonical, err := canonicalRequest(r, signedHeaders, canonicalQuery, unsignedPayload)
	if err != nil {
		return response.SignatureDoesNotMatch()
	}
	expected := a.sign(query.Get("X-Amz-Date"), cred, canonical)

	if subtle.ConstantTimeCompare([]byte(expected), []byte(providedSig)) != 1 {
		return response.SignatureDoesNotMatch()
	}
	return nil
}

func requestTimestamp(r *http.Request) (time.Time, error) {
	if amzDate := r.Header.Get("X-Amz-Date"); amzDate != "" {
		return time.Parse(amzDateFormat, amzDate)
	}
	if date := r.Header.Get("Date"); date != "" {
		return time.Parse(time.RFC1123, date)
	}
	return time.Time{}, fmt.Errorf("missing timestamp header")
}

// canonicalRequest assembles the SigV4 canonical request string.
func canonicalRequest(r *http.Request, signedHeaders []string, query url.Values, payloadHash string) (string, error) {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}

	canonicalHeaders, err := buildCanonicalHeaders(r, signedHeaders)
	if err != nil {
		return "", err
	}

	return strings.Join([]string{
		r.Method,
		uriEncode(path, true),
		buildCanonicalQuery(query),
		canonicalHeaders,
		strings.Join(signedHeaders, ";"),
		payloadHash,
	}, "\n"), nil
}

func buildCanonicalQuery(query url.Values) string {
	keys := make([]string, 0, len(query))
	for key := range query {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var parts []string
	for _, key := range keys {
		values := append([]string(nil), query[key]...)
		sort.Strings(values)
		for _, value := range values {
			parts = append(parts, uriEncode(key, false)+"="+uriEncode(value, false))
		}
	}
	return strings.Join(parts, "&")
}

func buildCanonicalHeaders(r *http.Request, signedHeaders []string) (string, error) {
	var b strings.Builder
	for _, name := range signedHeaders {
		lower := strings.ToLower(name)

		var values []string
		if lower == "host" {
			values = []string{r.Host}
		} else {
			values = r.Header.Values(name)
		}
		if len(values) == 0 {
			return "", fmt.Errorf("signed header %s not present", name)
		}

		trimmed := make([]string, len(values))
		for i, v := range values {
			trimmed[i] = strings.Join(strings.Fields(v), " ")
		}
		b.WriteString(lower)
		b.WriteByte(':')
		b.WriteString(strings.Join(trimmed, ","))
		b.WriteByte('\n')
	}
	return b.String(), nil
}

// uriEncode percent-encodes per the SigV4 rules: unreserved characters stay
// literal, everything else becomes %XX uppercase. Slashes survive in paths.
func uriEncode(s string, keepSlash bool) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '_', c == '.', c == '~':
			b.WriteByte(c)
		case c == '/' && keepSlash:
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

func hmacSHA256(key, data []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}

// sign derives the signing key for the credential scope and signs the hashed
// canonical request.
func (a *Authenticator) sign(timestamp string, cred *credentialScope, canonical string) string {
	sum := sha256.Sum256([]byte(canonical))
	stringToSign := strings.Join([]string{
		awsAlgorithm,
		timestamp,
		cred.scope,
		hex.EncodeToString(sum[:]),
	}, "\n")

	kDate := hmacSHA256([]byte(awsKeyPrefix+a.secretKey), []byte(cred.date))
	kRegion := hmacSHA256(kDate, []byte(cred.region))
	kService := hmacSHA256(kRegion, []byte(cred.service))
	kSigning := hmacSHA256(kService, []byte(awsRequestType))

	return hex.EncodeToString(hmacSHA256(kSigning, []byte(stringToSign)))
}
