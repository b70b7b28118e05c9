package s3gate

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/duckhouse/duckhouse/internal/errkind"
)

const (
	sigAlgorithm    = "AWS4-HMAC-SHA256"
	unsignedPayload = "UNSIGNED-PAYLOAD"
	amzDateFormat   = "20060102T150405Z"
)

// sigV4Request carries the pieces of a signature to verify, parsed
// either from the Authorization header or from presign query parameters.
type sigV4Request struct {
	accessKeyID   string
	scope         string // date/region/service/aws4_request
	signedHeaders []string
	signature     string
	amzDate       string
	payloadHash   string
	presigned     bool
	expires       time.Duration
}

// parseAuthorizationHeader parses a header-signed request.
func parseAuthorizationHeader(r *http.Request) (*sigV4Request, error) {
	h := r.Header.Get("Authorization")
	rest, ok := strings.CutPrefix(h, sigAlgorithm+" ")
	if !ok {
		return nil, errkind.New(errkind.Unauthenticated, "unsupported authorization scheme")
	}
	s := &sigV4Request{amzDate: r.Header.Get("X-Amz-Date")}
	for _, field := range strings.Split(rest, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(field), "=")
		if !ok {
			return nil, errkind.New(errkind.Unauthenticated, "malformed authorization header")
		}
		switch k {
		case "Credential":
			ak, scope, ok := strings.Cut(v, "/")
			if !ok {
				return nil, errkind.New(errkind.Unauthenticated, "malformed credential")
			}
			s.accessKeyID, s.scope = ak, scope
		case "SignedHeaders":
			s.signedHeaders = strings.Split(v, ";")
		case "Signature":
			s.signature = v
		}
	}
	if s.accessKeyID == "" || len(s.signedHeaders) == 0 || s.signature == "" {
		return nil, errkind.New(errkind.Unauthenticated, "incomplete authorization header")
	}
	s.payloadHash = r.Header.Get("X-Amz-Content-Sha256")
	if s.payloadHash == "" {
		s.payloadHash = unsignedPayload
	}
	return s, nil
}

// parsePresignedQuery parses a query-presigned request.
func parsePresignedQuery(q url.Values) (*sigV4Request, error) {
	if q.Get("X-Amz-Algorithm") != sigAlgorithm {
		return nil, errkind.New(errkind.Unauthenticated, "unsupported presign algorithm")
	}
	ak, scope, ok := strings.Cut(q.Get("X-Amz-Credential"), "/")
	if !ok {
		return nil, errkind.New(errkind.Unauthenticated, "malformed presign credential")
	}
	expires, err := strconv.Atoi(q.Get("X-Amz-Expires"))
	if err != nil || expires <= 0 {
		return nil, errkind.New(errkind.Unauthenticated, "malformed presign expiry")
	}
	s := &sigV4Request{
		accessKeyID:   ak,
		scope:         scope,
		signedHeaders: strings.Split(q.Get("X-Amz-SignedHeaders"), ";"),
		signature:     q.Get("X-Amz-Signature"),
		amzDate:       q.Get("X-Amz-Date"),
		payloadHash:   unsignedPayload,
		presigned:     true,
		expires:       time.Duration(expires) * time.Second,
	}
	if s.signature == "" || s.amzDate == "" {
		return nil, errkind.New(errkind.Unauthenticated, "incomplete presign parameters")
	}
	return s, nil
}

// verify recomputes the signature over r and compares in constant time.
func (s *sigV4Request) verify(r *http.Request, accessKey, secretKey string, now time.Time) error {
	if subtle.ConstantTimeCompare([]byte(s.accessKeyID), []byte(accessKey)) != 1 {
		return errkind.New(errkind.Unauthenticated, "unknown access key id")
	}
	signedAt, err := time.Parse(amzDateFormat, s.amzDate)
	if err != nil {
		return errkind.New(errkind.Unauthenticated, "malformed signing date")
	}
	if s.presigned && now.After(signedAt.Add(s.expires)) {
		return errkind.New(errkind.Unauthenticated, "presigned url has expired")
	}

	want := hmacHex(signingKey(secretKey, s.scope), s.stringToSign(r))
	if subtle.ConstantTimeCompare([]byte(want), []byte(s.signature)) != 1 {
		return errkind.New(errkind.Unauthenticated, "signature mismatch")
	}
	return nil
}

func (s *sigV4Request) stringToSign(r *http.Request) string {
	canonical := strings.Join([]string{
		r.Method,
		canonicalURI(r),
		s.canonicalQuery(r),
		s.canonicalHeaders(r),
		strings.Join(s.signedHeaders, ";"),
		s.payloadHash,
	}, "\n")
	sum := sha256.Sum256([]byte(canonical))
	return strings.Join([]string{
		sigAlgorithm,
		s.amzDate,
		s.scope,
		hex.EncodeToString(sum[:]),
	}, "\n")
}

func canonicalURI(r *http.Request) string {
	p := r.URL.EscapedPath()
	if p == "" {
		return "/"
	}
	return p
}

// canonicalQuery sorts and percent-encodes the query, excluding the
// signature itself on presigned requests.
func (s *sigV4Request) canonicalQuery(r *http.Request) string {
	q := r.URL.Query()
	if s.presigned {
		q.Del("X-Amz-Signature")
	}
	return strings.ReplaceAll(q.Encode(), "+", "%20")
}

func (s *sigV4Request) canonicalHeaders(r *http.Request) string {
	var b strings.Builder
	for _, name := range s.signedHeaders {
		var value string
		if name == "host" {
			value = r.Host
		} else {
			value = strings.Join(r.Header.Values(http.CanonicalHeaderKey(name)), ",")
		}
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(strings.TrimSpace(value))
		b.WriteByte('\n')
	}
	return b.String()
}

// signingKey derives the per-scope key: HMAC chained over the scope
// segments with the AWS4 prefix.
func signingKey(secret, scope string) []byte {
	key := []byte("AWS4" + secret)
	for _, part := range strings.Split(scope, "/") {
		key = hmacSum(key, part)
	}
	return key
}

func hmacSum(key []byte, msg string) []byte {
	m := hmac.New(sha256.New, key)
	m.Write([]byte(msg))
	return m.Sum(nil)
}

func hmacHex(key []byte, msg string) string {
	return hex.EncodeToString(hmacSum(key, msg))
}

// scopeFor builds the credential scope for a signing date, always in the
// fixed region the gateway advertises.
func scopeFor(t time.Time) string {
	return t.UTC().Format("20060102") + "/us-east-1/s3/aws4_request"
}
