package s3

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	signAlgorithm   = "AWS4-HMAC-SHA256"
	unsignedPayload = "UNSIGNED-PAYLOAD"
	emptyPayloadSHA = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

	amzDateFormat   = "20060102T150405Z"
	scopeDateLayout = "20060102"
)

// Credentials is the resolved access/secret/region triple. It is immutable
// once loaded and shared by every signing operation of a client.
type Credentials struct {
	AccessKey string
	SecretKey string
	Region    string
}

// Scope pins a signature to one day, region and service. Its string form is
// embedded in both the credential and the string to sign.
type Scope struct {
	Date    time.Time
	Region  string
	Service string
}

func (s Scope) String() string {
	return strings.Join([]string{
		s.Date.UTC().Format(scopeDateLayout),
		s.Region,
		s.Service,
		"aws4_request",
	}, "/")
}

// Signer derives per-request signatures from long-term credentials.
type Signer struct {
	creds   Credentials
	service string
}

func NewSigner(creds Credentials) *Signer {
	return &Signer{creds: creds, service: "s3"}
}

// signingKey folds HMAC over the scope components, each step keyed by the
// previous result. The derived key is valid for exactly one day/region/service.
func (s *Signer) signingKey(scope Scope) []byte {
	k := hmacSHA256([]byte("AWS4"+s.creds.SecretKey), scope.Date.UTC().Format(scopeDateLayout))
	k = hmacSHA256(k, scope.Region)
	k = hmacSHA256(k, scope.Service)
	return hmacSHA256(k, "aws4_request")
}

// SignHeaders signs req in place, adding x-amz-date, x-amz-content-sha256 and
// the Authorization header. payloadHash is the hex SHA-256 of the request
// body; pass an empty string for a bodyless request.
func (s *Signer) SignHeaders(req *http.Request, payloadHash string, now time.Time) {
	if payloadHash == "" {
		payloadHash = emptyPayloadSHA
	}
	now = now.UTC()
	scope := Scope{Date: now, Region: s.creds.Region, Service: s.service}

	req.Header.Set("x-amz-date", now.Format(amzDateFormat))
	req.Header.Set("x-amz-content-sha256", payloadHash)

	headers, signedList := canonicalHeaders(req)
	canonical := canonicalRequest(req.Method, req.URL, headers, signedList, payloadHash)
	sig := s.signature(scope, now, canonical)

	req.Header.Set("Authorization", signAlgorithm+
		" Credential="+s.creds.AccessKey+"/"+scope.String()+
		",SignedHeaders="+signedList+
		",Signature="+sig)
}

// Presign returns a copy of u carrying query-string authentication valid for
// ttl. The payload is declared unsigned; expiry is enforced by the store's
// clock, not here.
func (s *Signer) Presign(method string, u *url.URL, ttl time.Duration, now time.Time) *url.URL {
	now = now.UTC()
	scope := Scope{Date: now, Region: s.creds.Region, Service: s.service}

	signed := *u
	q := signed.Query()
	q.Set("X-Amz-Algorithm", signAlgorithm)
	q.Set("X-Amz-Credential", s.creds.AccessKey+"/"+scope.String())
	q.Set("X-Amz-Date", now.Format(amzDateFormat))
	q.Set("X-Amz-Expires", strconv.Itoa(int(ttl/time.Second)))
	q.Set("X-Amz-SignedHeaders", "host")
	signed.RawQuery = encodeQuery(q)

	headers := "host:" + hostOf(&signed) + "\n"
	canonical := canonicalRequest(method, &signed, headers, "host", unsignedPayload)
	q.Set("X-Amz-Signature", s.signature(scope, now, canonical))
	signed.RawQuery = encodeQuery(q)
	return &signed
}

func (s *Signer) signature(scope Scope, now time.Time, canonical string) string {
	toSign := strings.Join([]string{
		signAlgorithm,
		now.Format(amzDateFormat),
		scope.String(),
		sha256Hex([]byte(canonical)),
	}, "\n")
	return hex.EncodeToString(hmacSHA256(s.signingKey(scope), toSign))
}

// canonicalRequest assembles the string whose digest is signed. Verification
// on the store side depends on byte equality, so the URI is normalized to
// always carry a leading slash.
func canonicalRequest(method string, u *url.URL, headers, signedList, payloadHash string) string {
	return strings.Join([]string{
		method,
		canonicalURI(u.Path),
		encodeQuery(u.Query()),
		headers,
		signedList,
		payloadHash,
	}, "\n")
}

func canonicalURI(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	parts := strings.Split(p, "/")
	for i, seg := range parts {
		parts[i] = awsEscape(seg)
	}
	return strings.Join(parts, "/")
}

// canonicalHeaders returns the sorted lowercased header block and the
// semicolon-joined signed-header list. Only headers that participate in
// signing are included: host, the x-amz-* family and a small fixed set the
// store validates.
func canonicalHeaders(req *http.Request) (block, list string) {
	include := map[string]bool{
		"content-md5":  true,
		"content-type": true,
		"date":         true,
		"range":        true,
	}
	names := []string{"host"}
	values := map[string]string{"host": hostOf(req.URL)}
	for name, vals := range req.Header {
		lower := strings.ToLower(name)
		if !include[lower] && !strings.HasPrefix(lower, "x-amz-") {
			continue
		}
		names = append(names, lower)
		values[lower] = strings.TrimSpace(strings.Join(vals, ","))
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		b.WriteString(name)
		b.WriteByte(':')
		b.WriteString(values[name])
		b.WriteByte('\n')
	}
	return b.String(), strings.Join(names, ";")
}

// encodeQuery writes the query string in canonical form: parameters sorted by
// name, every byte outside the unreserved set percent-encoded. url.Values'
// own encoder uses '+' for spaces, which the store rejects.
func encodeQuery(q url.Values) string {
	names := make([]string, 0, len(q))
	for name := range q {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		vals := append([]string(nil), q[name]...)
		sort.Strings(vals)
		for _, val := range vals {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(awsEscape(name))
			b.WriteByte('=')
			b.WriteString(awsEscape(val))
		}
	}
	return b.String()
}

func awsEscape(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		default:
			b.WriteString("%")
			b.WriteString(strings.ToUpper(hex.EncodeToString([]byte{c})))
		}
	}
	return b.String()
}

func hostOf(u *url.URL) string {
	return u.Host
}

func hmacSHA256(key []byte, msg string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(msg))
	return h.Sum(nil)
}

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}
