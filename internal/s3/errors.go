package s3

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// TransportError wraps a network-level failure (dial, reset, timeout). These
// are always safe to retry.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string { return "s3: " + e.Op + ": " + e.Err.Error() }
func (e *TransportError) Unwrap() error { return e.Err }

// StoreError is a structured rejection from the store, decoded from its XML
// error body. Fields beyond the standard four land in Extra so callers can
// inspect endpoint hints and similar context.
type StoreError struct {
	StatusCode int
	Code       string
	Message    string
	RequestID  string
	HostID     string
	Extra      map[string]string
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("s3: %s: %s (request %s)", e.Code, e.Message, e.RequestID)
}

// NotFound reports whether the store rejected the request because the key or
// bucket does not exist.
func (e *StoreError) NotFound() bool {
	return e.Code == "NoSuchKey" || e.Code == "NoSuchBucket" || e.StatusCode == http.StatusNotFound
}

// Retryable reports whether the rejection is transient. Auth and not-found
// rejections are final; throttling and server-side errors are not.
func (e *StoreError) Retryable() bool {
	switch e.Code {
	case "SlowDown", "RequestTimeout", "InternalError", "ServiceUnavailable":
		return true
	}
	return e.StatusCode >= 500
}

// RedirectError means the request reached the wrong regional endpoint. The
// caller must re-resolve the endpoint; retrying in place returns the same
// answer forever.
type RedirectError struct {
	Code     string
	Endpoint string
	Region   string
}

func (e *RedirectError) Error() string {
	return fmt.Sprintf("s3: %s: use endpoint %q", e.Code, e.Endpoint)
}

// ChecksumMismatch means downloaded bytes disagree with the size or content
// tag the store advertised. Fatal for the attempt, safe to retry once from
// scratch.
type ChecksumMismatch struct {
	Key      string
	Expected string
	Actual   string
}

func (e *ChecksumMismatch) Error() string {
	return fmt.Sprintf("s3: checksum mismatch for %s: want %s, got %s", e.Key, e.Expected, e.Actual)
}

// IsRetryable classifies an error for the bounded retry loops around single
// network calls. Redirects are deliberately not retryable.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return true
	}
	var se *StoreError
	if errors.As(err, &se) {
		return se.Retryable()
	}
	return false
}

// IsNotFound reports whether err is the store saying the object is absent.
func IsNotFound(err error) bool {
	var se *StoreError
	return errors.As(err, &se) && se.NotFound()
}

// IsAuthFailure reports a store-wide credential rejection; batch callers
// abort on these instead of skipping per-asset. HEAD responses carry no error
// body, so the status code counts as well as the decoded code.
func IsAuthFailure(err error) bool {
	var se *StoreError
	if !errors.As(err, &se) {
		return false
	}
	switch se.Code {
	case "AccessDenied", "InvalidAccessKeyId", "SignatureDoesNotMatch", "ExpiredToken":
		return true
	}
	return se.StatusCode == http.StatusUnauthorized || se.StatusCode == http.StatusForbidden
}

// decodeStoreError turns a non-2xx response into the typed taxonomy. The body
// is an XML document with Code, Message, RequestId, HostId plus arbitrary
// extra elements.
func decodeStoreError(resp *http.Response) error {
	se := &StoreError{StatusCode: resp.StatusCode}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err == nil && len(body) > 0 {
		parseErrorBody(body, se)
	}
	if se.Code == "" {
		se.Code = http.StatusText(resp.StatusCode)
	}

	if resp.StatusCode == http.StatusMovedPermanently || se.Code == "PermanentRedirect" || se.Code == "TemporaryRedirect" {
		return &RedirectError{
			Code:     se.Code,
			Endpoint: se.Extra["Endpoint"],
			Region:   se.Extra["Region"],
		}
	}
	return se
}

func parseErrorBody(body []byte, se *StoreError) {
	dec := xml.NewDecoder(bytes.NewReader(body))
	var field string
	for {
		tok, err := dec.Token()
		if err != nil {
			return
		}
		switch t := tok.(type) {
		case xml.StartElement:
			field = t.Name.Local
		case xml.CharData:
			val := string(t)
			switch field {
			case "", "Error":
			case "Code":
				se.Code = val
			case "Message":
				se.Message = val
			case "RequestId":
				se.RequestID = val
			case "HostId":
				se.HostID = val
			default:
				if se.Extra == nil {
					se.Extra = map[string]string{}
				}
				se.Extra[field] = val
			}
			field = ""
		case xml.EndElement:
			field = ""
		}
	}
}
