package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strconv"
	"time"

	"github.com/hostfleet/assetsync/internal/retry"
)

// SessionState tracks a multipart upload through its lifecycle.
type SessionState int

const (
	StateNotStarted SessionState = iota
	StateInProgress
	StateCompleting
	StateCompleted
	StateAborted
)

func (s SessionState) String() string {
	switch s {
	case StateNotStarted:
		return "not-started"
	case StateInProgress:
		return "in-progress"
	case StateCompleting:
		return "completing"
	case StateCompleted:
		return "completed"
	case StateAborted:
		return "aborted"
	}
	return "unknown"
}

type completedPart struct {
	PartNumber int    `xml:"PartNumber"`
	ETag       string `xml:"ETag"`
}

type completeMultipartUpload struct {
	XMLName xml.Name        `xml:"CompleteMultipartUpload"`
	Parts   []completedPart `xml:"Part"`
}

// session is one multipart upload in flight. Part numbers are contiguous
// starting at 1; completion requires every expected part acknowledged.
type session struct {
	key      string
	uploadID string
	state    SessionState
	parts    []completedPart
}

func (s *session) recordPart(number int, etag string) {
	s.parts = append(s.parts, completedPart{PartNumber: number, ETag: etag})
}

// completionDocument renders the completion manifest with parts in strictly
// ascending order. The store rejects gapped or out-of-order lists, so a
// non-contiguous part set is caught here before the request goes out.
func (s *session) completionDocument() ([]byte, error) {
	parts := append([]completedPart(nil), s.parts...)
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	for i, p := range parts {
		if p.PartNumber != i+1 {
			return nil, fmt.Errorf("s3: multipart session for %s: part %d missing", s.key, i+1)
		}
	}
	return xml.Marshal(completeMultipartUpload{Parts: parts})
}

// compositeETag is the tag the store assigns to a completed multipart object:
// the md5 of the concatenated binary part md5s, suffixed with the part count.
func (s *session) compositeETag() string {
	h := md5.New()
	parts := append([]completedPart(nil), s.parts...)
	sort.Slice(parts, func(i, j int) bool { return parts[i].PartNumber < parts[j].PartNumber })
	for _, p := range parts {
		if raw, err := hex.DecodeString(p.ETag); err == nil {
			h.Write(raw)
		}
	}
	return hex.EncodeToString(h.Sum(nil)) + "-" + strconv.Itoa(len(parts))
}

// Uploader splits large payloads into ordered parts and commits them with a
// single completion call. Each part retries independently; a failed part
// never invalidates parts the store already accepted.
type Uploader struct {
	c        *Client
	PartSize int64
	Retry    retry.Policy
}

func NewUploader(c *Client) *Uploader {
	return &Uploader{
		c:        c,
		PartSize: MultipartThreshold,
		Retry:    retry.Policy{Attempts: 3, Delay: 2 * time.Second},
	}
}

func (u *Uploader) Upload(ctx context.Context, path, key string, progress Progress) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return err
	}

	s := &session{key: key}
	if err := u.create(ctx, s); err != nil {
		return err
	}
	s.state = StateInProgress

	var sent int64
	buf := make([]byte, u.PartSize)
	for number := 1; sent < info.Size(); number++ {
		n, err := io.ReadFull(f, buf)
		if err == io.ErrUnexpectedEOF || err == io.EOF {
			err = nil
		}
		if err != nil {
			return u.abortWith(ctx, s, err)
		}
		if n == 0 {
			break
		}
		etag, err := u.uploadPart(ctx, s, number, buf[:n])
		if err != nil {
			return u.abortWith(ctx, s, err)
		}
		s.recordPart(number, etag)
		sent += int64(n)
		if progress != nil {
			progress(sent, info.Size())
		}
	}

	s.state = StateCompleting
	if err := u.complete(ctx, s); err != nil {
		// Completion is never retried blindly: the store may have committed
		// the object before the response was lost. Re-verify first.
		if u.verifyCompleted(ctx, s) {
			s.state = StateCompleted
			return nil
		}
		return u.abortWith(ctx, s, err)
	}
	s.state = StateCompleted
	u.c.log.Info().Str("key", key).Int("parts", len(s.parts)).Msg("multipart upload committed")
	return nil
}

func (u *Uploader) create(ctx context.Context, s *session) error {
	q := url.Values{}
	q.Set("uploads", "")
	resp, err := u.c.do(ctx, http.MethodPost, u.c.objectURL(s.key, q), nil, 0, "")
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var result struct {
		XMLName  xml.Name `xml:"InitiateMultipartUploadResult"`
		UploadID string   `xml:"UploadId"`
	}
	if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("s3: decode initiate response: %w", err)
	}
	if result.UploadID == "" {
		return fmt.Errorf("s3: store issued no upload id for %s", s.key)
	}
	s.uploadID = result.UploadID
	return nil
}

func (u *Uploader) uploadPart(ctx context.Context, s *session, number int, data []byte) (string, error) {
	q := url.Values{}
	q.Set("partNumber", strconv.Itoa(number))
	q.Set("uploadId", s.uploadID)

	var etag string
	err := u.Retry.Do(ctx, func() error {
		resp, err := u.c.do(ctx, http.MethodPut, u.c.objectURL(s.key, q), bytes.NewReader(data), int64(len(data)), unsignedPayload)
		if err != nil {
			return err
		}
		resp.Body.Close()
		etag = trimQuotes(resp.Header.Get("ETag"))
		return nil
	}, IsRetryable)
	return etag, err
}

func (u *Uploader) complete(ctx context.Context, s *session) error {
	doc, err := s.completionDocument()
	if err != nil {
		return err
	}
	q := url.Values{}
	q.Set("uploadId", s.uploadID)
	resp, err := u.c.do(ctx, http.MethodPost, u.c.objectURL(s.key, q), bytes.NewReader(doc), int64(len(doc)), unsignedPayload)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	// A 200 body can still carry an error document for completion requests.
	var result struct {
		XMLName xml.Name
		Code    string `xml:"Code"`
		Message string `xml:"Message"`
	}
	if err := xml.NewDecoder(resp.Body).Decode(&result); err == nil && result.XMLName.Local == "Error" {
		return &StoreError{StatusCode: resp.StatusCode, Code: result.Code, Message: result.Message}
	}
	return nil
}

// verifyCompleted checks whether a completion that appeared to fail actually
// committed: the object must exist with the expected composite tag.
func (u *Uploader) verifyCompleted(ctx context.Context, s *session) bool {
	obj, err := u.c.Head(ctx, s.key)
	return err == nil && obj != nil && obj.ETag == s.compositeETag()
}

// abortWith releases store-side storage for the session and surfaces cause.
// An unreleased session leaks reserved storage until a later GC pass finds it
// via ListUploads.
func (u *Uploader) abortWith(ctx context.Context, s *session, cause error) error {
	if s.uploadID != "" {
		if err := u.c.AbortUpload(ctx, s.key, s.uploadID); err != nil {
			u.c.log.Warn().Err(err).Str("key", s.key).Str("upload_id", s.uploadID).
				Msg("could not abort multipart session, it will need GC")
		}
	}
	s.state = StateAborted
	return cause
}

// UploadSession describes one in-progress multipart upload on the store,
// discoverable so abandoned sessions can be aborted after the fact.
type UploadSession struct {
	Key       string    `xml:"Key"`
	UploadID  string    `xml:"UploadId"`
	Initiated time.Time `xml:"Initiated"`
}

// ListUploads returns every multipart session the store still holds open for
// this bucket.
func (c *Client) ListUploads(ctx context.Context) ([]UploadSession, error) {
	q := url.Values{}
	q.Set("uploads", "")
	resp, err := c.do(ctx, http.MethodGet, c.objectURL("", q), nil, 0, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result struct {
		XMLName xml.Name        `xml:"ListMultipartUploadsResult"`
		Uploads []UploadSession `xml:"Upload"`
	}
	if err := xml.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("s3: decode uploads listing: %w", err)
	}
	return result.Uploads, nil
}

// AbortUpload releases the storage held by one multipart session.
func (c *Client) AbortUpload(ctx context.Context, key, uploadID string) error {
	q := url.Values{}
	q.Set("uploadId", uploadID)
	resp, err := c.do(ctx, http.MethodDelete, c.objectURL(key, q), nil, 0, "")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

func trimQuotes(s string) string {
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		return s[1 : len(s)-1]
	}
	return s
}
