// Package s3 is a minimal client for S3-compatible object stores. Requests
// are signed with the SigV4 scheme in signer.go; list and error responses are
// XML. One Client serves exactly one bucket+region+endpoint combination.
package s3

import (
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
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// MultipartThreshold is the size at or above which Upload switches to the
// multipart path.
const MultipartThreshold = 64 << 20

// progressStep bounds how often progress callbacks fire: once per step, never
// per read.
const progressStep = 1 << 20

// Object is one remote asset as the store describes it. Identity is the key;
// a changed size or tag means the object was replaced, not mutated.
type Object struct {
	Key          string
	Size         int64
	LastModified time.Time
	ETag         string
}

// Progress observes a transfer as (bytesTransferred, totalBytes). Callbacks
// are rate-limited; a nil Progress is always acceptable.
type Progress func(transferred, total int64)

// Options configures a Client. Credentials arrive fully resolved; the client
// performs no discovery.
type Options struct {
	Endpoint    string // host[:port], no scheme
	Bucket      string
	Credentials Credentials
	UseSSL      bool
	HTTPClient  *http.Client
	Now         func() time.Time
}

type Client struct {
	endpoint string
	scheme   string
	bucket   string
	signer   *Signer
	httpc    *http.Client
	now      func() time.Time
	log      zerolog.Logger
}

func NewClient(opts Options) (*Client, error) {
	if opts.Endpoint == "" || opts.Bucket == "" {
		return nil, fmt.Errorf("s3: endpoint and bucket must be provided")
	}
	if opts.Credentials.AccessKey == "" || opts.Credentials.SecretKey == "" {
		return nil, fmt.Errorf("s3: credentials must be provided")
	}
	scheme := "https"
	if !opts.UseSSL {
		scheme = "http"
	}
	httpc := opts.HTTPClient
	if httpc == nil {
		httpc = &http.Client{Timeout: 15 * time.Minute}
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Client{
		endpoint: strings.TrimSuffix(opts.Endpoint, "/"),
		scheme:   scheme,
		bucket:   opts.Bucket,
		signer:   NewSigner(opts.Credentials),
		httpc:    httpc,
		now:      now,
		log:      log.With().Str("component", "s3").Str("bucket", opts.Bucket).Logger(),
	}, nil
}

// Bucket returns the bucket this client is bound to.
func (c *Client) Bucket() string { return c.bucket }

// objectURL builds a path-style URL for key. Keys are stored without a
// leading slash; the signer re-normalizes either way.
func (c *Client) objectURL(key string, query url.Values) *url.URL {
	u := &url.URL{
		Scheme: c.scheme,
		Host:   c.endpoint,
		Path:   "/" + c.bucket,
	}
	if key != "" {
		u.Path += "/" + strings.TrimPrefix(key, "/")
	}
	if query != nil {
		// encodeQuery keeps the wire form byte-identical to the canonical
		// form the signature covers.
		u.RawQuery = encodeQuery(query)
	}
	return u
}

// do signs and sends one request. Non-2xx responses are decoded into the
// typed error taxonomy; the caller owns the response body otherwise.
func (c *Client) do(ctx context.Context, method string, u *url.URL, body io.Reader, contentLength int64, payloadHash string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, err
	}
	if contentLength > 0 {
		req.ContentLength = contentLength
	}
	if body != nil && payloadHash == "" {
		payloadHash = unsignedPayload
	}
	c.signer.SignHeaders(req, payloadHash, c.now())

	resp, err := c.httpc.Do(req)
	if err != nil {
		return nil, &TransportError{Op: method + " " + u.Path, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, decodeStoreError(resp)
	}
	return resp, nil
}

type listBucketResult struct {
	XMLName               xml.Name `xml:"ListBucketResult"`
	IsTruncated           bool     `xml:"IsTruncated"`
	NextContinuationToken string   `xml:"NextContinuationToken"`
	Contents              []struct {
		Key          string    `xml:"Key"`
		Size         int64     `xml:"Size"`
		LastModified time.Time `xml:"LastModified"`
		ETag         string    `xml:"ETag"`
	} `xml:"Contents"`
}

// List returns every object under prefix as one flattened sequence, paging
// through truncated results transparently. The result is de-duplicated and
// ordered by key.
func (c *Client) List(ctx context.Context, prefix string) ([]Object, error) {
	seen := make(map[string]Object)
	token := ""
	for {
		q := url.Values{}
		q.Set("list-type", "2")
		if prefix != "" {
			q.Set("prefix", prefix)
		}
		if token != "" {
			q.Set("continuation-token", token)
		}
		resp, err := c.do(ctx, http.MethodGet, c.objectURL("", q), nil, 0, "")
		if err != nil {
			return nil, err
		}
		var page listBucketResult
		err = xml.NewDecoder(resp.Body).Decode(&page)
		resp.Body.Close()
		if err != nil {
			return nil, fmt.Errorf("s3: decode list response: %w", err)
		}
		for _, item := range page.Contents {
			seen[item.Key] = Object{
				Key:          item.Key,
				Size:         item.Size,
				LastModified: item.LastModified,
				ETag:         strings.Trim(item.ETag, `"`),
			}
		}
		if !page.IsTruncated || page.NextContinuationToken == "" {
			break
		}
		token = page.NextContinuationToken
	}

	objects := make([]Object, 0, len(seen))
	for _, obj := range seen {
		objects = append(objects, obj)
	}
	sort.Slice(objects, func(i, j int) bool { return objects[i].Key < objects[j].Key })
	return objects, nil
}

// Head returns the object's metadata, or (nil, nil) when the key does not
// exist.
func (c *Client) Head(ctx context.Context, key string) (*Object, error) {
	resp, err := c.do(ctx, http.MethodHead, c.objectURL(key, nil), nil, 0, "")
	if err != nil {
		if IsNotFound(err) {
			return nil, nil
		}
		return nil, err
	}
	defer resp.Body.Close()

	obj := &Object{
		Key:  strings.TrimPrefix(key, "/"),
		Size: resp.ContentLength,
		ETag: strings.Trim(resp.Header.Get("ETag"), `"`),
	}
	if t, err := http.ParseTime(resp.Header.Get("Last-Modified")); err == nil {
		obj.LastModified = t
	}
	return obj, nil
}

// Download fetches key into destPath and returns destPath. Bytes land in a
// temporary sibling first and are renamed into place only after size and,
// for single-part objects, md5 verification, so a half-written asset is never
// observable at destPath.
func (c *Client) Download(ctx context.Context, key, destPath string, progress Progress) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.objectURL(key, nil), nil, 0, "")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	tmpPath := destPath + ".partial"
	f, err := os.Create(tmpPath)
	if err != nil {
		return "", err
	}
	defer os.Remove(tmpPath)

	hash := md5.New()
	reader := &progressReader{
		r:     resp.Body,
		total: resp.ContentLength,
		fn:    progress,
	}
	written, err := io.Copy(io.MultiWriter(f, hash), reader)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return "", &TransportError{Op: "GET " + key, Err: err}
	}
	if resp.ContentLength >= 0 && written != resp.ContentLength {
		return "", &ChecksumMismatch{
			Key:      key,
			Expected: strconv.FormatInt(resp.ContentLength, 10) + " bytes",
			Actual:   strconv.FormatInt(written, 10) + " bytes",
		}
	}
	etag := strings.Trim(resp.Header.Get("ETag"), `"`)
	if etag != "" && !strings.Contains(etag, "-") {
		if sum := hex.EncodeToString(hash.Sum(nil)); sum != etag {
			return "", &ChecksumMismatch{Key: key, Expected: etag, Actual: sum}
		}
	}
	if err := os.Rename(tmpPath, destPath); err != nil {
		return "", err
	}
	c.log.Debug().Str("key", key).Int64("bytes", written).Msg("downloaded object")
	return destPath, nil
}

// Upload stores the file at path under key. Files at or above
// MultipartThreshold take the multipart path so individual part failures do
// not restart the whole transfer.
func (c *Client) Upload(ctx context.Context, path, key string, progress Progress) error {
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	if info.Size() >= MultipartThreshold {
		return NewUploader(c).Upload(ctx, path, key, progress)
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	reader := &progressReader{r: f, total: info.Size(), fn: progress}
	resp, err := c.do(ctx, http.MethodPut, c.objectURL(key, nil), reader, info.Size(), unsignedPayload)
	if err != nil {
		return err
	}
	resp.Body.Close()
	c.log.Debug().Str("key", key).Int64("bytes", info.Size()).Msg("uploaded object")
	return nil
}

// Presign returns a URL granting read access to key for ttl. Expiry is
// enforced by the store's clock.
func (c *Client) Presign(key string, ttl time.Duration) string {
	return c.signer.Presign(http.MethodGet, c.objectURL(key, nil), ttl, c.now()).String()
}

// Delete removes key. Deleting an absent key is not an error, matching the
// store's semantics.
func (c *Client) Delete(ctx context.Context, key string) error {
	resp, err := c.do(ctx, http.MethodDelete, c.objectURL(key, nil), nil, 0, "")
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

type progressReader struct {
	r        io.Reader
	total    int64
	done     int64
	reported int64
	fn       Progress
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	p.done += int64(n)
	if p.fn != nil && (p.done-p.reported >= progressStep || err == io.EOF || (p.total >= 0 && p.done == p.total)) {
		p.reported = p.done
		p.fn(p.done, p.total)
	}
	return n, err
}
