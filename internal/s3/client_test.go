package s3

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)
	c, err := NewClient(Options{
		Endpoint:    u.Host,
		Bucket:      "assets",
		Credentials: testCreds,
		UseSSL:      false,
		HTTPClient:  srv.Client(),
	})
	require.NoError(t, err)
	return c
}

func TestListPagesThroughTruncatedResults(t *testing.T) {
	pages := map[string]string{
		"": `<?xml version="1.0"?>
<ListBucketResult>
  <IsTruncated>true</IsTruncated>
  <NextContinuationToken>tok-2</NextContinuationToken>
  <Contents><Key>images/b.tar.zst</Key><Size>20</Size><LastModified>2026-08-01T10:00:00Z</LastModified><ETag>"bb"</ETag></Contents>
  <Contents><Key>images/a.tar.zst</Key><Size>10</Size><LastModified>2026-08-01T10:00:00Z</LastModified><ETag>"aa"</ETag></Contents>
</ListBucketResult>`,
		"tok-2": `<?xml version="1.0"?>
<ListBucketResult>
  <IsTruncated>false</IsTruncated>
  <Contents><Key>images/c.tar.zst</Key><Size>30</Size><LastModified>2026-08-02T10:00:00Z</LastModified><ETag>"cc"</ETag></Contents>
  <Contents><Key>images/b.tar.zst</Key><Size>20</Size><LastModified>2026-08-01T10:00:00Z</LastModified><ETag>"bb"</ETag></Contents>
</ListBucketResult>`,
	}
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/assets", r.URL.Path)
		require.Equal(t, "images/", r.URL.Query().Get("prefix"))
		io.WriteString(w, pages[r.URL.Query().Get("continuation-token")])
	}))

	objects, err := c.List(context.Background(), "images/")
	require.NoError(t, err)
	require.Len(t, objects, 3, "pages must be flattened and de-duplicated")
	require.Equal(t, "images/a.tar.zst", objects[0].Key)
	require.Equal(t, "images/b.tar.zst", objects[1].Key)
	require.Equal(t, "images/c.tar.zst", objects[2].Key)
	require.Equal(t, "aa", objects[0].ETag)
	require.Equal(t, int64(30), objects[2].Size)
}

func TestHeadAbsentObject(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))

	obj, err := c.Head(context.Background(), "images/missing.tar.zst")
	require.NoError(t, err)
	require.Nil(t, obj)
}

func TestHeadPresentObject(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodHead, r.Method)
		w.Header().Set("ETag", `"deadbeef"`)
		w.Header().Set("Last-Modified", "Sat, 01 Aug 2026 10:00:00 GMT")
		w.Header().Set("Content-Length", "42")
		w.WriteHeader(http.StatusOK)
	}))

	obj, err := c.Head(context.Background(), "images/vm.tar.zst")
	require.NoError(t, err)
	require.NotNil(t, obj)
	require.Equal(t, "images/vm.tar.zst", obj.Key)
	require.Equal(t, int64(42), obj.Size)
	require.Equal(t, "deadbeef", obj.ETag)
	require.False(t, obj.LastModified.IsZero())
}

func TestStoreErrorDecoded(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		io.WriteString(w, `<?xml version="1.0"?>
<Error>
  <Code>AccessDenied</Code>
  <Message>Access Denied</Message>
  <RequestId>REQ123</RequestId>
  <HostId>HOST456</HostId>
  <Resource>/assets/images/vm.tar.zst</Resource>
</Error>`)
	}))

	_, err := c.List(context.Background(), "")
	require.Error(t, err)
	se, ok := err.(*StoreError)
	require.True(t, ok, "want *StoreError, got %T", err)
	require.Equal(t, "AccessDenied", se.Code)
	require.Equal(t, "Access Denied", se.Message)
	require.Equal(t, "REQ123", se.RequestID)
	require.Equal(t, "HOST456", se.HostID)
	require.Equal(t, "/assets/images/vm.tar.zst", se.Extra["Resource"])
	require.True(t, IsAuthFailure(err))
	require.False(t, IsRetryable(err))
	require.False(t, IsNotFound(err))
}

func TestPermanentRedirectSurfacedAsRedirectError(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusMovedPermanently)
		io.WriteString(w, `<?xml version="1.0"?>
<Error>
  <Code>PermanentRedirect</Code>
  <Message>The bucket must be addressed using the specified endpoint.</Message>
  <Endpoint>assets.s3.eu-central-1.amazonaws.com</Endpoint>
  <RequestId>REQ9</RequestId>
</Error>`)
	}))

	_, err := c.Head(context.Background(), "images/vm.tar.zst")
	require.Error(t, err)
	re, ok := err.(*RedirectError)
	require.True(t, ok, "want *RedirectError, got %T", err)
	require.Equal(t, "assets.s3.eu-central-1.amazonaws.com", re.Endpoint)
	require.False(t, IsRetryable(err), "redirects must never be blindly retried")
}

func TestThrottlingIsRetryable(t *testing.T) {
	err := error(&StoreError{StatusCode: http.StatusServiceUnavailable, Code: "SlowDown"})
	require.True(t, IsRetryable(err))
	err = &TransportError{Op: "GET x", Err: fmt.Errorf("connection reset")}
	require.True(t, IsRetryable(err))
}

func TestDownloadWritesAtomicallyAndVerifies(t *testing.T) {
	content := bytes.Repeat([]byte("asset-bytes."), 1024)
	sum := md5.Sum(content)
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/assets/images/vm.tar.zst", r.URL.Path)
		w.Header().Set("ETag", `"`+hex.EncodeToString(sum[:])+`"`)
		w.Write(content)
	}))

	dest := filepath.Join(t.TempDir(), "vm.tar.zst")
	got, err := c.Download(context.Background(), "images/vm.tar.zst", dest, nil)
	require.NoError(t, err)
	require.Equal(t, dest, got)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	require.Equal(t, content, data)

	_, err = os.Stat(dest + ".partial")
	require.True(t, os.IsNotExist(err), "temporary file must not survive")
}

func TestDownloadChecksumMismatch(t *testing.T) {
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("ETag", `"0123456789abcdef0123456789abcdef"`)
		io.WriteString(w, "not the advertised content")
	}))

	dest := filepath.Join(t.TempDir(), "vm.tar.zst")
	_, err := c.Download(context.Background(), "images/vm.tar.zst", dest, nil)
	require.Error(t, err)
	var cm *ChecksumMismatch
	require.ErrorAs(t, err, &cm)
	require.Equal(t, "images/vm.tar.zst", cm.Key)

	_, err = os.Stat(dest)
	require.True(t, os.IsNotExist(err), "corrupt download must not land at destination")
}

func TestUploadSingleShot(t *testing.T) {
	var gotBody []byte
	var gotAuth string
	c := newTestClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		require.Equal(t, "/assets/images/small.tar.zst", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		gotBody, _ = io.ReadAll(r.Body)
	}))

	src := filepath.Join(t.TempDir(), "small.tar.zst")
	require.NoError(t, os.WriteFile(src, []byte("tiny asset"), 0o644))

	require.NoError(t, c.Upload(context.Background(), src, "images/small.tar.zst", nil))
	require.Equal(t, "tiny asset", string(gotBody))
	require.True(t, strings.HasPrefix(gotAuth, "AWS4-HMAC-SHA256 Credential="))
}

func TestPresignCarriesSignedQuery(t *testing.T) {
	c, err := NewClient(Options{
		Endpoint:    "store.example.com",
		Bucket:      "assets",
		Credentials: testCreds,
		UseSSL:      true,
		Now:         func() time.Time { return testTime },
	})
	require.NoError(t, err)

	raw := c.Presign("images/vm.tar.zst", time.Hour)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	require.Equal(t, "https", u.Scheme)
	require.Equal(t, "/assets/images/vm.tar.zst", u.Path)
	q := u.Query()
	require.Equal(t, "3600", q.Get("X-Amz-Expires"))
	require.Len(t, q.Get("X-Amz-Signature"), 64)
}

func TestProgressReportingIsThrottled(t *testing.T) {
	var calls int
	var last, total int64
	r := &progressReader{
		r:     bytes.NewReader(make([]byte, 3*progressStep+100)),
		total: int64(3*progressStep + 100),
		fn: func(done, tot int64) {
			calls++
			last, total = done, tot
		},
	}
	_, err := io.Copy(io.Discard, r)
	require.NoError(t, err)
	require.LessOrEqual(t, calls, 5, "progress must not fire per read")
	require.Equal(t, int64(3*progressStep+100), last, "final report must cover all bytes")
	require.Equal(t, int64(3*progressStep+100), total)
}
