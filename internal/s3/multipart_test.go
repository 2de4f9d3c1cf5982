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
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/hostfleet/assetsync/internal/retry"
	"github.com/stretchr/testify/require"
)

// fakeMultipartStore simulates the store-side multipart protocol, including
// its rejection of gapped or out-of-order completion manifests.
type fakeMultipartStore struct {
	mu       sync.Mutex
	nextID   int
	sessions map[string]map[int][]byte // uploadID -> partNumber -> bytes
	keys     map[string]string         // uploadID -> key
	objects  map[string][]byte
	failPart int // partNumber to always 500, 0 for none
}

func newFakeMultipartStore() *fakeMultipartStore {
	return &fakeMultipartStore{
		sessions: make(map[string]map[int][]byte),
		keys:     make(map[string]string),
		objects:  make(map[string][]byte),
	}
}

func (f *fakeMultipartStore) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	q := r.URL.Query()

	switch {
	case r.Method == http.MethodPost && q.Has("uploads"):
		f.nextID++
		id := fmt.Sprintf("upload-%d", f.nextID)
		f.sessions[id] = make(map[int][]byte)
		f.keys[id] = r.URL.Path
		fmt.Fprintf(w, `<InitiateMultipartUploadResult><UploadId>%s</UploadId></InitiateMultipartUploadResult>`, id)

	case r.Method == http.MethodPut && q.Has("partNumber"):
		id := q.Get("uploadId")
		parts, ok := f.sessions[id]
		if !ok {
			writeStoreError(w, http.StatusNotFound, "NoSuchUpload")
			return
		}
		var n int
		fmt.Sscanf(q.Get("partNumber"), "%d", &n)
		if n == f.failPart {
			writeStoreError(w, http.StatusInternalServerError, "InternalError")
			return
		}
		data, _ := io.ReadAll(r.Body)
		parts[n] = data
		sum := md5.Sum(data)
		w.Header().Set("ETag", `"`+hex.EncodeToString(sum[:])+`"`)

	case r.Method == http.MethodPost && q.Has("uploadId"):
		id := q.Get("uploadId")
		parts, ok := f.sessions[id]
		if !ok {
			writeStoreError(w, http.StatusNotFound, "NoSuchUpload")
			return
		}
		var doc completeMultipartUpload
		if err := xml.NewDecoder(r.Body).Decode(&doc); err != nil {
			writeStoreError(w, http.StatusBadRequest, "MalformedXML")
			return
		}
		var assembled []byte
		for i, p := range doc.Parts {
			if p.PartNumber != i+1 {
				writeStoreError(w, http.StatusBadRequest, "InvalidPartOrder")
				return
			}
			data, ok := parts[p.PartNumber]
			if !ok {
				writeStoreError(w, http.StatusBadRequest, "InvalidPart")
				return
			}
			assembled = append(assembled, data...)
		}
		if len(doc.Parts) != len(parts) {
			writeStoreError(w, http.StatusBadRequest, "InvalidPart")
			return
		}
		f.objects[f.keys[id]] = assembled
		delete(f.sessions, id)
		fmt.Fprint(w, `<CompleteMultipartUploadResult/>`)

	case r.Method == http.MethodDelete && q.Has("uploadId"):
		delete(f.sessions, q.Get("uploadId"))
		w.WriteHeader(http.StatusNoContent)

	case r.Method == http.MethodGet && q.Has("uploads"):
		fmt.Fprint(w, `<ListMultipartUploadsResult>`)
		for id, key := range f.keys {
			if _, open := f.sessions[id]; open {
				fmt.Fprintf(w, `<Upload><Key>%s</Key><UploadId>%s</UploadId></Upload>`, key, id)
			}
		}
		fmt.Fprint(w, `</ListMultipartUploadsResult>`)

	default:
		writeStoreError(w, http.StatusBadRequest, "InvalidRequest")
	}
}

func writeStoreError(w http.ResponseWriter, status int, code string) {
	w.WriteHeader(status)
	fmt.Fprintf(w, `<Error><Code>%s</Code><Message>%s</Message><RequestId>req</RequestId></Error>`, code, code)
}

func fastRetry() retry.Policy {
	return retry.Policy{
		Attempts: 2,
		Sleep:    func(context.Context, time.Duration) error { return nil },
	}
}

func writeTempAsset(t *testing.T, size int) (string, []byte) {
	t.Helper()
	content := bytes.Repeat([]byte("0123456789"), size/10+1)[:size]
	path := filepath.Join(t.TempDir(), "asset.tar.zst")
	require.NoError(t, os.WriteFile(path, content, 0o644))
	return path, content
}

func TestUploaderSplitsAndCompletes(t *testing.T) {
	store := newFakeMultipartStore()
	c := newTestClient(t, store)

	path, content := writeTempAsset(t, 2500)
	u := NewUploader(c)
	u.PartSize = 1000
	u.Retry = fastRetry()

	var reports []int64
	err := u.Upload(context.Background(), path, "images/big.tar.zst", func(done, total int64) {
		reports = append(reports, done)
		require.Equal(t, int64(2500), total)
	})
	require.NoError(t, err)
	require.Equal(t, content, store.objects["/assets/images/big.tar.zst"])
	require.Equal(t, []int64{1000, 2000, 2500}, reports)
	require.Empty(t, store.sessions, "no session may stay open after completion")
}

func TestUploaderAbortsOnFatalPartFailure(t *testing.T) {
	store := newFakeMultipartStore()
	store.failPart = 2
	c := newTestClient(t, store)

	path, _ := writeTempAsset(t, 2500)
	u := NewUploader(c)
	u.PartSize = 1000
	u.Retry = fastRetry()

	err := u.Upload(context.Background(), path, "images/big.tar.zst", nil)
	require.Error(t, err)
	require.Empty(t, store.objects)
	require.Empty(t, store.sessions, "failed session must be aborted, not leaked")
}

func TestStoreRejectsGappedCompletion(t *testing.T) {
	store := newFakeMultipartStore()
	c := newTestClient(t, store)

	// Open a session and upload parts 1 and 2 by hand.
	u := NewUploader(c)
	s := &session{key: "images/gap.tar.zst"}
	require.NoError(t, u.create(context.Background(), s))
	for n := 1; n <= 2; n++ {
		etag, err := u.uploadPart(context.Background(), s, n, []byte("data"))
		require.NoError(t, err)
		s.recordPart(n, etag)
	}

	// A gapped manifest never leaves the client.
	gapped := &session{key: s.key, uploadID: s.uploadID}
	gapped.recordPart(1, s.parts[0].ETag)
	gapped.recordPart(3, s.parts[1].ETag)
	_, err := gapped.completionDocument()
	require.Error(t, err)

	// Force the same shape onto the wire; the store must reject it too.
	doc := []byte(`<CompleteMultipartUpload>` +
		`<Part><PartNumber>2</PartNumber><ETag>` + s.parts[1].ETag + `</ETag></Part>` +
		`<Part><PartNumber>1</PartNumber><ETag>` + s.parts[0].ETag + `</ETag></Part>` +
		`</CompleteMultipartUpload>`)
	reqURL := c.objectURL(s.key, url.Values{"uploadId": {s.uploadID}})
	resp, err := c.do(context.Background(), http.MethodPost, reqURL, bytes.NewReader(doc), int64(len(doc)), unsignedPayload)
	if err == nil {
		resp.Body.Close()
	}
	require.Error(t, err)
	se, ok := err.(*StoreError)
	require.True(t, ok)
	require.Equal(t, "InvalidPartOrder", se.Code)
}

func TestCompletionDocumentOrdersParts(t *testing.T) {
	s := &session{key: "k"}
	s.recordPart(2, "b")
	s.recordPart(1, "a")
	s.recordPart(3, "c")
	doc, err := s.completionDocument()
	require.NoError(t, err)
	var parsed completeMultipartUpload
	require.NoError(t, xml.Unmarshal(doc, &parsed))
	for i, p := range parsed.Parts {
		require.Equal(t, i+1, p.PartNumber)
	}
}

func TestListAndAbortLeakedSessions(t *testing.T) {
	store := newFakeMultipartStore()
	c := newTestClient(t, store)

	u := NewUploader(c)
	s := &session{key: "images/leaked.tar.zst"}
	require.NoError(t, u.create(context.Background(), s))

	open, err := c.ListUploads(context.Background())
	require.NoError(t, err)
	require.Len(t, open, 1)
	require.Equal(t, s.uploadID, open[0].UploadID)

	require.NoError(t, c.AbortUpload(context.Background(), s.key, s.uploadID))
	open, err = c.ListUploads(context.Background())
	require.NoError(t, err)
	require.Empty(t, open)
}

func TestCompositeETag(t *testing.T) {
	s := &session{}
	part1 := md5.Sum([]byte("aaaa"))
	part2 := md5.Sum([]byte("bbbb"))
	s.recordPart(1, hex.EncodeToString(part1[:]))
	s.recordPart(2, hex.EncodeToString(part2[:]))

	h := md5.New()
	h.Write(part1[:])
	h.Write(part2[:])
	want := hex.EncodeToString(h.Sum(nil)) + "-2"
	require.Equal(t, want, s.compositeETag())
}
