package s3

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/metareg-io/metareg/internal/objectstore"
)

// fakeS3 serves path-style HEAD, GET and ListObjectsV2 requests from a map.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]string // "bucket/key" -> body
	status  int               // forced status for every request when non-zero
	methods []string
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.methods = append(f.methods, r.Method)

	if f.status != 0 {
		w.WriteHeader(f.status)
		return
	}

	path := strings.TrimPrefix(r.URL.Path, "/")
	if r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2" {
		prefix := r.URL.Query().Get("prefix")
		var b strings.Builder
		b.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
		b.WriteString(`<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)
		b.WriteString(`<Name>` + path + `</Name><Prefix>` + prefix + `</Prefix><IsTruncated>false</IsTruncated>`)
		for k, body := range f.objects {
			key := strings.TrimPrefix(k, path+"/")
			if key == k || !strings.HasPrefix(key, prefix) {
				continue
			}
			b.WriteString(`<Contents><Key>` + key + `</Key><Size>` + strconv.Itoa(len(body)) + `</Size><ETag>"etag"</ETag></Contents>`)
		}
		b.WriteString(`</ListBucketResult>`)
		w.Header().Set("Content-Type", "application/xml")
		io.WriteString(w, b.String())
		return
	}

	body, ok := f.objects[path]
	switch r.Method {
	case http.MethodHead:
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Header().Set("ETag", `"etag"`)
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		if !ok {
			w.Header().Set("Content-Type", "application/xml")
			w.WriteHeader(http.StatusNotFound)
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`)
			return
		}
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		io.WriteString(w, body)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func newTestProvider(t *testing.T, fake *fakeS3) *Provider {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	p, err := NewProvider(context.Background(), Config{
		Region:          "us-east-1",
		Endpoint:        srv.URL,
		AccessKeyID:     "test",
		SecretAccessKey: "test",
		UsePathStyle:    true,
	})
	if err != nil {
		t.Fatalf("NewProvider: %v", err)
	}
	t.Cleanup(func() { p.Close() })
	return p
}

func TestHead(t *testing.T) {
	fake := &fakeS3{objects: map[string]string{"chunks/eu/r1/abc": "data"}}
	p := newTestProvider(t, fake)
	ctx := context.Background()

	store, err := p.Bucket(ctx, "chunks")
	if err != nil {
		t.Fatal(err)
	}

	meta, err := store.Head(ctx, "eu/r1/abc")
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if meta.Size != 4 || meta.Key != "eu/r1/abc" {
		t.Errorf("unexpected meta %+v", meta)
	}

	_, err = store.Head(ctx, "eu/r1/missing")
	if !errors.Is(err, objectstore.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestHeadForbidden(t *testing.T) {
	fake := &fakeS3{status: http.StatusForbidden}
	p := newTestProvider(t, fake)
	store, _ := p.Bucket(context.Background(), "chunks")

	_, err := store.Head(context.Background(), "k")
	if !errors.Is(err, objectstore.ErrAccessDenied) {
		t.Errorf("expected ErrAccessDenied, got %v", err)
	}
}

func TestGet(t *testing.T) {
	fake := &fakeS3{objects: map[string]string{"snapshots/s1.zst": "payload"}}
	p := newTestProvider(t, fake)
	ctx := context.Background()
	store, _ := p.Bucket(ctx, "snapshots")

	rc, err := store.Get(ctx, "s1.zst")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	data, err := io.ReadAll(rc)
	rc.Close()
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "payload" {
		t.Errorf("got %q", data)
	}

	_, err = store.Get(ctx, "missing")
	if !errors.Is(err, objectstore.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestList(t *testing.T) {
	fake := &fakeS3{objects: map[string]string{
		"snapshots/daily/a": "1",
		"snapshots/daily/b": "22",
		"snapshots/other/c": "333",
	}}
	p := newTestProvider(t, fake)
	ctx := context.Background()
	store, _ := p.Bucket(ctx, "snapshots")

	objs, err := store.List(ctx, "daily/")
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(objs) != 2 {
		t.Fatalf("expected 2 objects, got %d", len(objs))
	}
	for _, o := range objs {
		if !strings.HasPrefix(o.Key, "daily/") {
			t.Errorf("unexpected key %q", o.Key)
		}
	}
}

func TestProviderReusesStores(t *testing.T) {
	p := newTestProvider(t, &fakeS3{})
	ctx := context.Background()

	a, _ := p.Bucket(ctx, "one")
	b, _ := p.Bucket(ctx, "one")
	if a != b {
		t.Error("expected the same store for the same bucket")
	}
	if _, err := p.Bucket(ctx, ""); err == nil {
		t.Error("expected error for empty bucket")
	}

	p.Close()
	if _, err := a.Head(ctx, "k"); !errors.Is(err, objectstore.ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed after provider close, got %v", err)
	}
	if _, err := p.Bucket(ctx, "two"); !errors.Is(err, objectstore.ErrStoreClosed) {
		t.Errorf("expected ErrStoreClosed, got %v", err)
	}
}

func TestNewRequiresBucket(t *testing.T) {
	if _, err := New(context.Background(), "", Config{}); err == nil {
		t.Error("expected error for empty bucket")
	}
}
