package r2s3

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"explorermaps.dev/internal/mapcache"
)

func TestClient_PutFileSigned(t *testing.T) {
	var (
		gotPath string
		gotAuth string
		gotBody string
		gotCT   string
		gotMeta string
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotAuth = r.Header.Get("Authorization")
		gotCT = r.Header.Get("Content-Type")
		gotMeta = r.Header.Get("x-amz-meta-sha256")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := New(srv.URL, "maps", "AKID", "secret")
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	c.now = func() time.Time { return time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC) }

	local := filepath.Join(t.TempDir(), "world_RUINS.yml")
	if err := os.WriteFile(local, []byte("worldName: world\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := c.PutFile(context.Background(), "cache/world RUINS.yml", local); err != nil {
		t.Fatalf("put: %v", err)
	}
	if gotPath != "/maps/cache/world RUINS.yml" {
		t.Fatalf("path=%q", gotPath)
	}
	if !strings.HasPrefix(gotAuth, "AWS4-HMAC-SHA256 Credential=AKID/20240102/auto/s3/aws4_request, SignedHeaders=host;x-amz-content-sha256;x-amz-date;x-amz-meta-sha256, Signature=") {
		t.Fatalf("auth=%q", gotAuth)
	}
	if gotMeta != sha256Hex([]byte("worldName: world\n")) {
		t.Fatalf("meta=%q", gotMeta)
	}
	if gotBody != "worldName: world\n" || gotCT != "application/yaml" {
		t.Fatalf("body=%q ct=%q", gotBody, gotCT)
	}
}

func TestClient_PutFailureStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusForbidden)
	}))
	defer srv.Close()
	c, _ := New(srv.URL, "maps", "AKID", "secret")
	err := c.PutObject(context.Background(), "k", strings.NewReader("x"), 1, "")
	if err == nil || !strings.Contains(err.Error(), "status=403") {
		t.Fatalf("err=%v", err)
	}
	if err := c.PutObject(context.Background(), "../escape", strings.NewReader("x"), 1, ""); err == nil {
		t.Fatalf("expected key rejection")
	}
}

func TestNew_RequiresCredentials(t *testing.T) {
	if _, err := New("r2.example", "", "a", "b"); err == nil {
		t.Fatalf("expected error for empty bucket")
	}
	c, err := New("r2.example", "b", "a", "s")
	if err != nil || c.endpoint != "https://r2.example" {
		t.Fatalf("endpoint=%v err=%v", c, err)
	}
}

type fakeUploader struct {
	mu    sync.Mutex
	keys  []string
	fails int
}

func (f *fakeUploader) PutFile(_ context.Context, key, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fails > 0 {
		f.fails--
		return errors.New("flaky")
	}
	f.keys = append(f.keys, key)
	return nil
}

func TestMirror_UploadsPersistedRecords(t *testing.T) {
	data := t.TempDir()
	cache := filepath.Join(data, "cache")
	if err := os.MkdirAll(cache, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(cache, "w_T.yml"), []byte("x"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	up := &fakeUploader{fails: 1}
	m := NewMirror(up, func(world, typ string) string {
		return filepath.Join(cache, world+"_"+typ+".yml")
	}, MirrorOptions{DataDir: data, Prefix: "/explorer/", Backoff: time.Millisecond})

	key := mapcache.NewKey("w", "t")
	m.CacheEvent(mapcache.Event{Kind: mapcache.EventGenerated, Key: key})
	m.CacheEvent(mapcache.Event{Kind: mapcache.EventPersisted, Key: key})
	m.CacheEvent(mapcache.Event{Kind: mapcache.EventPersisted, Key: mapcache.NewKey("missing", "t")})
	m.Close()

	if len(up.keys) != 1 || up.keys[0] != "explorer/cache/w_T.yml" {
		t.Fatalf("keys=%v", up.keys)
	}
	st := m.Stats()
	if st.EnqueuedTotal != 2 || st.UploadSuccessTotal != 1 || st.UploadFailTotal != 0 {
		t.Fatalf("stats=%+v", st)
	}
	m.Enqueue("after-close")
	if m.Stats().EnqueuedTotal != 2 {
		t.Fatalf("enqueue after close counted")
	}
}

func TestClient_HeadObject(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("method=%s", r.Method)
		}
		if r.Header.Get("x-amz-content-sha256") != emptySHA256 {
			t.Errorf("payload hash=%q", r.Header.Get("x-amz-content-sha256"))
		}
		if r.URL.Path == "/maps/missing.yml" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("x-amz-meta-sha256", "abc")
		w.Header().Set("Content-Length", "42")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()
	c, _ := New(srv.URL, "maps", "AKID", "secret")

	info, err := c.HeadObject(context.Background(), "present.yml")
	if err != nil || !info.Exists || info.SHA256 != "abc" || info.Size != 42 {
		t.Fatalf("info=%+v err=%v", info, err)
	}
	info, err = c.HeadObject(context.Background(), "missing.yml")
	if err != nil || info.Exists {
		t.Fatalf("missing: info=%+v err=%v", info, err)
	}
}

type checkingUploader struct {
	fakeUploader
	remote map[string]string
}

func (c *checkingUploader) HeadObject(_ context.Context, key string) (ObjectInfo, error) {
	h, ok := c.remote[key]
	return ObjectInfo{Exists: ok, SHA256: h}, nil
}

func TestMirror_ReconcileSkipsCurrent(t *testing.T) {
	data := t.TempDir()
	cache := filepath.Join(data, "cache")
	if err := os.MkdirAll(cache, 0o755); err != nil {
		t.Fatal(err)
	}
	current := filepath.Join(cache, "w_A.yml")
	stale := filepath.Join(cache, "w_B.yml")
	if err := os.WriteFile(current, []byte("a"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(stale, []byte("b"), 0o644); err != nil {
		t.Fatal(err)
	}
	up := &checkingUploader{remote: map[string]string{
		"cache/w_A.yml": sha256Hex([]byte("a")),
		"cache/w_B.yml": sha256Hex([]byte("old")),
	}}
	m := NewMirror(up, nil, MirrorOptions{DataDir: data})
	if n := m.Reconcile([]string{current, stale}); n != 2 {
		t.Fatalf("reconcile queued %d", n)
	}
	m.Close()

	if len(up.keys) != 1 || up.keys[0] != "cache/w_B.yml" {
		t.Fatalf("uploaded=%v", up.keys)
	}
	if st := m.Stats(); st.UpToDateTotal != 1 || st.UploadSuccessTotal != 1 {
		t.Fatalf("stats=%+v", st)
	}

	plain := NewMirror(&fakeUploader{}, nil, MirrorOptions{DataDir: data})
	defer plain.Close()
	if n := plain.Reconcile([]string{current}); n != 0 {
		t.Fatalf("plain uploader reconcile=%d", n)
	}
}
