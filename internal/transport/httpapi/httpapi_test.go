package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"explorermaps.dev/internal/host"
	"explorermaps.dev/internal/issue"
	"explorermaps.dev/internal/mapcache"
	"explorermaps.dev/internal/poi"
	"explorermaps.dev/internal/protocol"
	"explorermaps.dev/internal/render/palette"
	"explorermaps.dev/internal/render/raster"
)

type fakeCache struct {
	mu      sync.Mutex
	entries map[mapcache.Key]*mapcache.Entry
	regen   []mapcache.Key
}

func newFakeCache() *fakeCache {
	terrain := make([]byte, raster.Pixels)
	for i := range terrain {
		terrain[i] = palette.ForestColor
	}
	terrain[0] = palette.WaterLight
	e := &mapcache.Entry{
		POI:     poi.POI{World: "world", X: 100, Y: 64, Z: 200, Type: "VILLAGE", Schematic: "hut"},
		CenterX: 90,
		CenterZ: 210,
		Terrain: terrain,
	}
	return &fakeCache{entries: map[mapcache.Key]*mapcache.Entry{mapcache.NewKey("world", "VILLAGE"): e}}
}

func (c *fakeCache) Get(world, typ string) (*mapcache.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[mapcache.NewKey(world, typ)]
	return e, ok
}

func (c *fakeCache) Keys() []mapcache.Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []mapcache.Key
	for k := range c.entries {
		out = append(out, k)
	}
	return out
}

func (c *fakeCache) CachedTypes(world string) []string {
	var out []string
	for _, k := range c.Keys() {
		if k.World == world {
			out = append(out, k.Type)
		}
	}
	return out
}

func (c *fakeCache) RegenerateAsync(world, typ string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.regen = append(c.regen, mapcache.NewKey(world, typ))
	return true
}

func (c *fakeCache) InitializeAll() int { return 2 }

func (c *fakeCache) Stats() mapcache.Stats {
	return mapcache.Stats{Entries: 1, GeneratedTotal: 4, QueueCapacity: 64}
}

type fakeIssuer struct{ cache *fakeCache }

func (f fakeIssuer) Issue(_ context.Context, req host.Request) (host.Result, error) {
	e, ok := f.cache.Get(req.World, req.Type)
	if !ok {
		return host.Result{}, fmt.Errorf("%w: %s", host.ErrNotCached, req.Type)
	}
	return host.Result{
		Request:  req,
		Cached:   true,
		Artifact: issue.Artifact{ID: "a1", MapID: 1, Target: e.POI, View: &issue.View{CenterX: e.CenterX, CenterZ: e.CenterZ, Scale: req.Level}},
		Delivery: issue.Delivery{Recipient: req.Recipient, Slot: 0},
	}, nil
}

type staticWorlds []string

func (w staticWorlds) Worlds() ([]string, error) { return w, nil }

func newServer(t *testing.T, opts Options) (*Server, *fakeCache) {
	t.Helper()
	c := newFakeCache()
	opts.Cache = c
	opts.Issuer = fakeIssuer{cache: c}
	opts.Worlds = staticWorlds{"world", "nether"}
	return New(opts), c
}

func do(s *Server, method, path, body string, mod func(*http.Request)) *httptest.ResponseRecorder {
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	if mod != nil {
		mod(r)
	}
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, r)
	return rec
}

func TestReadEndpoints(t *testing.T) {
	s, _ := newServer(t, Options{})

	rec := do(s, http.MethodGet, "/v1/worlds", "", nil)
	var worlds []worldView
	if err := json.Unmarshal(rec.Body.Bytes(), &worlds); err != nil || len(worlds) != 2 {
		t.Fatalf("worlds=%s err=%v", rec.Body.String(), err)
	}
	if worlds[0].CachedTypes[0] != "VILLAGE" || len(worlds[1].CachedTypes) != 0 {
		t.Fatalf("worlds=%+v", worlds)
	}

	rec = do(s, http.MethodGet, "/v1/maps/world/village", "", nil)
	var m mapView
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("map code=%d body=%s", rec.Code, rec.Body.String())
	}
	if m.Center != [2]int32{90, 210} || m.Scale != mapcache.Scale || m.Target.Pos[2] != 200 {
		t.Fatalf("map=%+v", m)
	}

	rec = do(s, http.MethodGet, "/v1/maps/world", "", nil)
	var list []mapView
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil || len(list) != 1 {
		t.Fatalf("list=%s", rec.Body.String())
	}

	rec = do(s, http.MethodGet, "/v1/maps/world/temple", "", nil)
	var e protocol.ErrorMsg
	_ = json.Unmarshal(rec.Body.Bytes(), &e)
	if rec.Code != http.StatusNotFound || e.Code != protocol.ErrNotCached {
		t.Fatalf("miss code=%d body=%s", rec.Code, rec.Body.String())
	}

	rec = do(s, http.MethodGet, "/metrics", "", nil)
	if !strings.Contains(rec.Body.String(), `explorermaps_cache_jobs_total{outcome="generated"} 4`) {
		t.Fatalf("metrics=%s", rec.Body.String())
	}
}

func TestPreview(t *testing.T) {
	s, _ := newServer(t, Options{})
	rec := do(s, http.MethodGet, "/v1/maps/world/VILLAGE/preview.png?zoom=2", "", nil)
	if rec.Code != http.StatusOK || rec.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("code=%d ct=%s", rec.Code, rec.Header().Get("Content-Type"))
	}
	img, err := png.Decode(bytes.NewReader(rec.Body.Bytes()))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 256 || b.Dy() != 256 {
		t.Fatalf("bounds=%v", b)
	}
	want := palette.RGBA(palette.WaterLight)
	r, g, b, _ := img.At(1, 1).RGBA()
	if uint8(r>>8) != want.R || uint8(g>>8) != want.G || uint8(b>>8) != want.B {
		t.Fatalf("pixel=%v want %v", img.At(1, 1), want)
	}
}

func TestIssue_ValidatesAndLimits(t *testing.T) {
	s, _ := newServer(t, Options{IssueLimit: 2, IssueWindow: time.Minute})

	rec := do(s, http.MethodPost, "/v1/issue", `{"req_id":"r1","recipient":"alice","world":"world","structure_type":"village","scale":2}`, nil)
	var issued protocol.IssuedMsg
	if err := json.Unmarshal(rec.Body.Bytes(), &issued); err != nil || rec.Code != http.StatusOK {
		t.Fatalf("code=%d body=%s", rec.Code, rec.Body.String())
	}
	if issued.ReqID != "r1" || issued.Scale != 2 || rec.Header().Get("X-RateLimit-Limit") != "2" {
		t.Fatalf("issued=%+v", issued)
	}

	rec = do(s, http.MethodPost, "/v1/issue", `{"world":"world","scale":9}`, nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid body code=%d", rec.Code)
	}

	rec = do(s, http.MethodPost, "/v1/issue", `{"recipient":"alice","world":"world"}`, nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request code=%d body=%s", rec.Code, rec.Body.String())
	}

	// A different client has its own budget.
	rec = do(s, http.MethodPost, "/v1/issue", `{"recipient":"bob","world":"world","structure_type":"temple"}`, func(r *http.Request) {
		r.RemoteAddr = "198.51.100.7:4000"
	})
	if rec.Code != http.StatusNotFound {
		t.Fatalf("miss code=%d body=%s", rec.Code, rec.Body.String())
	}
}

func TestAdmin_LoopbackOrToken(t *testing.T) {
	auth := NewAdminAuth("s3cret")
	s, c := newServer(t, Options{Admin: auth})
	body := `{"world":"world","structure_type":"temple"}`

	if rec := do(s, http.MethodPost, "/admin/v1/regenerate", body, nil); rec.Code != http.StatusForbidden {
		t.Fatalf("remote without token code=%d", rec.Code)
	}

	rec := do(s, http.MethodPost, "/admin/v1/regenerate", body, func(r *http.Request) { r.RemoteAddr = "127.0.0.1:5555" })
	if rec.Code != http.StatusAccepted {
		t.Fatalf("loopback code=%d", rec.Code)
	}

	tok, err := auth.Token("ops", time.Hour)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	rec = do(s, http.MethodPost, "/admin/v1/initialize", "", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+tok) })
	if rec.Code != http.StatusAccepted || !strings.Contains(rec.Body.String(), `"scheduled":2`) {
		t.Fatalf("token code=%d body=%s", rec.Code, rec.Body.String())
	}

	other, _ := NewAdminAuth("different").Token("ops", time.Hour)
	rec = do(s, http.MethodPost, "/admin/v1/initialize", "", func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+other) })
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign token code=%d", rec.Code)
	}

	if len(c.regen) != 1 || c.regen[0] != mapcache.NewKey("world", "TEMPLE") {
		t.Fatalf("regen=%v", c.regen)
	}
}

func TestAdminAuth_Expired(t *testing.T) {
	a := NewAdminAuth("k")
	a.now = func() time.Time { return time.Unix(1000, 0) }
	tok, err := a.Token("ops", time.Minute)
	if err != nil {
		t.Fatalf("token: %v", err)
	}
	a.now = func() time.Time { return time.Unix(1000, 0).Add(2 * time.Minute) }
	if _, err := a.Verify(tok); err == nil {
		t.Fatalf("expected expired token rejected")
	}
}
