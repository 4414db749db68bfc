// Package httpapi serves the REST surface: cache inspection, PNG previews,
// rate-limited handouts and the admin endpoints.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"explorermaps.dev/internal/host"
	"explorermaps.dev/internal/issue"
	"explorermaps.dev/internal/mapcache"
	"explorermaps.dev/internal/protocol"
)

// Cache is the coordinator surface the API reads and drives.
type Cache interface {
	Get(world, typ string) (*mapcache.Entry, bool)
	Keys() []mapcache.Key
	CachedTypes(world string) []string
	RegenerateAsync(world, typ string) bool
	InitializeAll() int
	Stats() mapcache.Stats
}

type Issuer interface {
	Issue(ctx context.Context, req host.Request) (host.Result, error)
}

type Worlds interface {
	Worlds() ([]string, error)
}

type Options struct {
	Cache  Cache
	Issuer Issuer
	Worlds Worlds
	Admin  *AdminAuth

	// WS and Feed are mounted at /v1/ws and /admin/v1/feed when set.
	WS   http.Handler
	Feed http.Handler

	IssueLimit     int
	IssueWindow    time.Duration
	IssueTimeout   time.Duration
	// TrustedProxies are IPs or CIDRs allowed to set X-Forwarded-For.
	TrustedProxies []string

	// Metrics appends extra exposition blocks to /metrics.
	Metrics []func(io.Writer)
	Logger  *log.Logger
}

type Server struct {
	cache    Cache
	issuer   Issuer
	worlds   Worlds
	admin    *AdminAuth
	timeout  time.Duration
	metrics  []func(io.Writer)
	log      *log.Logger
	validate *validator.Validate
	mux      *http.ServeMux
}

func New(opts Options) *Server {
	s := &Server{
		cache:    opts.Cache,
		issuer:   opts.Issuer,
		worlds:   opts.Worlds,
		admin:    opts.Admin,
		timeout:  opts.IssueTimeout,
		metrics:  opts.Metrics,
		log:      opts.Logger,
		validate: validator.New(),
		mux:      http.NewServeMux(),
	}
	if s.admin == nil {
		s.admin = NewAdminAuth("")
	}
	if s.timeout <= 0 {
		s.timeout = 30 * time.Second
	}
	limit, window := opts.IssueLimit, opts.IssueWindow
	if limit <= 0 {
		limit = 30
	}
	if window <= 0 {
		window = time.Minute
	}

	s.mux.HandleFunc("GET /healthz", func(rw http.ResponseWriter, r *http.Request) {
		rw.WriteHeader(http.StatusOK)
		_, _ = rw.Write([]byte("ok"))
	})
	s.mux.HandleFunc("GET /metrics", s.handleMetrics)
	s.mux.HandleFunc("GET /v1/worlds", s.handleWorlds)
	s.mux.HandleFunc("GET /v1/maps/{world}", s.handleMaps)
	s.mux.HandleFunc("GET /v1/maps/{world}/{type}", s.handleMap)
	s.mux.HandleFunc("GET /v1/maps/{world}/{type}/preview.png", s.handlePreview)
	s.mux.Handle("POST /v1/issue", rateLimit(limit, window, parseTrustedProxies(opts.TrustedProxies, s.log), s.log)(http.HandlerFunc(s.handleIssue)))
	s.mux.Handle("POST /admin/v1/regenerate", s.requireAdmin(http.HandlerFunc(s.handleRegenerate)))
	s.mux.Handle("POST /admin/v1/initialize", s.requireAdmin(http.HandlerFunc(s.handleInitialize)))
	if opts.WS != nil {
		s.mux.Handle("/v1/ws", opts.WS)
	}
	if opts.Feed != nil {
		s.mux.Handle("/admin/v1/feed", s.requireAdmin(opts.Feed))
	}
	return s
}

func (s *Server) ServeHTTP(rw http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(rw, r) }

func (s *Server) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if !s.admin.Authorize(r) {
			writeError(rw, http.StatusForbidden, "", protocol.ErrNoPermission, "forbidden")
			return
		}
		next.ServeHTTP(rw, r)
	})
}

type worldView struct {
	WorldID     string   `json:"world_id"`
	CachedTypes []string `json:"cached_types"`
}

func (s *Server) handleWorlds(rw http.ResponseWriter, r *http.Request) {
	var names []string
	if s.worlds != nil {
		var err error
		if names, err = s.worlds.Worlds(); err != nil {
			writeError(rw, http.StatusInternalServerError, "", protocol.ErrInternal, err.Error())
			return
		}
	}
	out := make([]worldView, 0, len(names))
	for _, w := range names {
		types := s.cache.CachedTypes(w)
		if types == nil {
			types = []string{}
		}
		out = append(out, worldView{WorldID: w, CachedTypes: types})
	}
	writeJSON(rw, http.StatusOK, out)
}

type mapView struct {
	World         string          `json:"world"`
	StructureType string          `json:"structure_type"`
	Target        protocol.Target `json:"target"`
	Center        [2]int32        `json:"center"`
	Scale         int             `json:"scale"`
	PreviewURL    string          `json:"preview_url"`
}

func viewOf(e *mapcache.Entry) mapView {
	p := e.POI
	return mapView{
		World:         p.World,
		StructureType: p.Type,
		Target:        protocol.Target{World: p.World, StructureType: p.Type, Schematic: p.Schematic, Pos: [3]int32{p.X, p.Y, p.Z}},
		Center:        [2]int32{e.CenterX, e.CenterZ},
		Scale:         mapcache.Scale,
		PreviewURL:    "/v1/maps/" + p.World + "/" + p.Type + "/preview.png",
	}
}

func (s *Server) handleMaps(rw http.ResponseWriter, r *http.Request) {
	world := r.PathValue("world")
	out := []mapView{}
	for _, k := range s.cache.Keys() {
		if k.World != world {
			continue
		}
		if e, ok := s.cache.Get(k.World, k.Type); ok {
			out = append(out, viewOf(e))
		}
	}
	writeJSON(rw, http.StatusOK, out)
}

func (s *Server) lookup(rw http.ResponseWriter, r *http.Request) (*mapcache.Entry, bool) {
	world, typ := r.PathValue("world"), r.PathValue("type")
	e, ok := s.cache.Get(world, typ)
	if !ok {
		writeError(rw, http.StatusNotFound, "", protocol.ErrNotCached, "no cached map for "+world+"/"+typ)
	}
	return e, ok
}

func (s *Server) handleMap(rw http.ResponseWriter, r *http.Request) {
	if e, ok := s.lookup(rw, r); ok {
		writeJSON(rw, http.StatusOK, viewOf(e))
	}
}

func (s *Server) handlePreview(rw http.ResponseWriter, r *http.Request) {
	e, ok := s.lookup(rw, r)
	if !ok {
		return
	}
	zoom := 1
	if z := r.URL.Query().Get("zoom"); z != "" {
		n, err := strconv.Atoi(z)
		if err != nil {
			writeError(rw, http.StatusBadRequest, "", protocol.ErrBadRequest, "bad zoom")
			return
		}
		zoom = n
	}
	rw.Header().Set("Content-Type", "image/png")
	rw.Header().Set("Cache-Control", "no-cache")
	if err := writePreview(rw, e.Terrain, zoom); err != nil && s.log != nil {
		s.log.Printf("warn: preview encode world=%s type=%s err=%v", e.POI.World, e.POI.Type, err)
	}
}

type issueBody struct {
	ReqID         string `json:"req_id" validate:"max=64"`
	Recipient     string `json:"recipient" validate:"required,max=64"`
	World         string `json:"world" validate:"required,max=128"`
	StructureType string `json:"structure_type" validate:"max=128"`
	Fresh         bool   `json:"fresh"`
	Scale         *int   `json:"scale" validate:"omitempty,min=0,max=4"`
}

func (s *Server) handleIssue(rw http.ResponseWriter, r *http.Request) {
	var body issueBody
	dec := json.NewDecoder(io.LimitReader(r.Body, 64*1024))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&body); err != nil {
		writeError(rw, http.StatusBadRequest, "", protocol.ErrBadRequest, "bad json: "+err.Error())
		return
	}
	if err := s.validate.Struct(body); err != nil {
		writeError(rw, http.StatusBadRequest, body.ReqID, protocol.ErrBadRequest, err.Error())
		return
	}
	req := host.Request{
		Recipient: strings.TrimSpace(body.Recipient),
		World:     body.World,
		Type:      strings.TrimSpace(body.StructureType),
		Fresh:     body.Fresh,
		Level:     issue.Far,
	}
	if body.Scale != nil {
		req.Level = issue.ScaleLevel(*body.Scale)
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.timeout)
	defer cancel()
	res, err := s.issuer.Issue(ctx, req)
	if err != nil {
		code := host.ErrorCode(err)
		if errors.Is(err, context.DeadlineExceeded) {
			code = protocol.ErrBusy
		}
		writeError(rw, statusFor(code), body.ReqID, code, err.Error())
		return
	}
	writeJSON(rw, http.StatusOK, host.IssuedMessage(body.ReqID, res))
}

type keyBody struct {
	World         string `json:"world" validate:"required"`
	StructureType string `json:"structure_type" validate:"required"`
}

func (s *Server) handleRegenerate(rw http.ResponseWriter, r *http.Request) {
	var body keyBody
	if err := json.NewDecoder(io.LimitReader(r.Body, 16*1024)).Decode(&body); err != nil {
		writeError(rw, http.StatusBadRequest, "", protocol.ErrBadRequest, "bad json: "+err.Error())
		return
	}
	if err := s.validate.Struct(body); err != nil {
		writeError(rw, http.StatusBadRequest, "", protocol.ErrBadRequest, err.Error())
		return
	}
	ok := s.cache.RegenerateAsync(body.World, body.StructureType)
	writeJSON(rw, http.StatusAccepted, map[string]any{"scheduled": ok})
}

func (s *Server) handleInitialize(rw http.ResponseWriter, r *http.Request) {
	n := s.cache.InitializeAll()
	writeJSON(rw, http.StatusAccepted, map[string]any{"scheduled": n})
}

func statusFor(code string) int {
	switch code {
	case protocol.ErrNotCached, protocol.ErrNoTarget, protocol.ErrWorldNotFound:
		return http.StatusNotFound
	case protocol.ErrBadRequest, protocol.ErrProtoBadRequest:
		return http.StatusBadRequest
	case protocol.ErrBusy:
		return http.StatusServiceUnavailable
	case protocol.ErrRateLimit:
		return http.StatusTooManyRequests
	case protocol.ErrNoPermission:
		return http.StatusForbidden
	}
	return http.StatusInternalServerError
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(v)
}

func writeError(rw http.ResponseWriter, status int, reqID, code, msg string) {
	writeJSON(rw, status, protocol.NewError(reqID, code, msg))
}
