// Package observer streams coordinator events to WebSocket subscribers.
// The server is a mapcache.EventSink; a short backlog lets reconnecting
// clients catch up from their last cursor.
package observer

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"explorermaps.dev/internal/mapcache"
	"explorermaps.dev/internal/protocol"
)

const DefaultBacklog = 1024

type Options struct {
	Backlog int
	// Authorize gates the upgrade; nil accepts everyone.
	Authorize func(r *http.Request) bool
	Logger    *log.Logger
}

type subscriber struct {
	worlds map[string]struct{}
	out    chan []byte
}

func (s *subscriber) wants(world string) bool {
	if len(s.worlds) == 0 {
		return true
	}
	_, ok := s.worlds[world]
	return ok
}

type Stats struct {
	Subscribers int
	Cursor      uint64
	Dropped     uint64
}

type Server struct {
	authorize func(r *http.Request) bool
	log       *log.Logger
	upgrader  websocket.Upgrader
	nextID    atomic.Uint64
	dropped   atomic.Uint64

	mu      sync.Mutex
	cursor  uint64
	backlog []protocol.EventBatchItem
	size    int
	subs    map[string]*subscriber
}

func NewServer(opts Options) *Server {
	size := opts.Backlog
	if size <= 0 {
		size = DefaultBacklog
	}
	return &Server{
		authorize: opts.Authorize,
		log:       opts.Logger,
		size:      size,
		subs:      map[string]*subscriber{},
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
}

// CacheEvent implements mapcache.EventSink. It never blocks: slow
// subscribers lose events.
func (s *Server) CacheEvent(ev mapcache.Event) {
	wire := WireEvent(ev)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursor++
	item := protocol.EventBatchItem{Cursor: s.cursor, Event: wire}
	s.backlog = append(s.backlog, item)
	if len(s.backlog) > s.size {
		s.backlog = s.backlog[len(s.backlog)-s.size:]
	}
	if len(s.subs) == 0 {
		return
	}
	b, err := json.Marshal(protocol.EventMsg{Type: protocol.TypeEvent, ProtocolVersion: protocol.Version, Cursor: item.Cursor, Event: wire})
	if err != nil {
		return
	}
	for _, sub := range s.subs {
		if !sub.wants(wire.World) {
			continue
		}
		select {
		case sub.out <- b:
		default:
			s.dropped.Add(1)
		}
	}
}

// WireEvent converts a coordinator event to its protocol form.
func WireEvent(ev mapcache.Event) protocol.CacheEvent {
	w := protocol.CacheEvent{
		Kind:          ev.Kind,
		JobID:         ev.JobID,
		World:         ev.Key.World,
		StructureType: ev.Key.Type,
		Probes:        ev.Probes,
		ProbeErrors:   ev.ProbeErrors,
		DurationMS:    ev.Duration.Milliseconds(),
		At:            ev.At.UTC().Format(time.RFC3339Nano),
	}
	if ev.POI.World != "" {
		t := [3]int32{ev.POI.X, ev.POI.Y, ev.POI.Z}
		c := [2]int32{ev.CenterX, ev.CenterZ}
		w.Target, w.Center = &t, &c
	}
	w.Error = ev.Err
	return w
}

func (s *Server) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{Subscribers: len(s.subs), Cursor: s.cursor, Dropped: s.dropped.Load()}
}

// subscribe registers sub and returns the buffered events after since that
// match its filter. Registration and replay share the lock so no event is
// both replayed and streamed, or neither.
func (s *Server) subscribe(id string, sub *subscriber, since uint64) []protocol.EventBatchItem {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs[id] = sub
	if since == 0 {
		return nil
	}
	var out []protocol.EventBatchItem
	for _, it := range s.backlog {
		if it.Cursor > since && sub.wants(it.Event.World) {
			out = append(out, it)
		}
	}
	return out
}

func (s *Server) setFilter(id string, worlds map[string]struct{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.subs[id]; ok {
		sub.worlds = worlds
	}
}

func (s *Server) unsubscribe(id string) {
	s.mu.Lock()
	delete(s.subs, id)
	s.mu.Unlock()
}

func (s *Server) currentCursor() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursor
}

func (s *Server) WSHandler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		if s.authorize != nil && !s.authorize(r) {
			http.Error(rw, "forbidden", http.StatusForbidden)
			return
		}

		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		// Handshake: must send SUBSCRIBE first.
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		sub, ok := decodeSubscribe(msg)
		if !ok {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected SUBSCRIBE"), time.Now().Add(time.Second))
			return
		}

		sid := fmt.Sprintf("O%d", s.nextID.Add(1))
		out := make(chan []byte, 256)
		replay := s.subscribe(sid, &subscriber{worlds: worldSet(sub.Worlds), out: out}, sub.SinceCursor)
		defer s.unsubscribe(sid)

		if sub.SinceCursor > 0 {
			next := s.currentCursor()
			if n := len(replay); n > 0 {
				next = replay[n-1].Cursor
			}
			batch := protocol.EventBatchMsg{
				Type:            protocol.TypeEventBatch,
				ProtocolVersion: protocol.Version,
				Events:          replay,
				NextCursor:      next,
			}
			if batch.Events == nil {
				batch.Events = []protocol.EventBatchItem{}
			}
			b, _ := json.Marshal(batch)
			_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
				return
			}
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		writeErr := make(chan error, 1)
		go func() {
			for {
				select {
				case <-ctx.Done():
					writeErr <- ctx.Err()
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						writeErr <- err
						return
					}
				}
			}
		}()

		// Reader loop: allow SUBSCRIBE updates to the world filter.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				break
			}
			if upd, ok := decodeSubscribe(msg); ok {
				s.setFilter(sid, worldSet(upd.Worlds))
			}
		}

		cancel()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"), time.Now().Add(time.Second))

		// Best-effort wait for the writer to stop so it doesn't outlive conn.
		select {
		case <-writeErr:
		case <-time.After(500 * time.Millisecond):
		}
	}
}

func decodeSubscribe(msg []byte) (protocol.SubscribeMsg, bool) {
	var sub protocol.SubscribeMsg
	if err := json.Unmarshal(msg, &sub); err != nil {
		return sub, false
	}
	return sub, sub.Type == protocol.TypeSubscribe && sub.ProtocolVersion == protocol.Version
}

func worldSet(worlds []string) map[string]struct{} {
	if len(worlds) == 0 {
		return nil
	}
	m := make(map[string]struct{}, len(worlds))
	for _, w := range worlds {
		m[w] = struct{}{}
	}
	return m
}
