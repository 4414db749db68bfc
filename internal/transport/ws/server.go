// Package ws serves map handouts over a WebSocket: HELLO names the
// recipient, then each ISSUE is answered with ISSUED or ERROR.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"explorermaps.dev/internal/host"
	"explorermaps.dev/internal/issue"
	"explorermaps.dev/internal/protocol"
)

// Issuer is satisfied by *host.Loop.
type Issuer interface {
	Issue(ctx context.Context, req host.Request) (host.Result, error)
}

type Catalog interface {
	Worlds() ([]string, error)
	CachedTypes(world string) []string
}

type Options struct {
	Issuer  Issuer
	Catalog Catalog
	// Authorize checks the HELLO token; nil accepts everyone.
	Authorize func(recipient, token string) bool
	// MaxInFlight bounds concurrent ISSUE requests per connection.
	MaxInFlight  int
	IssueTimeout time.Duration
	Logger       *log.Logger
}

type Server struct {
	issuer    Issuer
	catalog   Catalog
	authorize func(recipient, token string) bool
	maxFlight int
	timeout   time.Duration
	log       *log.Logger

	upgrader websocket.Upgrader
	nextID   atomic.Uint64
}

func NewServer(opts Options) *Server {
	s := &Server{
		issuer:    opts.Issuer,
		catalog:   opts.Catalog,
		authorize: opts.Authorize,
		maxFlight: opts.MaxInFlight,
		timeout:   opts.IssueTimeout,
		log:       opts.Logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
	}
	if s.maxFlight <= 0 {
		s.maxFlight = 4
	}
	if s.timeout <= 0 {
		s.timeout = 30 * time.Second
	}
	return s
}

func (s *Server) Handler() http.HandlerFunc {
	return func(rw http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(rw, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		recipient := s.handshake(conn)
		if recipient == "" {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		out := make(chan []byte, s.maxFlight+4)
		sem := make(chan struct{}, s.maxFlight)

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b := <-out:
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		send := func(v any) {
			b, err := json.Marshal(v)
			if err != nil {
				return
			}
			select {
			case out <- b:
			case <-ctx.Done():
			}
		}

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			base, err := protocol.DecodeBase(msg)
			if err != nil || base.Type != protocol.TypeIssue {
				send(protocol.NewError(base.ReqID, protocol.ErrProtoBadRequest, "expected ISSUE"))
				continue
			}
			req, reqID, err := decodeIssue(msg, recipient)
			if err != nil {
				send(protocol.NewError(reqID, protocol.ErrBadRequest, err.Error()))
				continue
			}
			select {
			case sem <- struct{}{}:
			default:
				send(protocol.NewError(reqID, protocol.ErrBusy, "too many requests in flight"))
				continue
			}
			go func() {
				defer func() { <-sem }()
				ictx, icancel := context.WithTimeout(ctx, s.timeout)
				defer icancel()
				res, err := s.issuer.Issue(ictx, req)
				if err != nil {
					send(protocol.NewError(reqID, host.ErrorCode(err), err.Error()))
					return
				}
				send(host.IssuedMessage(reqID, res))
			}()
		}
	}
}

func decodeIssue(msg []byte, recipient string) (host.Request, string, error) {
	var m protocol.IssueMsg
	if err := json.Unmarshal(msg, &m); err != nil {
		return host.Request{}, "", fmt.Errorf("bad ISSUE: %v", err)
	}
	if m.ProtocolVersion != protocol.Version {
		return host.Request{}, m.ReqID, fmt.Errorf("bad protocol_version")
	}
	if strings.TrimSpace(m.World) == "" {
		return host.Request{}, m.ReqID, fmt.Errorf("missing world")
	}
	req := host.Request{Recipient: recipient, World: m.World, Type: strings.TrimSpace(m.StructureType), Fresh: m.Fresh, Level: issue.Far}
	if m.Scale != nil {
		l, err := issue.ParseScaleLevel(*m.Scale)
		if err != nil {
			return host.Request{}, m.ReqID, err
		}
		req.Level = l
	}
	return req, m.ReqID, nil
}

func (s *Server) handshake(conn *websocket.Conn) string {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return ""
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		closePolicy(conn, "expected HELLO")
		return ""
	}
	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return ""
	}
	if hello.ProtocolVersion != protocol.Version {
		closePolicy(conn, "bad protocol_version")
		return ""
	}
	recipient := strings.TrimSpace(hello.Recipient)
	if recipient == "" {
		closePolicy(conn, "missing recipient")
		return ""
	}
	if s.authorize != nil {
		token := ""
		if hello.Auth != nil {
			token = strings.TrimSpace(hello.Auth.Token)
		}
		if !s.authorize(recipient, token) {
			closePolicy(conn, "unauthorized")
			return ""
		}
	}

	welcome := protocol.WelcomeMsg{
		Type:            protocol.TypeWelcome,
		ProtocolVersion: protocol.Version,
		SessionID:       fmt.Sprintf("S%d", s.nextID.Add(1)),
		Recipient:       recipient,
		Worlds:          []protocol.WorldRef{},
	}
	if s.catalog != nil {
		worlds, err := s.catalog.Worlds()
		if err != nil && s.log != nil {
			s.log.Printf("warn: list worlds err=%v", err)
		}
		for _, w := range worlds {
			welcome.Worlds = append(welcome.Worlds, protocol.WorldRef{WorldID: w, CachedTypes: s.catalog.CachedTypes(w)})
		}
	}
	if err := writeJSON(conn, welcome); err != nil {
		return ""
	}
	return recipient
}

func closePolicy(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason), time.Now().Add(time.Second))
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
