package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/gorilla/websocket"

	"explorermaps.dev/internal/protocol"
)

// bot is a small ws client that repeatedly asks for explorer maps. Useful as
// a smoke test against a running server.
func main() {
	var (
		url       = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		recipient = flag.String("recipient", "bot", "recipient id")
		token     = flag.String("token", "", "optional auth token sent in HELLO")
		every     = flag.Duration("every", 5*time.Second, "delay between ISSUE requests")
		count     = flag.Int("count", 0, "stop after this many ISSUED/ERROR replies (0 = forever)")
		fresh     = flag.Bool("fresh", false, "request fresh renders instead of cached maps")
		scale     = flag.Int("scale", 2, "scale for fresh renders (0..4)")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, http.Header{})
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		Recipient:       *recipient,
	}
	if *token != "" {
		hello.Auth = &protocol.HelloAuth{Token: *token}
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)
	go func() {
		<-stop
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"))
		_ = conn.Close()
	}()

	r := rand.New(rand.NewSource(time.Now().UnixNano()))
	var worlds []protocol.WorldRef
	seq, replies := 0, 0

	send := func() {
		if len(worlds) == 0 {
			return
		}
		w := worlds[r.Intn(len(worlds))]
		seq++
		msg := protocol.IssueMsg{
			Type:            protocol.TypeIssue,
			ProtocolVersion: protocol.Version,
			ReqID:           fmt.Sprintf("bot_%d", seq),
			World:           w.WorldID,
			Fresh:           *fresh,
		}
		if len(w.CachedTypes) > 0 {
			msg.StructureType = w.CachedTypes[r.Intn(len(w.CachedTypes))]
		}
		if *fresh {
			msg.Scale = scale
		}
		if err := conn.WriteJSON(msg); err != nil {
			logger.Printf("send ISSUE: %v", err)
		}
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}
		base, err := protocol.DecodeBase(msg)
		if err != nil {
			continue
		}
		switch base.Type {
		case protocol.TypeWelcome:
			var w protocol.WelcomeMsg
			if err := json.Unmarshal(msg, &w); err != nil {
				continue
			}
			worlds = w.Worlds
			logger.Printf("WELCOME session=%s worlds=%d", w.SessionID, len(w.Worlds))
			send()

		case protocol.TypeIssued:
			var is protocol.IssuedMsg
			if err := json.Unmarshal(msg, &is); err != nil {
				continue
			}
			replies++
			logger.Printf("ISSUED req=%s map=%d %s target=%v slot=%d dropped=%t cached=%t",
				is.ReqID, is.MapID, is.DisplayName, is.Target.Pos, is.Delivery.Slot, is.Delivery.Dropped, is.Cached)

		case protocol.TypeError:
			var e protocol.ErrorMsg
			if err := json.Unmarshal(msg, &e); err != nil {
				continue
			}
			replies++
			logger.Printf("ERROR req=%s code=%s msg=%s", e.ReqID, e.Code, e.Message)

		default:
			continue
		}

		if base.Type != protocol.TypeWelcome {
			if *count > 0 && replies >= *count {
				return
			}
			time.Sleep(*every)
			send()
		}
	}
}
