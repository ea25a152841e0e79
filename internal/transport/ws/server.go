package ws

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"dicehall.gg/internal/protocol"
	"dicehall.gg/internal/table"
)

type Server struct {
	table *table.Table
	log   *log.Logger

	upgrader websocket.Upgrader
}

func NewServer(t *table.Table, logger *log.Logger) *Server {
	s := &Server{
		table: t,
		log:   logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(r *http.Request) bool { return true }, // dev default
		},
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

		userID, out := s.handshake(conn)
		if userID == "" {
			return
		}
		// The table has admitted this user; the leave must happen even when
		// the welcome or replay write failed and no loops ever start.
		defer func() { s.table.Leave() <- userID }()
		if out == nil {
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		// Writer goroutine.
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case b, ok := <-out:
					if !ok {
						return
					}
					_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
					if err := conn.WriteMessage(websocket.TextMessage, b); err != nil {
						cancel()
						return
					}
				}
			}
		}()

		// Reader loop.
		for {
			_ = conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			_, msg, err := conn.ReadMessage()
			if err != nil {
				cancel()
				break
			}
			cmd, ok := decodeCommand(msg)
			if !ok {
				continue
			}
			s.table.Inbox() <- table.Command{ClientID: userID, Msg: cmd}
		}
	}
}

// decodeCommand turns a raw client frame into a typed table command. Frames
// with an unknown type or the wrong protocol version are dropped silently.
func decodeCommand(msg []byte) (any, bool) {
	base, err := protocol.DecodeBase(msg)
	if err != nil {
		return nil, false
	}
	switch base.Type {
	case protocol.TypePostRoll:
		var m protocol.PostRollMsg
		if json.Unmarshal(msg, &m) != nil || m.ProtocolVersion != protocol.Version {
			return nil, false
		}
		return m, true
	case protocol.TypeRollAction:
		var m protocol.RollActionMsg
		if json.Unmarshal(msg, &m) != nil || m.ProtocolVersion != protocol.Version {
			return nil, false
		}
		return m, true
	case protocol.TypeDeleteMsg:
		var m protocol.DeleteMsg
		if json.Unmarshal(msg, &m) != nil || m.ProtocolVersion != protocol.Version {
			return nil, false
		}
		return m, true
	default:
		return nil, false
	}
}

func (s *Server) handshake(conn *websocket.Conn) (userID string, out chan []byte) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		return "", nil
	}

	base, err := protocol.DecodeBase(msg)
	if err != nil || base.Type != protocol.TypeHello {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "expected HELLO"), time.Now().Add(time.Second))
		return "", nil
	}

	var hello protocol.HelloMsg
	if err := json.Unmarshal(msg, &hello); err != nil {
		return "", nil
	}
	if hello.ProtocolVersion != protocol.Version {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "bad protocol_version"), time.Now().Add(time.Second))
		return "", nil
	}
	if hello.UserName == "" {
		hello.UserName = "player"
	}

	out = make(chan []byte, 32)

	respCh := make(chan table.JoinResponse, 1)
	s.table.Join() <- table.JoinRequest{
		Name:  hello.UserName,
		GMKey: hello.GMKey,
		Out:   out,
		Resp:  respCh,
	}
	resp := <-respCh

	// Send welcome + transcript replay immediately. From here on the user is
	// registered with the table, so failures return the id with a nil out
	// channel and the caller issues the leave.
	if err := writeJSON(conn, resp.Welcome); err != nil {
		return resp.Welcome.UserID, nil
	}
	for _, ev := range resp.Replay {
		if err := writeJSON(conn, ev); err != nil {
			return resp.Welcome.UserID, nil
		}
	}

	return resp.Welcome.UserID, out
}

func writeJSON(conn *websocket.Conn, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return conn.WriteMessage(websocket.TextMessage, b)
}
