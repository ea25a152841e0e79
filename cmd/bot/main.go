package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"

	"github.com/gorilla/websocket"

	"dicehall.gg/internal/protocol"
)

// A scripted client: joins the table, posts one roll, and reacts to its own
// roll with the actions the server offers. Useful for smoke-testing a running
// server by hand.
func main() {
	var (
		url     = flag.String("url", "ws://localhost:8080/v1/ws", "ws url")
		name    = flag.String("name", "bot", "user name")
		gmKey   = flag.String("gm_key", "", "GM key (optional)")
		formula = flag.String("formula", "3d6", "roll formula")
		flavor  = flag.String("flavor", "#attack swing", "roll flavor text")
	)
	flag.Parse()

	logger := log.New(os.Stdout, "[bot] ", log.LstdFlags|log.Lmicroseconds)
	conn, _, err := websocket.DefaultDialer.Dial(*url, nil)
	if err != nil {
		logger.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := protocol.HelloMsg{
		Type:            protocol.TypeHello,
		ProtocolVersion: protocol.Version,
		UserName:        *name,
		GMKey:           *gmKey,
	}
	if err := conn.WriteJSON(hello); err != nil {
		logger.Fatalf("send HELLO: %v", err)
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt)

	seq := 0
	nextID := func(prefix string) string {
		seq++
		return fmt.Sprintf("%s_%d", prefix, seq)
	}

	var myMsgID string
	for {
		select {
		case <-stop:
			return
		default:
		}

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
			logger.Printf("WELCOME user_id=%s table=%s gm=%v keywords=%v", w.UserID, w.TableID, w.GM, w.Keywords)
			post := protocol.PostRollMsg{
				Type:            protocol.TypePostRoll,
				ProtocolVersion: protocol.Version,
				ID:              nextID("post"),
				Formula:         *formula,
				Flavor:          *flavor,
			}
			_ = conn.WriteJSON(post)

		default:
			var ev protocol.Event
			if err := json.Unmarshal(msg, &ev); err != nil {
				continue
			}
			switch ev["type"] {
			case "ACTION_RESULT":
				logger.Printf("result ok=%v code=%v msg=%v", ev["ok"], ev["code"], ev["msg"])
				if ev["ok"] == true && myMsgID == "" {
					if id, _ := ev["msg"].(string); id != "" {
						myMsgID = id
					}
				}
			case "MESSAGE_CREATED", "MESSAGE_UPDATED":
				content, _ := ev["content"].(string)
				logger.Printf("%s %v:\n%s", ev["type"], ev["msg_id"], content)
				if ev["msg_id"] != myMsgID {
					continue
				}
				// Follow whatever the markup offers, one step per update.
				for _, action := range []string{protocol.ActionBuff, protocol.ActionConfirm, protocol.ActionBurn} {
					if !offersAction(content, action) {
						continue
					}
					act := protocol.RollActionMsg{
						Type:            protocol.TypeRollAction,
						ProtocolVersion: protocol.Version,
						ID:              nextID("act"),
						MsgID:           myMsgID,
						Action:          action,
					}
					_ = conn.WriteJSON(act)
					break
				}
			case "RESOURCE":
				logger.Printf("resource %v = %v", ev["pool"], ev["value"])
			case "MESSAGE_DELETED":
				logger.Printf("deleted %v", ev["msg_id"])
			}
		}
	}
}

func offersAction(content, action string) bool {
	return strings.Contains(content, fmt.Sprintf("data-action=%q", action))
}
