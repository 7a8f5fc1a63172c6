package ws

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		// The API carries no credentials on this endpoint; cross-origin
		// subscribers are fine.
		return true
	},
}

const (
	writeTimeout = 10 * time.Second
	pingPeriod   = 30 * time.Second
	pongWait     = 60 * time.Second
)

type helloFrame struct {
	Type         string `json:"type"`
	SubscribedTo string `json:"subscribed_to"`
}

func closeCode(reason CloseReason) int {
	switch reason {
	case ReasonServerShutdown:
		return websocket.CloseGoingAway
	case ReasonSlowConsumer:
		return websocket.ClosePolicyViolation
	default:
		return websocket.CloseNormalClosure
	}
}

// Handler upgrades GET /ws/progress connections and pumps hub events to the
// client. The optional job_id query parameter narrows the stream to one job.
func (h *Hub) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			slog.Warn("websocket upgrade failed", slog.Any("error", err))
			return
		}
		jobID := r.URL.Query().Get("job_id")
		sub := h.Subscribe(jobID)

		subscribedTo := jobID
		if subscribedTo == "" {
			subscribedTo = "all"
		}
		hello, _ := json.Marshal(helloFrame{Type: "hello", SubscribedTo: subscribedTo})
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
			sub.Close()
			_ = conn.Close()
			return
		}

		// Reader: detect client-side close and keep pong deadlines fresh.
		go func() {
			defer sub.Close()
			_ = conn.SetReadDeadline(time.Now().Add(pongWait))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(pongWait))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		go h.writePump(conn, sub)
	}
}

func (h *Hub) writePump(conn *websocket.Conn, sub *Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = conn.Close()
	}()
	for {
		select {
		case ev := <-sub.Events():
			if !h.writeEvent(conn, ev) {
				sub.Close()
				return
			}
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sub.Close()
				return
			}
		case <-sub.Done():
			// Flush whatever is still buffered before the close frame.
			for {
				select {
				case ev := <-sub.Events():
					if !h.writeEvent(conn, ev) {
						return
					}
					continue
				default:
				}
				break
			}
			msg := websocket.FormatCloseMessage(closeCode(sub.Reason()), string(sub.Reason()))
			_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			_ = conn.WriteMessage(websocket.CloseMessage, msg)
			return
		}
	}
}

func (h *Hub) writeEvent(conn *websocket.Conn, ev any) bool {
	b, err := json.Marshal(ev)
	if err != nil {
		slog.Error("event marshal failed", slog.Any("error", err))
		return true
	}
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteMessage(websocket.TextMessage, b) == nil
}
