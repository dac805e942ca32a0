package monitor

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// upgrader is permissive on Origin: the monitor stream is a read-only
// observability surface meant for local tooling, not a trust boundary.
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamHandler serves the bus as a websocket feed: every event
// published to bus after the connection opens is written out as one
// JSON text message per event. This is the dashboard-facing sibling
// of monitor:get_events (which answers over the Unix socket instead).
func StreamHandler(bus *Bus, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			if logger != nil {
				logger.Warn("monitor websocket upgrade failed", "error", err)
			}
			return
		}
		defer conn.Close()

		events := bus.Subscribe(256)
		defer bus.Unsubscribe(events)

		conn.SetReadDeadline(time.Now().Add(time.Minute))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(time.Minute))
			return nil
		})
		go drainControlFrames(conn)

		ping := time.NewTicker(30 * time.Second)
		defer ping.Stop()

		for {
			select {
			case e, ok := <-events:
				if !ok {
					return
				}
				if err := conn.WriteJSON(e); err != nil {
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
					return
				}
			}
		}
	}
}

// drainControlFrames reads and discards client frames, which keeps
// gorilla's ping/pong and close handling alive; the monitor feed is
// write-only from the server's perspective.
func drainControlFrames(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
