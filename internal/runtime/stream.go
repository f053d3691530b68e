package runtime

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-rooms/internal/session"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// spectrumFrame is one analyser snapshot for browser visualizers. Bins are
// scaled to 0..255; with ?scale=db the raw decibels are sent instead.
type spectrumFrame struct {
	Playing  bool      `json:"playing"`
	Bins     []int     `json:"bins,omitempty"`
	Decibels []float64 `json:"db,omitempty"`
}

// handleEvents streams room events as JSON text frames until the client
// goes away.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	room := r.PathValue("room")
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	events, cancel := s.deps.Hub.Subscribe(room)
	defer cancel()
	closed := readUntilClose(conn)

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-closed:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event stream closed", slog.String("room", room), slogError(err))
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

// handleSpectrum pushes analyser frames at the configured frame rate for the
// local session in room.
func (s *Server) handleSpectrum(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.deps.Rooms.Get(r.PathValue("room"))
	if !ok {
		s.writeRoomError(w, session.ErrNoSession)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()
	closed := readUntilClose(conn)

	fps := s.deps.Config.Visualizer.FramesPerSecond
	if fps <= 0 {
		fps = 30
	}
	ticker := time.NewTicker(time.Second / time.Duration(fps))
	defer ticker.Stop()

	decibels := r.URL.Query().Get("scale") == "db"
	// JSON has no -Inf, so silent bins report the configured floor
	floor := s.deps.Config.Visualizer.MinDecibels

	var raw []byte
	var db []float64
	frame := spectrumFrame{}
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			if !sess.Connected() {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "session ended"),
					time.Now().Add(writeWait))
				return
			}
			frame.Playing = sess.Playing()
			if decibels {
				db = sess.Analyser().FloatFrequencyData(db)
				frame.Decibels = frame.Decibels[:0]
				for _, v := range db {
					frame.Decibels = append(frame.Decibels, max(v, floor))
				}
			} else {
				raw = sess.Analyser().ByteFrequencyData(raw)
				frame.Bins = frame.Bins[:0]
				for _, v := range raw {
					frame.Bins = append(frame.Bins, int(v))
				}
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(frame); err != nil {
				return
			}
		}
	}
}

// readUntilClose drains client frames so control messages are processed and
// reports when the peer disconnects.
func readUntilClose(conn *websocket.Conn) <-chan struct{} {
	done := make(chan struct{})
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
	return done
}
