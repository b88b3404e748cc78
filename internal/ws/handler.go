package ws

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"brushmic/internal/monitor"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
)

const (
	writeTimeout = 5 * time.Second
	sendBuffer   = 32
)

// TypeMute is the only inbound command: mute detection for DurationMs.
const TypeMute = "mute"

// Command is an inbound client message.
type Command struct {
	Type       string `json:"type"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

// Handler streams monitor telemetry to websocket clients.
type Handler struct {
	mon      *monitor.Monitor
	upgrader websocket.Upgrader
}

// NewHandler creates a websocket handler bound to mon.
func NewHandler(mon *monitor.Monitor) *Handler {
	return &Handler{
		mon: mon,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(_ *http.Request) bool { return true },
		},
	}
}

// Register binds websocket routes on an Echo router.
func (h *Handler) Register(e *echo.Echo) {
	e.GET("/ws", h.HandleWebSocket)
}

// HandleWebSocket upgrades one request and serves it until disconnect.
func (h *Handler) HandleWebSocket(c echo.Context) error {
	conn, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return fmt.Errorf("upgrade websocket: %w", err)
	}
	h.serveConn(conn)
	return nil
}

func (h *Handler) serveConn(conn *websocket.Conn) {
	defer conn.Close()
	conn.SetReadLimit(4096)

	updates, cancel := h.mon.Subscribe(sendBuffer)
	defer cancel()

	remote := conn.RemoteAddr().String()
	slog.Debug("telemetry client connected", "remote", remote)
	defer slog.Debug("telemetry client disconnected", "remote", remote)

	// The reader owns inbound commands and notices when the peer goes away.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			var cmd Command
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			h.handleCommand(cmd)
		}
	}()

	if err := write(conn, h.mon.Snapshot()); err != nil {
		return
	}
	for {
		select {
		case <-done:
			return
		case t, ok := <-updates:
			if !ok {
				return
			}
			if err := write(conn, t); err != nil {
				return
			}
		}
	}
}

func (h *Handler) handleCommand(cmd Command) {
	switch cmd.Type {
	case TypeMute:
		until := h.mon.Mute(time.Duration(cmd.DurationMs) * time.Millisecond)
		slog.Info("detection muted", "until", until, "source", "ws")
	default:
		slog.Debug("ignoring websocket command", "type", cmd.Type)
	}
}

func write(conn *websocket.Conn, t monitor.Telemetry) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return conn.WriteJSON(t)
}
