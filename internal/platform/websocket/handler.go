package websocket

import (
	"encoding/json"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ibms/internal/platform/auth"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
)

// HandlerConfig tunes WebSocket connections.
type HandlerConfig struct {
	SendBuffer int
	// AllowedOrigins restricts browser origins; empty or "*" allows all.
	AllowedOrigins []string
	Logger         zerolog.Logger
}

// WebSocketHandler upgrades GET /ws and pumps frames between the
// connection and the hub.
type WebSocketHandler struct {
	hub      *Hub
	cfg      HandlerConfig
	upgrader gorillawebsocket.Upgrader
	logger   zerolog.Logger
}

func NewWebSocketHandler(hub *Hub, cfg HandlerConfig) *WebSocketHandler {
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 256
	}
	h := &WebSocketHandler{
		hub:    hub,
		cfg:    cfg,
		logger: cfg.Logger.With().Str("component", "ws-handler").Logger(),
	}
	h.upgrader = gorillawebsocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     h.checkOrigin,
	}
	return h
}

func (wsh *WebSocketHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(wsh.cfg.AllowedOrigins) == 0 {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range wsh.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin || allowed == u.Host {
			return true
		}
	}
	return false
}

func (wsh *WebSocketHandler) RegisterRoutes(g *echo.Group) {
	g.GET("/ws", wsh.HandleConnect)
}

// HandleConnect upgrades the request, registers the client and starts its
// pumps. The client starts with no topics.
func (wsh *WebSocketHandler) HandleConnect(c echo.Context) error {
	ws, err := wsh.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}

	client := NewClient(uuid.NewString(), auth.UserIDFromContext(c.Request().Context()), wsh.cfg.SendBuffer)
	wsh.hub.Register(client)
	wsh.logger.Debug().Str("client_id", client.ID).Str("actor", client.Actor).Msg("terminal connected")

	go wsh.writePump(client, ws)
	go wsh.readPump(client, ws)
	return nil
}

func (wsh *WebSocketHandler) readPump(client *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		wsh.hub.Unregister(client)
		ws.Close()
		wsh.logger.Debug().Str("client_id", client.ID).Msg("terminal disconnected")
	}()

	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, message, err := ws.ReadMessage()
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(message, &msg); err != nil {
			wsh.hub.control(client, ControlFrame{Type: ControlError, Message: "malformed message"})
			continue
		}
		wsh.hub.ProcessMessage(client, msg)
	}
}

func (wsh *WebSocketHandler) writePump(client *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
