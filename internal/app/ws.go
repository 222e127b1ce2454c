package app

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"tabmind/internal/observability"
	"tabmind/internal/runner"
)

const (
	wsReadLimit    = 8 * 1024 * 1024
	wsWriteTimeout = 10 * time.Second
	wsPongWait     = 60 * time.Second
	wsPingInterval = 25 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     allowedOrigin,
}

// allowedOrigin accepts browser extensions and local pages. Requests without
// an Origin header come from non-browser clients.
func allowedOrigin(r *http.Request) bool {
	origin := strings.TrimSpace(r.Header.Get("Origin"))
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	switch u.Scheme {
	case "chrome-extension", "moz-extension", "safari-web-extension":
		return true
	case "http", "https":
		host := u.Hostname()
		return host == "localhost" || host == "127.0.0.1" || host == "::1"
	}
	return false
}

type wsConn struct {
	conn    *websocket.Conn
	writeMu sync.Mutex
	log     logrus.FieldLogger
}

func (c *wsConn) send(v interface{}) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	return c.conn.WriteJSON(v)
}

func (c *wsConn) ping() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteTimeout))
}

// handleWebSocket serves the control envelope over one socket. Each message
// runs in its own goroutine and closing the socket cancels what is in flight.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.WithError(err).Warn("websocket upgrade failed")
		return
	}
	connID := uuid.NewString()
	c := &wsConn{
		conn: conn,
		log: s.logger.WithFields(logrus.Fields{
			"conn_id":    connID,
			"request_id": observability.RequestIDFrom(r.Context()),
		}),
	}
	s.metrics.WebSocketConnected.Inc()
	c.log.Info("websocket connected")

	ctx, cancel := context.WithCancel(s.bgCtx)
	var inflight sync.WaitGroup
	defer func() {
		cancel()
		inflight.Wait()
		_ = conn.Close()
		s.metrics.WebSocketConnected.Dec()
		c.log.Info("websocket disconnected")
	}()

	conn.SetReadLimit(wsReadLimit)
	_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	go func() {
		ticker := time.NewTicker(wsPingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := c.ping(); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.WithError(err).Warn("websocket read failed")
			}
			return
		}
		var req controlRequest
		if err := json.Unmarshal(data, &req); err != nil {
			if err := c.send(invalid("", "invalid_json", "invalid message")); err != nil {
				return
			}
			continue
		}
		if req.ID == "" {
			req.ID = uuid.NewString()
		}

		inflight.Add(1)
		go func(req controlRequest) {
			defer inflight.Done()
			onPhase := func(p runner.Phase) {
				_ = c.send(controlResponse{ID: req.ID, Event: "phase", Phase: string(p), Success: true})
			}
			resp := s.dispatch(ctx, req, transportWebSocket, onPhase)
			if err := c.send(resp); err != nil {
				c.log.WithError(err).WithField("action", req.Action).Debug("websocket write failed")
			}
		}(req)
	}
}
