package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		return strings.HasPrefix(origin, "http://localhost") ||
			strings.HasPrefix(origin, "http://127.0.0.1") ||
			strings.HasPrefix(origin, "https://localhost") ||
			strings.HasPrefix(origin, "https://127.0.0.1")
	},
}

// Subscribe upgrades the connection and streams the scan's events until the
// client disconnects or the subscription is closed. The first frame is a
// connected acknowledgement so clients can tell the stream is live before
// any event arrives.
func (h *Handlers) Subscribe(c *gin.Context) {
	caller := CallerPrincipal(c)
	scanID := c.Param("id")

	// Ownership is checked before the upgrade so unauthorized callers get a
	// plain 404 instead of a half-open socket.
	if _, err := h.scans.Get(c.Request.Context(), scanID, caller); err != nil {
		respondError(c, err)
		return
	}

	sub, err := h.bus.Subscribe(scanID)
	if err != nil {
		respondError(c, err)
		return
	}
	defer sub.Cancel()

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warnw("Websocket upgrade failed",
			"scan_id", scanID,
			"error", err,
		)
		return
	}
	defer conn.Close()

	log := h.log.WithScanID(scanID)
	log.Debugw("Websocket subscriber connected", "ip", c.ClientIP())

	conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(gin.H{"type": "connected", "scan_id": scanID}); err != nil {
		return
	}

	// The reader goroutine exists only to notice the peer going away; the
	// protocol has no client-to-server messages.
	done := make(chan struct{})
	go func() {
		defer close(done)
		conn.SetReadLimit(512)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case event, ok := <-sub.C:
			if !ok {
				conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, "subscription closed"))
				return
			}
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteJSON(event); err != nil {
				log.Debugw("Websocket write failed, dropping subscriber", "error", err)
				return
			}
		case <-ping.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			log.Debugw("Websocket subscriber disconnected")
			return
		}
	}
}
