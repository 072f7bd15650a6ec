package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/celerix-dev/celerix-addressbook/internal/addressbook"
	"github.com/celerix-dev/celerix-addressbook/pkg/schema"
)

const (
	eventBuffer    = 64
	writeWait      = 10 * time.Second
	pingInterval   = 30 * time.Second
	readLimitBytes = 512
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// ViewEvents streams the view's count as a CountEvent each time it changes.
// The stream ends when the view is closed.
func (h *Handler) ViewEvents(c *gin.Context) {
	v, ok := h.view(c)
	if !ok {
		return
	}
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger().Warn("failed to upgrade the websocket", "error", err)
		return
	}
	id := v.ID()
	events := make(chan any, eventBuffer)
	unsubscribe := v.Observe(func(count int) {
		offer(events, schema.CountEvent{View: id, Count: count})
	})
	defer unsubscribe()

	h.logger().Debug("view stream opened", "view", id)
	h.stream(ws, events, v.Closed())
}

// ContactEvents streams a ContactsEvent for every batch of backend changes.
func (h *Handler) ContactEvents(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger().Warn("failed to upgrade the websocket", "error", err)
		return
	}
	events := make(chan any, eventBuffer)
	unsubscribe := h.Book.Subscribe(func(ch addressbook.ContactsChanged) {
		offer(events, schema.ContactsEvent{Added: ch.Added, Removed: ch.Removed})
	})
	defer unsubscribe()

	h.stream(ws, events, nil)
}

// offer queues ev unless the client is behind, in which case it is dropped.
func offer(events chan<- any, ev any) {
	select {
	case events <- ev:
	default:
	}
}

// stream writes events to ws until the client goes away or done closes.
// Incoming messages are discarded; reading is what notices the close.
func (h *Handler) stream(ws *websocket.Conn, events <-chan any, done <-chan struct{}) {
	defer ws.Close()

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		ws.SetReadLimit(readLimitBytes)
		for {
			if _, _, err := ws.NextReader(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case ev := <-events:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteJSON(ev); err != nil {
				h.logger().Debug("websocket write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-done:
			// Flush what the close itself emitted.
			for {
				select {
				case ev := <-events:
					ws.SetWriteDeadline(time.Now().Add(writeWait))
					if ws.WriteJSON(ev) != nil {
						return
					}
				default:
					msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "view closed")
					ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
					return
				}
			}
		case <-gone:
			return
		}
	}
}
