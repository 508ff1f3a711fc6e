package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/HL8-ORG/oksai-cc-api-server-sub001/internal/engine/events"
)

const (
	streamBuffer     = 64
	streamWriteWait  = 5 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = streamPongWait * 9 / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
}

// streamEvents pushes lifecycle events to a websocket client as they are
// logged. Optional query filters: plugin, type. Slow clients drop events.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.WithError(err).Debug("websocket upgrade failed")
		return
	}
	defer conn.Close()

	pluginFilter := r.URL.Query().Get("plugin")
	typeFilter := events.EventType(r.URL.Query().Get("type"))
	filter := func(e events.Event) bool {
		if pluginFilter != "" && e.Plugin != pluginFilter {
			return false
		}
		return typeFilter == "" || e.Type == typeFilter
	}

	ch := make(chan events.Event, streamBuffer)
	unsubscribe := s.opts.Events.SubscribeFiltered(filter, func(e events.Event) {
		select {
		case ch <- e:
		default:
		}
	})
	defer unsubscribe()

	// The read loop only detects client close and handles pongs.
	closed := make(chan struct{})
	conn.SetReadLimit(512)
	_ = conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(streamPingPeriod)
	defer ping.Stop()

	for {
		select {
		case e := <-ch:
			_ = conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteJSON(e); err != nil {
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(streamWriteWait)); err != nil {
				return
			}
		case <-closed:
			return
		case <-s.streamCtx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(streamWriteWait))
			return
		case <-r.Context().Done():
			return
		}
	}
}
