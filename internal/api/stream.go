package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/Neeleshn20/spokensense/internal/highlight"
	"github.com/Neeleshn20/spokensense/internal/observe"
)

// handleHighlights upgrades to a websocket and streams highlight events as
// JSON text messages until the client goes away or the bus closes. The
// optional ?page= query restricts the stream to one page.
func (s *Server) handleHighlights(w http.ResponseWriter, r *http.Request) {
	var filter func(highlight.Event) bool
	if raw := r.URL.Query().Get("page"); raw != "" {
		page, err := strconv.Atoi(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, errors.New("page must be an integer"))
			return
		}
		filter = func(ev highlight.Event) bool { return ev.Page == page }
	}

	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		// Accept has already written the HTTP error.
		return
	}
	defer conn.CloseNow()

	opts := []highlight.SubscribeOption{highlight.WithName("ws " + r.RemoteAddr)}
	if s.streamBuffer > 0 {
		opts = append(opts, highlight.WithBuffer(s.streamBuffer))
	}
	if filter != nil {
		opts = append(opts, highlight.WithFilter(filter))
	}
	sub := s.bus.Subscribe(opts...)
	defer s.bus.Unsubscribe(sub)

	log := observe.Logger(r.Context()).With("remote", r.RemoteAddr)
	log.Debug("highlight stream opened")

	// Observers only listen; CloseRead handles control frames and cancels
	// ctx once the peer closes.
	ctx := conn.CloseRead(r.Context())
	ping := time.NewTicker(s.pingInterval)
	defer ping.Stop()

	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "highlight bus closed")
				return
			}
			if err := s.send(ctx, conn, ev); err != nil {
				log.Debug("highlight stream closed", "err", err)
				return
			}
		case <-ping.C:
			pctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
			err := conn.Ping(pctx)
			cancel()
			if err != nil {
				log.Debug("highlight stream ping failed", "err", err)
				return
			}
		case <-ctx.Done():
			log.Debug("highlight stream closed by peer")
			return
		}
	}
}

func (s *Server) send(ctx context.Context, conn *websocket.Conn, ev highlight.Event) error {
	ctx, cancel := context.WithTimeout(ctx, s.writeTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, ev)
}
