package httpapi

import (
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/example/rescue-dispatch/internal/broadcast"
	"github.com/example/rescue-dispatch/internal/rides"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// Stream is read-only state fan-out; origin policy is enforced at
	// the edge proxy.
	CheckOrigin: func(*http.Request) bool { return true },
}

const writeWait = 10 * time.Second

// handleRideStream upgrades to a websocket, sends a full snapshot of
// the ride immediately, then relays every subsequent event for that
// ride. A keepalive ping flows per interval; a dead or slow client
// tears the subscription down rather than stalling publishers.
func (s *Server) handleRideStream(w http.ResponseWriter, r *http.Request) {
	rideID := mux.Vars(r)["ride_id"]
	ride, err := s.Rides.GetRide(r.Context(), rideID)
	if err != nil {
		if errors.Is(err, rides.ErrRideNotFound) {
			writeError(w, http.StatusNotFound, "ride not found")
			return
		}
		s.serverError(w, r, "load ride for stream", err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "ride_id", rideID, "error", err)
		return
	}

	sub := s.Hub.Subscribe(rideID)

	// Re-read the ride now that the subscription is live: a transition
	// committed between the existence check and Subscribe would land in
	// neither the snapshot nor the channel. The reload closes that
	// window; at worst the client sees a state once in the snapshot and
	// again as an event.
	if fresh, err := s.Rides.GetRide(r.Context(), rideID); err == nil {
		ride = fresh
	}

	go s.streamEvents(conn, sub, rideID, broadcast.Event{
		Type: broadcast.EventSnapshot,
		Ride: ride,
		At:   time.Now(),
	})
	go s.drainClient(conn, sub)
}

func (s *Server) streamEvents(conn *websocket.Conn, sub *broadcast.Subscription, rideID string, snapshot broadcast.Event) {
	defer func() {
		sub.Close()
		conn.Close()
	}()

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(snapshot); err != nil {
		return
	}

	keepalive := time.NewTicker(s.KeepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				// Hub dropped us (slow consumer) or the subscription
				// closed from the read side.
				return
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("stream write failed", "ride_id", rideID, "error", err)
				return
			}
		case <-keepalive.C:
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// drainClient consumes client frames so pong handling and close frames
// are processed; any read error means the client went away.
func (s *Server) drainClient(conn *websocket.Conn, sub *broadcast.Subscription) {
	defer sub.Close()
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
