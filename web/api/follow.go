package api

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hochfrequenz/vmat-orchestrator/internal/domain"
	"github.com/hochfrequenz/vmat-orchestrator/internal/jobs"
)

const (
	followWriteWait  = 10 * time.Second
	followPingPeriod = 30 * time.Second
	followPongWait   = 90 * time.Second
)

// FollowMessage is one frame of the progress stream. The stream starts with
// the points recorded so far and ends with the terminal status.
type FollowMessage struct {
	Type   string             `json:"type"` // progress or status
	RunID  string             `json:"run_id"`
	Point  *domain.TracePoint `json:"point,omitempty"`
	Status domain.RunStatus   `json:"status,omitempty"`
	Error  string             `json:"error,omitempty"`
}

func (s *Server) followHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		// subscribe before reading the backlog so nothing falls in between
		events, cancel := s.runs.Subscribe()
		defer cancel()

		run, err := s.runs.Get(id)
		if err != nil {
			writeFailure(w, err)
			return
		}
		backlog, err := s.queries.Progress(id, 0)
		if err != nil {
			writeFailure(w, err)
			return
		}

		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.Warn("websocket upgrade failed", "run", id, "error", err)
			return
		}
		defer conn.Close()

		closed := make(chan struct{})
		go readPump(conn, closed)

		send := func(m FollowMessage) bool {
			conn.SetWriteDeadline(time.Now().Add(followWriteWait))
			return conn.WriteJSON(m) == nil
		}

		// points published between Subscribe and the backlog read arrive twice
		sent := make(map[pointKey]bool, len(backlog))
		fresh := func(p *domain.TracePoint) bool {
			k := pointKey{p.Iteration, p.Time.UnixNano()}
			if sent[k] {
				return false
			}
			sent[k] = true
			return true
		}
		for i := range backlog {
			p := backlog[i]
			fresh(&p)
			if !send(FollowMessage{Type: "progress", RunID: id, Point: &p}) {
				return
			}
		}

		// a run that already finished gets its backlog and final status only
		if run.Status.IsTerminal() {
			s.finishFollow(conn, FollowMessage{Type: "status", RunID: id, Status: run.Status, Error: run.Error})
			return
		}
		done := s.runs.Wait(id)

		ping := time.NewTicker(followPingPeriod)
		defer ping.Stop()
		for {
			select {
			case <-closed:
				return
			case <-r.Context().Done():
				return
			case <-ping.C:
				conn.SetWriteDeadline(time.Now().Add(followWriteWait))
				if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
					return
				}
			case e, ok := <-events:
				if !ok {
					return
				}
				if e.RunID != id {
					continue
				}
				switch e.Kind {
				case jobs.EventProgress:
					if e.Point == nil || !fresh(e.Point) {
						continue
					}
					if !send(FollowMessage{Type: "progress", RunID: id, Point: e.Point}) {
						return
					}
				case jobs.EventStatus:
					if e.Status.IsTerminal() {
						s.finishFollow(conn, FollowMessage{Type: "status", RunID: id, Status: e.Status, Error: e.Error})
						return
					}
					if !send(FollowMessage{Type: "status", RunID: id, Status: e.Status}) {
						return
					}
				}
			case <-done:
				// flush what is already queued; the terminal event itself may
				// have been dropped by a full buffer
				for drained := false; !drained; {
					select {
					case e, ok := <-events:
						if !ok {
							drained = true
							break
						}
						if e.RunID == id && e.Kind == jobs.EventProgress && e.Point != nil && fresh(e.Point) {
							if !send(FollowMessage{Type: "progress", RunID: id, Point: e.Point}) {
								return
							}
						}
					default:
						drained = true
					}
				}
				if final, err := s.runs.Get(id); err == nil {
					s.finishFollow(conn, FollowMessage{Type: "status", RunID: id, Status: final.Status, Error: final.Error})
				}
				return
			}
		}
	}
}

type pointKey struct {
	iteration int
	nanos     int64
}

func (s *Server) finishFollow(conn *websocket.Conn, m FollowMessage) {
	conn.SetWriteDeadline(time.Now().Add(followWriteWait))
	if err := conn.WriteJSON(m); err != nil {
		return
	}
	conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(m.Status)))
}

// readPump drains client frames so pongs and close frames are processed
func readPump(conn *websocket.Conn, closed chan<- struct{}) {
	defer close(closed)
	conn.SetReadDeadline(time.Now().Add(followPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(followPongWait))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}
