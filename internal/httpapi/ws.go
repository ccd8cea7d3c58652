package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"sessionjobs/internal/job"
	"sessionjobs/pkg/logx"
)

const wsWriteTimeout = 5 * time.Second

var errConnClosed = errors.New("websocket closed")

// wsMessage covers the control frames exchanged with a client. Progress
// messages are batch.Message values.
type wsMessage struct {
	Type string        `json:"type"`
	Data *job.Snapshot `json:"data,omitempty"`
}

// wsObserver is a progress observer backed by one WebSocket connection.
// Writes are serialized; after the first failed write it reports
// errConnClosed so the broadcaster prunes it.
type wsObserver struct {
	mu     sync.Mutex
	conn   net.Conn
	closed bool
}

func (o *wsObserver) Send(_ context.Context, msg any) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.writeLocked(msg)
}

func (o *wsObserver) writeLocked(msg any) error {
	if o.closed {
		return errConnClosed
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	_ = o.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := wsutil.WriteServerText(o.conn, b); err != nil {
		o.closed = true
		return err
	}
	return nil
}

func (o *wsObserver) close() {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()
	_ = o.conn.Close()
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, ok := s.deps.Jobs.Status(id); !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		s.log.Debug("websocket upgrade failed", logx.String("job", id), logx.Err(err))
		return
	}
	log := s.log.With(logx.String("job", id), logx.String("remote", r.RemoteAddr))
	obs := &wsObserver{conn: conn}

	// Hold the write lock across subscribe and init so no progress message
	// overtakes the initial snapshot.
	obs.mu.Lock()
	s.deps.Progress.Subscribe(obs, id)
	snap, _ := s.deps.Jobs.Status(id)
	err = obs.writeLocked(wsMessage{Type: "init", Data: &snap})
	obs.mu.Unlock()

	defer func() {
		s.deps.Progress.Unsubscribe(obs, id)
		obs.close()
		log.Debug("websocket closed")
	}()
	if err != nil {
		return
	}
	log.Debug("websocket opened")

	// Close the connection when the server stops; the read below unblocks.
	if sup := s.Supervisor(); sup != nil {
		stop := context.AfterFunc(sup.Context(), func() { _ = conn.Close() })
		defer stop()
	}

	for {
		data, op, err := wsutil.ReadClientData(conn)
		if err != nil {
			return
		}
		if op != ws.OpText {
			continue
		}
		var in wsMessage
		if json.Unmarshal(data, &in) != nil {
			continue
		}
		switch in.Type {
		case "ping":
			err = obs.Send(r.Context(), wsMessage{Type: "pong"})
		case "status":
			if snap, ok := s.deps.Jobs.Status(id); ok {
				err = obs.Send(r.Context(), wsMessage{Type: "status", Data: &snap})
			}
		}
		if err != nil {
			return
		}
	}
}
