package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/DoyleJ11/leaderboard-sync/internal/board"
	"github.com/DoyleJ11/leaderboard-sync/internal/freeze"
	"github.com/DoyleJ11/leaderboard-sync/internal/hub"
	"github.com/DoyleJ11/leaderboard-sync/internal/types"
)

const (
	writeTimeout = 3 * time.Second
	pingEvery    = 20 * time.Second
	replyTimeout = 5 * time.Second
)

type Options struct {
	OriginPatterns []string
	Logger         *zap.Logger
}

// Handler streams one view's snapshots to a websocket client and accepts
// SetPage, Refresh and Freeze commands from it.
func Handler(h *hub.Hub, opts Options) http.HandlerFunc {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("ws")

	return func(w http.ResponseWriter, r *http.Request) {
		viewID := r.URL.Query().Get("view")
		if viewID == "" {
			http.Error(w, "missing view", http.StatusBadRequest)
			return
		}

		reply := make(chan *board.Board, 1)
		b, _ := hub.Ask(r.Context(), h, hub.GetView{ID: viewID, Reply: reply}, reply)
		if b == nil {
			http.Error(w, "view not found", http.StatusNotFound)
			return
		}

		conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			OriginPatterns: opts.OriginPatterns,
		})
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "bye")

		out := make(chan board.Snapshot, 16)
		clientID := uuid.NewString()
		log := logger.With(zap.String("view_id", viewID), zap.String("client_id", clientID))

		if !b.Send(board.Join{ClientID: clientID, Outbox: out}) {
			conn.Close(websocket.StatusGoingAway, "view closed")
			return
		}
		defer b.Send(board.Leave{ClientID: clientID})

		// Writer goroutine
		writeCtx, writeCancel := context.WithCancel(r.Context())
		defer writeCancel()
		go func() {
			ping := time.NewTicker(pingEvery)
			defer ping.Stop()
			for {
				select {
				case snap, ok := <-out:
					if !ok {
						// Board closed or dropped us as too slow.
						conn.Close(websocket.StatusGoingAway, "stream ended")
						return
					}
					if err := write(writeCtx, conn, types.Standings(snap)); err != nil {
						return
					}
				case <-ping.C:
					ctx, cancel := context.WithTimeout(writeCtx, writeTimeout)
					err := conn.Ping(ctx)
					cancel()
					if err != nil {
						log.Debug("ping failed", zap.Error(err))
						conn.CloseNow()
						return
					}
				case <-writeCtx.Done():
					return
				}
			}
		}()

		// Reader loop
		for {
			_, data, err := conn.Read(r.Context())
			if err != nil {
				switch websocket.CloseStatus(err) {
				case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				default:
					log.Debug("websocket read", zap.Error(err))
				}
				return
			}

			var cm types.ClientMessage
			if err := json.Unmarshal(data, &cm); err != nil {
				_ = write(r.Context(), conn, types.Error("bad json"))
				continue
			}

			msg, errc, ok := toBoardMsg(cm)
			if !ok {
				_ = write(r.Context(), conn, types.Error("unknown type"))
				continue
			}
			if !b.Send(msg) {
				return
			}
			if errc == nil {
				continue
			}
			select {
			case err := <-errc:
				if err != nil {
					_ = write(r.Context(), conn, types.Error(err.Error()))
				}
			case <-time.After(replyTimeout):
			case <-r.Context().Done():
				return
			}
		}
	}
}

// toBoardMsg maps a client command onto the board message it stands for. The
// returned channel, when non-nil, receives the board's verdict.
func toBoardMsg(m types.ClientMessage) (board.Msg, chan error, bool) {
	switch m.Type {
	case "SetPage":
		errc := make(chan error, 1)
		return board.SetPage{PageNumber: m.PageNumber, PageSize: m.PageSize, Reply: errc}, errc, true
	case "Refresh":
		return board.Refresh{}, nil, true
	case "Freeze":
		if m.Frozen == nil {
			return nil, nil, false
		}
		errc := make(chan error, 1)
		return board.SetFrozen{Frozen: *m.Frozen, From: freeze.SourceClient, Reply: errc}, errc, true
	default:
		return nil, nil, false
	}
}

func write(ctx context.Context, conn *websocket.Conn, msg types.ServerMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload)
}
