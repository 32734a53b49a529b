package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/lithammer/fuzzysearch/fuzzy"

	"github.com/DoyleJ11/leaderboard-sync/internal/board"
	"github.com/DoyleJ11/leaderboard-sync/internal/fetch"
	"github.com/DoyleJ11/leaderboard-sync/internal/freeze"
	"github.com/DoyleJ11/leaderboard-sync/internal/hub"
	"github.com/DoyleJ11/leaderboard-sync/internal/standings"
)

const replyTimeout = 5 * time.Second

type openRequest struct {
	ContestID  string `json:"contestId"`
	PageNumber int    `json:"pageNumber"`
	PageSize   int    `json:"pageSize"`
}

type pageRequest struct {
	PageNumber int `json:"pageNumber"`
	PageSize   int `json:"pageSize"`
}

type freezeRequest struct {
	Frozen *bool `json:"frozen"`
}

type viewResponse struct {
	ID string `json:"id"`
	board.Snapshot
	Clients    int       `json:"clients"`
	LastActive time.Time `json:"lastActive"`
}

func OpenView(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req openRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}

		reply := make(chan hub.OpenResult, 1)
		res, ok := hub.Ask(r.Context(), h, hub.OpenView{ContestID: req.ContestID, PageNumber: req.PageNumber, PageSize: req.PageSize, Reply: reply}, reply)
		if !ok {
			hubGone(w)
			return
		}
		if res.Err != nil {
			writeError(w, res.Err)
			return
		}

		writeJSON(w, http.StatusCreated, hub.ViewInfo{ID: res.ID, ContestID: req.ContestID})
	}
}

func ListViews(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reply := make(chan []hub.ViewInfo, 1)
		views, ok := hub.Ask(r.Context(), h, hub.ListViews{Reply: reply}, reply)
		if !ok {
			hubGone(w)
			return
		}
		writeJSON(w, http.StatusOK, views)
	}
}

// GetView returns the current snapshot. ?q= keeps only teams whose name
// fuzzily matches, in rank order.
func GetView(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		b := lookup(r, h, id)
		if b == nil {
			http.Error(w, "view not found", http.StatusNotFound)
			return
		}

		reply := make(chan board.View, 1)
		if !b.Send(board.GetView{Reply: reply}) {
			http.Error(w, "view not found", http.StatusNotFound)
			return
		}
		var v board.View
		select {
		case v = <-reply:
		case <-b.Done():
			http.Error(w, "view not found", http.StatusNotFound)
			return
		}

		if q := r.URL.Query().Get("q"); q != "" {
			v.Rows = filterRows(v.Rows, q)
		}
		writeJSON(w, http.StatusOK, viewResponse{ID: id, Snapshot: v.Snapshot, Clients: v.NumClients, LastActive: v.LastActive})
	}
}

func SetPage(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req pageRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		errc := make(chan error, 1)
		send(w, r, h, board.SetPage{PageNumber: req.PageNumber, PageSize: req.PageSize, Reply: errc}, errc)
	}
}

func Refresh(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		send(w, r, h, board.Refresh{}, nil)
	}
}

func SetFrozen(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req freezeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Frozen == nil {
			http.Error(w, `body must be {"frozen": true|false}`, http.StatusBadRequest)
			return
		}
		errc := make(chan error, 1)
		send(w, r, h, board.SetFrozen{Frozen: *req.Frozen, From: freeze.SourceClient, Reply: errc}, errc)
	}
}

func CloseView(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reply := make(chan bool, 1)
		closed, ok := hub.Ask(r.Context(), h, hub.CloseView{ID: chi.URLParam(r, "id"), Reply: reply}, reply)
		if !ok {
			hubGone(w)
			return
		}
		if !closed {
			http.Error(w, "view not found", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// send delivers msg to the view's board and, when errc is set, waits for its
// verdict.
func send(w http.ResponseWriter, r *http.Request, h *hub.Hub, msg board.Msg, errc chan error) {
	b := lookup(r, h, chi.URLParam(r, "id"))
	if b == nil || !b.Send(msg) {
		http.Error(w, "view not found", http.StatusNotFound)
		return
	}
	if errc == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	select {
	case err := <-errc:
		if err != nil {
			writeError(w, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case <-b.Done():
		http.Error(w, "view not found", http.StatusNotFound)
	case <-time.After(replyTimeout):
		http.Error(w, "board did not answer", http.StatusGatewayTimeout)
	case <-r.Context().Done():
	}
}

// lookup returns nil for unknown views and when the hub has stopped.
func lookup(r *http.Request, h *hub.Hub, id string) *board.Board {
	reply := make(chan *board.Board, 1)
	b, _ := hub.Ask(r.Context(), h, hub.GetView{ID: id, Reply: reply}, reply)
	return b
}

func hubGone(w http.ResponseWriter) {
	http.Error(w, "service shutting down", http.StatusServiceUnavailable)
}

func filterRows(rows []standings.Row, q string) []standings.Row {
	out := make([]standings.Row, 0, len(rows))
	for _, row := range rows {
		if fuzzy.MatchFold(q, row.TeamName) {
			out = append(out, row)
		}
	}
	return out
}

func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, fetch.ErrInvalidPage), errors.Is(err, fetch.ErrMissingContest):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, freeze.ErrNotOwner):
		http.Error(w, err.Error(), http.StatusConflict)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
