package server

import (
	"bytes"
	"dispenser-watch/digest"
	"dispenser-watch/pkg/schedule"
	"dispenser-watch/poll"
	"dispenser-watch/source"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
)

const maxSnapshotBody = 8 << 20

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.logger.Info("Poll endpoint triggered")

	if err := s.poller.CheckAll(r.Context()); err != nil {
		s.logger.Error("Poll check failed", "error", err)
		writeError(w, http.StatusInternalServerError, "check failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "completed"})
}

// handleCheck runs a manual check for one scope. A request body carries the
// snapshot to process; without one the configured source is asked for it.
func (s *Server) handleCheck(w http.ResponseWriter, r *http.Request) {
	scope := chi.URLParam(r, "scope")
	if !source.ValidScope(scope) {
		writeError(w, http.StatusBadRequest, "invalid scope")
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxSnapshotBody+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "could not read body")
		return
	}
	if len(body) > maxSnapshotBody {
		writeError(w, http.StatusRequestEntityTooLarge, "snapshot too large")
		return
	}

	var res *poll.Result
	if len(body) == 0 {
		res, err = s.poller.Check(r.Context(), scope, true)
	} else {
		snap, decodeErr := source.Decode(bytes.NewReader(body), scope, s.now().UTC())
		if decodeErr != nil {
			writeError(w, http.StatusBadRequest, decodeErr.Error())
			return
		}
		res, err = s.poller.Process(r.Context(), snap, true)
	}

	switch {
	case err == nil:
	case errors.Is(err, schedule.ErrScopeBusy):
		writeError(w, http.StatusConflict, "a check for this scope is already running")
		return
	case errors.Is(err, schedule.ErrMalformedSnapshot):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case s.isNotFound(err):
		writeError(w, http.StatusNotFound, "unknown scope")
		return
	default:
		s.logger.Error("Manual check failed", "scope", scope, "error", err)
		writeError(w, http.StatusInternalServerError, "check failed")
		return
	}

	s.logger.Info("Manual check completed", "scope", scope, "changes", len(res.Changes), "snapshot_saved", res.Saved)
	writeJSON(w, http.StatusOK, res)
}

type snapshotInfo struct {
	Scope      string    `json:"scope"`
	CapturedAt time.Time `json:"captured_at"`
	ItemCount  int       `json:"item_count"`
}

func (s *Server) handleSnapshots(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.snapshots.List(r.Context())
	if err != nil {
		s.logger.Error("Failed to list snapshots", "error", err)
		writeError(w, http.StatusInternalServerError, "could not list snapshots")
		return
	}
	out := make([]snapshotInfo, 0, len(snaps))
	for _, snap := range snaps {
		out = append(out, snapshotInfo{Scope: snap.Scope, CapturedAt: snap.CapturedAt, ItemCount: len(snap.Items)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Scope < out[j].Scope })
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDigestUsers(w http.ResponseWriter, _ *http.Request) {
	users := s.digests.Users()
	if users == nil {
		users = []string{}
	}
	writeJSON(w, http.StatusOK, map[string][]string{"users": users})
}

func (s *Server) handleDigestPending(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	entry := s.digests.Pending(userID)
	if entry == nil {
		writeError(w, http.StatusNotFound, "no pending digest")
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

type flushSummary struct {
	UserID  string                    `json:"user_id"`
	Reason  string                    `json:"reason"`
	Changes int                       `json:"changes"`
	Results []schedule.DeliveryResult `json:"results"`
}

func summarize(f digest.Flush) flushSummary {
	return flushSummary{UserID: f.UserID, Reason: string(f.Reason), Changes: f.Changes, Results: f.Results}
}

func (s *Server) handleFlushUser(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "userID")
	f, err := s.digests.FlushUser(r.Context(), userID)
	if err != nil {
		s.logger.Warn("Manual digest flush failed", "user_id", userID, "error", err)
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, summarize(f))
}

func (s *Server) handleFlushAll(w http.ResponseWriter, r *http.Request) {
	flushes := s.digests.FlushAll(r.Context())
	out := make([]flushSummary, 0, len(flushes))
	for _, f := range flushes {
		out = append(out, summarize(f))
	}
	s.logger.Info("Manual digest flush completed", "users", len(out))
	writeJSON(w, http.StatusOK, out)
}
