package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"reviewguard/internal/ack"
	"reviewguard/internal/rules"
	"reviewguard/internal/search"
	logx "reviewguard/pkg/logx"
)

const maxBody = 1 << 20

type itemResponse struct {
	Session *ack.Session `json:"session"`
	Labels  rules.Set    `json:"labels"`
}

type searchRequest struct {
	ItemID string `json:"item_id"`
}

// searchDone is the final NDJSON line of a search stream.
type searchDone struct {
	Done     bool            `json:"done"`
	RunID    string          `json:"run_id"`
	Canceled bool            `json:"canceled"`
	Progress search.Progress `json:"progress"`
	Results  []search.Result `json:"results"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) postItem(w http.ResponseWriter, r *http.Request) {
	var item rules.Item
	if !decode(w, r, &item) {
		return
	}
	if strings.TrimSpace(item.ID) == "" {
		writeError(w, http.StatusBadRequest, "item id is required")
		return
	}
	sess, labels := s.svc.ObserveItem(r.Context(), item)
	writeJSON(w, http.StatusOK, itemResponse{Session: sess, Labels: labels})
}

func (s *Server) postSubmission(w http.ResponseWriter, r *http.Request) {
	var sub ack.Submission
	if !decode(w, r, &sub) {
		return
	}
	if strings.TrimSpace(sub.ItemID) == "" {
		writeError(w, http.StatusBadRequest, "item_id is required")
		return
	}
	if err := s.svc.Submit(r.Context(), sub); err != nil {
		s.log.Warn("submission audit failed", logx.String("item", sub.ItemID), logx.Err(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) getSession(w http.ResponseWriter, _ *http.Request) {
	sess, ok := s.svc.Session()
	if !ok {
		writeError(w, http.StatusNotFound, "no open session")
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// confirm and closeSession are idempotent; both answer 204 either way.
func (s *Server) confirm(w http.ResponseWriter, _ *http.Request) {
	s.svc.Confirm()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) closeSession(w http.ResponseWriter, _ *http.Request) {
	s.svc.CloseSession("closed by host")
	w.WriteHeader(http.StatusNoContent)
}

// postSearch streams hits as NDJSON while the run progresses, then a final
// {"done":true,...} line. A client disconnect cancels the run.
func (s *Server) postSearch(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if !decode(w, r, &req) {
		return
	}
	run, err := s.svc.Search(r.Context(), strings.TrimSpace(req.ItemID))
	if err != nil {
		status := http.StatusBadGateway
		if errors.Is(err, search.ErrEmptyItem) {
			status = http.StatusBadRequest
		}
		writeError(w, status, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	_ = rc.Flush()

	results := run.Results()
	for results != nil {
		select {
		case res, ok := <-results:
			if !ok {
				results = nil
				continue
			}
			if err := enc.Encode(res); err != nil {
				run.Cancel()
				return
			}
			_ = rc.Flush()
		case <-r.Context().Done():
			run.Cancel()
			return
		}
	}

	select {
	case <-run.Done():
	case <-r.Context().Done():
		return
	}
	_ = enc.Encode(searchDone{
		Done:     true,
		RunID:    run.ID,
		Canceled: run.Canceled(),
		Progress: run.Progress(),
		Results:  run.Snapshot(),
	})
	_ = rc.Flush()
}

func (s *Server) cancelSearch(w http.ResponseWriter, _ *http.Request) {
	s.svc.CancelSearch()
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) refreshRules(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.RefreshRules(r.Context()); err != nil {
		writeError(w, http.StatusBadGateway, oneLine(err))
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) refreshCatalog(w http.ResponseWriter, r *http.Request) {
	n, err := s.svc.RefreshCatalog(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, oneLine(err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"queues": n})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBody))
	if err := dec.Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json: "+err.Error())
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func oneLine(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}
