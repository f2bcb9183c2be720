package server

import (
	"net/http"

	"github.com/bobmcallan/marketcore/internal/models"
)

// SnapshotResponse is the body of GET /api/snapshots/{asset}.
type SnapshotResponse struct {
	AssetID       string           `json:"asset_id"`
	Decision      string           `json:"decision"`
	Reason        string           `json:"reason,omitempty"`
	Source        string           `json:"source,omitempty"`
	ProviderCalls int              `json:"provider_calls"`
	Warnings      []string         `json:"warnings,omitempty"`
	Error         string           `json:"error,omitempty"`
	Snapshot      *models.Snapshot `json:"snapshot"`
}

// HistoryResponse is the body of GET /api/history/{asset}.
type HistoryResponse struct {
	AssetID string            `json:"asset_id"`
	Start   string            `json:"start,omitempty"`
	End     string            `json:"end,omitempty"`
	Count   int               `json:"count"`
	Bars    []models.DailyBar `json:"bars"`
}

// handleSnapshot serves the stored snapshot. With ?refresh=1 it runs the
// orchestrator first (closed markets are still debounced); ?force=1 skips
// the open-market freshness check.
func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	asset := PathParam(r, "/api/snapshots/", "")
	if asset == "" {
		WriteError(w, http.StatusBadRequest, "asset is required")
		return
	}

	out, err := s.app.Snapshot(r.Context(), asset, queryBool(r, "refresh"), queryBool(r, "force"))
	if err != nil {
		writeAppError(w, err)
		return
	}

	resp := SnapshotResponse{
		AssetID:       out.AssetID,
		Decision:      out.Decision,
		Reason:        out.Reason,
		Source:        out.Source,
		ProviderCalls: out.ProviderCalls,
		Snapshot:      out.Snapshot,
	}
	for _, warn := range out.Warnings {
		resp.Warnings = append(resp.Warnings, warn.Kind+": "+warn.Field)
	}
	if out.Err != nil {
		resp.Error = out.Err.Error()
		if out.Snapshot == nil {
			WriteJSON(w, http.StatusBadGateway, resp)
			return
		}
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}
	asset := PathParam(r, "/api/history/", "")
	if asset == "" {
		WriteError(w, http.StatusBadRequest, "asset is required")
		return
	}
	q := r.URL.Query()
	start, end := q.Get("start"), q.Get("end")

	id, bars, err := s.app.History(r.Context(), asset, start, end)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if bars == nil {
		bars = []models.DailyBar{}
	}
	WriteJSON(w, http.StatusOK, HistoryResponse{AssetID: id, Start: start, End: end, Count: len(bars), Bars: bars})
}
