package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/marcus/tether/internal/models"
	"github.com/marcus/tether/internal/serverdb"
)

const maxPushBatch = 1000

// PushRequest is the JSON body for POST /v1/sync/push.
type PushRequest struct {
	DeviceID string        `json:"deviceId"`
	Changes  []ChangeInput `json:"changes"`
}

// ChangeInput represents a single change in a push request.
type ChangeInput struct {
	EntityType string          `json:"entityType"`
	Operation  string          `json:"operation"`
	LocalID    string          `json:"localId"`
	EntityID   string          `json:"entityId,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
}

// PushResponse is the JSON response for a push request. Results are in
// request order.
type PushResponse struct {
	Results  []ChangeResult `json:"results"`
	Accepted int            `json:"accepted"`
	Rejected int            `json:"rejected"`
}

// ChangeResult is the outcome of one pushed change.
type ChangeResult struct {
	LocalID  string    `json:"localId"`
	Success  bool      `json:"success"`
	EntityID string    `json:"entityId,omitempty"`
	Error    *APIError `json:"error,omitempty"`
}

// PullRequest is the JSON body for POST /v1/sync/pull.
type PullRequest struct {
	LastSyncedAt *time.Time `json:"lastSyncedAt"`
	FullSync     bool       `json:"fullSync"`
	DeviceID     string     `json:"deviceId,omitempty"`
}

// EntityBatch groups pulled records of one entity type.
type EntityBatch struct {
	EntityType string                `json:"entityType"`
	Records    []models.RemoteRecord `json:"records"`
}

// PullResponse is the JSON response for a pull request.
type PullResponse struct {
	Entities     []EntityBatch `json:"entities"`
	LastSyncedAt time.Time     `json:"lastSyncedAt"`
}

// handleSyncPush applies each change in order. Validation failures are
// reported per change; a store failure aborts the request.
func (s *Server) handleSyncPush(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())
	log := logFor(r.Context())

	var req PushRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, decodeError(err), "invalid json body")
		return
	}
	switch {
	case len(req.Changes) == 0:
		writeError(w, ErrCodeBadRequest, "changes array is empty")
		return
	case len(req.Changes) > maxPushBatch:
		writeError(w, ErrCodeBadRequest, fmt.Sprintf("batch size %d exceeds max %d", len(req.Changes), maxPushBatch))
		return
	}

	resp := PushResponse{Results: make([]ChangeResult, 0, len(req.Changes))}
	for _, in := range req.Changes {
		res, err := s.store.ApplyChange(p.PrincipalID, req.DeviceID, in.change(), s.clock.Now())
		if err != nil {
			apiErr, ok := changeError(err)
			if !ok {
				log.Error("apply change", "type", in.EntityType, "local_id", in.LocalID, "err", err)
				writeError(w, ErrCodeInternal, "failed to apply change")
				return
			}
			resp.Rejected++
			resp.Results = append(resp.Results, ChangeResult{LocalID: in.LocalID, Error: apiErr})
			continue
		}
		if res.Outcome == serverdb.OutcomeStale {
			log.Debug("stale change kept newer version", "type", in.EntityType, "local_id", in.LocalID)
		}
		resp.Accepted++
		resp.Results = append(resp.Results, ChangeResult{LocalID: in.LocalID, Success: true, EntityID: res.EntityID})
	}

	s.metrics.RecordPush(resp.Accepted, resp.Rejected)
	log.Debug("push", "device", req.DeviceID, "accepted", resp.Accepted, "rejected", resp.Rejected)
	writeJSON(w, http.StatusOK, resp)
}

func (in ChangeInput) change() serverdb.Change {
	return serverdb.Change{
		EntityType: models.EntityType(in.EntityType),
		Operation:  models.Operation(in.Operation),
		LocalID:    in.LocalID,
		EntityID:   in.EntityID,
		Data:       in.Payload,
		CreatedAt:  in.CreatedAt,
		UpdatedAt:  in.UpdatedAt,
	}
}

// handleSyncPull handles POST /v1/sync/pull.
func (s *Server) handleSyncPull(w http.ResponseWriter, r *http.Request) {
	p := principalFrom(r.Context())

	var req PullRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, decodeError(err), "invalid json body")
		return
	}

	since := req.LastSyncedAt
	if req.FullSync {
		since = nil
	}

	// Taken before the read so a write landing mid-query is picked up next time.
	now := s.clock.Now()
	records, err := s.store.ChangedSince(p.PrincipalID, since, req.DeviceID)
	if err != nil {
		logFor(r.Context()).Error("changed since", "err", err)
		writeError(w, ErrCodeInternal, "failed to read records")
		return
	}

	s.metrics.RecordPull(len(records))
	writeJSON(w, http.StatusOK, PullResponse{
		Entities:     groupByType(records),
		LastSyncedAt: now,
	})
}

// groupByType batches records per entity type in push dependency order.
func groupByType(records []models.RemoteRecord) []EntityBatch {
	byType := make(map[models.EntityType][]models.RemoteRecord)
	for _, rec := range records {
		byType[rec.EntityType] = append(byType[rec.EntityType], rec)
	}
	out := make([]EntityBatch, 0, len(byType))
	for _, t := range models.EntityTypes {
		if recs := byType[t]; len(recs) > 0 {
			out = append(out, EntityBatch{EntityType: string(t), Records: recs})
		}
	}
	return out
}
