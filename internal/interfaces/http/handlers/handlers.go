// Package handlers exposes the memory store over a thin REST surface. This
// layer is boundary glue only: it translates JSON to facade calls and store
// errors to status codes, and holds no domain logic of its own.
package handlers

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"cortex-engine/internal/clustering"
	"cortex-engine/internal/domain/shared"
	"cortex-engine/internal/engine"
	"cortex-engine/internal/errors"
)

// StoreHandler serves the store's REST endpoints.
type StoreHandler struct {
	store  *engine.Store
	logger *zap.Logger
}

// NewStoreHandler creates the handler set over a store facade.
func NewStoreHandler(store *engine.Store, logger *zap.Logger) *StoreHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StoreHandler{store: store, logger: logger}
}

// Register mounts all store routes on the router.
func (h *StoreHandler) Register(r chi.Router) {
	r.Post("/api/nodes", h.insertNode)
	r.Get("/api/nodes/{nodeID}", h.getNode)
	r.Delete("/api/nodes/{nodeID}", h.deleteNode)
	r.Post("/api/nodes/{nodeID}/embedding", h.attachEmbedding)
	r.Get("/api/nodes/{nodeID}/neighbors", h.neighbors)
	r.Post("/api/edges", h.createEdge)
	r.Delete("/api/edges/{edgeID}", h.deleteEdge)
	r.Post("/api/search", h.search)
	r.Post("/api/consolidate", h.consolidate)
	r.Post("/api/cluster", h.cluster)
	r.Get("/api/export", h.export)
	r.Post("/api/import", h.importSnapshot)
	r.Get("/api/stats", h.stats)
}

type insertNodeRequest struct {
	Content   string            `json:"content"`
	NodeType  string            `json:"node_type"`
	Metadata  map[string]string `json:"metadata"`
	Embedding []float32         `json:"embedding"`
}

type insertNodeResponse struct {
	ID    string `json:"id"`
	IsNew bool   `json:"is_new"`
}

func (h *StoreHandler) insertNode(w http.ResponseWriter, r *http.Request) {
	var req insertNodeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.NewValidation("invalid request body: %v", err))
		return
	}

	result, err := h.store.InsertContent(r.Context(), req.Content, shared.NodeType(req.NodeType), req.Metadata)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if len(req.Embedding) > 0 {
		if err := h.store.AttachEmbedding(r.Context(), result.ID, req.Embedding); err != nil {
			h.writeError(w, err)
			return
		}
	}

	status := http.StatusOK
	if result.IsNew {
		status = http.StatusCreated
	}
	h.writeJSON(w, status, insertNodeResponse{ID: result.ID.String(), IsNew: result.IsNew})
}

func (h *StoreHandler) getNode(w http.ResponseWriter, r *http.Request) {
	id, err := shared.ParseNodeID(chi.URLParam(r, "nodeID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	n, err := h.store.GetNode(r.Context(), id)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{
		"id":               n.ID().String(),
		"content":          n.Content(),
		"node_type":        string(n.Type()),
		"metadata":         n.Metadata(),
		"has_embedding":    n.HasEmbedding(),
		"created_at":       n.CreatedAt(),
		"last_accessed_at": n.LastAccessedAt(),
		"access_count":     n.AccessCount(),
		"importance":       n.Importance(),
	})
}

func (h *StoreHandler) deleteNode(w http.ResponseWriter, r *http.Request) {
	id, err := shared.ParseNodeID(chi.URLParam(r, "nodeID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.store.DeleteNode(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type attachEmbeddingRequest struct {
	Embedding []float32 `json:"embedding"`
}

func (h *StoreHandler) attachEmbedding(w http.ResponseWriter, r *http.Request) {
	id, err := shared.ParseNodeID(chi.URLParam(r, "nodeID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	var req attachEmbeddingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.NewValidation("invalid request body: %v", err))
		return
	}
	if err := h.store.AttachEmbedding(r.Context(), id, req.Embedding); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *StoreHandler) neighbors(w http.ResponseWriter, r *http.Request) {
	id, err := shared.ParseNodeID(chi.URLParam(r, "nodeID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	depth := queryInt(r, "depth", 1)
	filter := r.URL.Query().Get("relationship_type")

	ids, err := h.store.Neighbors(r.Context(), id, depth, filter)
	if err != nil {
		h.writeError(w, err)
		return
	}
	out := make([]string, len(ids))
	for i, nid := range ids {
		out[i] = nid.String()
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"neighbors": out})
}

type createEdgeRequest struct {
	Source           string  `json:"source"`
	Target           string  `json:"target"`
	Weight           float64 `json:"weight"`
	RelationshipType string  `json:"relationship_type"`
	Directed         bool    `json:"directed"`
}

func (h *StoreHandler) createEdge(w http.ResponseWriter, r *http.Request) {
	var req createEdgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.NewValidation("invalid request body: %v", err))
		return
	}
	source, err := shared.ParseNodeID(req.Source)
	if err != nil {
		h.writeError(w, err)
		return
	}
	target, err := shared.ParseNodeID(req.Target)
	if err != nil {
		h.writeError(w, err)
		return
	}
	edgeID, err := h.store.Link(r.Context(), source, target, req.Weight, req.RelationshipType, req.Directed)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, map[string]string{"id": edgeID.String()})
}

func (h *StoreHandler) deleteEdge(w http.ResponseWriter, r *http.Request) {
	id, err := shared.ParseEdgeID(chi.URLParam(r, "edgeID"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	if err := h.store.Unlink(r.Context(), id); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type searchRequest struct {
	Query  []float32 `json:"query"`
	K      int       `json:"k"`
	Radius *float64  `json:"radius,omitempty"`
}

func (h *StoreHandler) search(w http.ResponseWriter, r *http.Request) {
	var req searchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.NewValidation("invalid request body: %v", err))
		return
	}

	var results []engine.SearchResult
	var err error
	if req.Radius != nil {
		results, err = h.store.SearchWithinRadius(r.Context(), req.Query, *req.Radius)
	} else {
		results, err = h.store.SearchSimilar(r.Context(), req.Query, req.K)
	}
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (h *StoreHandler) consolidate(w http.ResponseWriter, r *http.Request) {
	report, err := h.store.Consolidate(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, report)
}

type clusterRequest struct {
	Algorithm string  `json:"algorithm"`
	K         int     `json:"k"`
	MaxIter   int     `json:"max_iterations"`
	Seed      int64   `json:"seed"`
	Eps       float64 `json:"eps"`
	MinPoints int     `json:"min_points"`
	CutDist   float64 `json:"cut_distance"`
}

func (h *StoreHandler) cluster(w http.ResponseWriter, r *http.Request) {
	var req clusterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, errors.NewValidation("invalid request body: %v", err))
		return
	}
	result, err := h.store.Cluster(r.Context(), req.Algorithm, clustering.Params{
		K:             req.K,
		MaxIterations: req.MaxIter,
		Seed:          req.Seed,
		Eps:           req.Eps,
		MinPoints:     req.MinPoints,
		CutDistance:   req.CutDist,
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, map[string]any{"clusters": result})
}

func (h *StoreHandler) export(w http.ResponseWriter, r *http.Request) {
	data, err := h.store.Export(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func (h *StoreHandler) importSnapshot(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, errors.NewValidation("read snapshot body: %v", err))
		return
	}
	if err := h.store.Import(r.Context(), data); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *StoreHandler) stats(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.store.Stats())
}

func (h *StoreHandler) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Error("write response failed", zap.Error(err))
	}
}

// writeError maps store error kinds to HTTP status codes.
func (h *StoreHandler) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch errors.KindOf(err) {
	case errors.KindValidation, errors.KindDimensionMismatch:
		status = http.StatusBadRequest
	case errors.KindNotFound, errors.KindUnknownNode:
		status = http.StatusNotFound
	case errors.KindCapacityExceeded:
		status = http.StatusInsufficientStorage
	case errors.KindConsolidationInProgress:
		status = http.StatusConflict
	case errors.KindIndexCorruption:
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, map[string]string{"error": err.Error()})
}

func queryInt(r *http.Request, name string, fallback int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return fallback
	}
	value, err := strconv.Atoi(raw)
	if err != nil || value < 0 {
		return fallback
	}
	return value
}
