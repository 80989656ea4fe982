package engine

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"io"
	"sort"
	"time"

	"go.uber.org/zap"

	"cortex-engine/internal/domain/edge"
	"cortex-engine/internal/domain/node"
	"cortex-engine/internal/domain/shared"
	"cortex-engine/internal/errors"
	"cortex-engine/internal/observability"
	"cortex-engine/internal/store/content"
	"cortex-engine/internal/store/graph"
	"cortex-engine/internal/store/vector"
)

// Snapshot format: gzip-compressed JSON with an explicit schema tag and
// version, so a persistence backend can sanity-check a blob before loading.
const (
	snapshotSchema  = "cortex-engine/snapshot"
	snapshotVersion = 1
)

type snapshotFile struct {
	Schema    string         `json:"schema"`
	Version   int            `json:"version"`
	Dimension int            `json:"dimension"`
	Metric    string         `json:"metric"`
	CreatedAt time.Time      `json:"created_at"`
	Nodes     []nodeRecord   `json:"nodes"`
	Edges     []edgeRecord   `json:"edges"`
}

type nodeRecord struct {
	ID             string            `json:"id"`
	Content        string            `json:"content"`
	Type           string            `json:"type"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Embedding      []float32         `json:"embedding,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	LastAccessedAt time.Time         `json:"last_accessed_at"`
	AccessCount    uint64            `json:"access_count"`
	Importance     float64           `json:"importance"`
}

type edgeRecord struct {
	ID               string    `json:"id"`
	Source           string    `json:"source"`
	Target           string    `json:"target"`
	Weight           float64   `json:"weight"`
	RelationshipType string    `json:"relationship_type,omitempty"`
	Directed         bool      `json:"directed"`
	CreatedAt        time.Time `json:"created_at"`
}

// Export serializes the full store state for handoff to a persistence
// backend. Records are id-sorted so identical states produce identical
// snapshots.
func (s *Store) Export(ctx context.Context) ([]byte, error) {
	_, span := observability.StartSpan(ctx, "store.Export")
	var err error
	defer func() { observability.EndSpan(span, err) }()

	file := snapshotFile{
		Schema:    snapshotSchema,
		Version:   snapshotVersion,
		Dimension: s.cfg.Dimension,
		Metric:    s.cfg.SimilarityMetric,
		CreatedAt: time.Now().UTC(),
	}

	s.mu.RLock()
	s.content.ForEach(func(n *node.Node) bool {
		record := nodeRecord{
			ID:             n.ID().String(),
			Content:        n.Content(),
			Type:           string(n.Type()),
			Metadata:       n.Metadata(),
			CreatedAt:      n.CreatedAt(),
			LastAccessedAt: n.LastAccessedAt(),
			AccessCount:    n.AccessCount(),
			Importance:     n.Importance(),
		}
		if n.HasEmbedding() {
			record.Embedding = n.Embedding()
		}
		file.Nodes = append(file.Nodes, record)
		return true
	})
	s.graph.ForEachEdge(func(e *edge.Edge) bool {
		file.Edges = append(file.Edges, edgeRecord{
			ID:               e.ID().String(),
			Source:           e.SourceID().String(),
			Target:           e.TargetID().String(),
			Weight:           e.Weight(),
			RelationshipType: e.RelationshipType(),
			Directed:         e.Directed(),
			CreatedAt:        e.CreatedAt(),
		})
		return true
	})
	s.mu.RUnlock()

	sort.Slice(file.Nodes, func(i, j int) bool { return file.Nodes[i].ID < file.Nodes[j].ID })
	sort.Slice(file.Edges, func(i, j int) bool { return file.Edges[i].ID < file.Edges[j].ID })

	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	if err = json.NewEncoder(gz).Encode(file); err != nil {
		return nil, errors.NewInternal("encode snapshot", err)
	}
	if err = gz.Close(); err != nil {
		return nil, errors.NewInternal("compress snapshot", err)
	}
	return buf.Bytes(), nil
}

// Import replaces the store's state with a previously exported snapshot.
// The snapshot must carry the expected schema tag, a supported version and
// the store's configured dimension. On any validation or reconstruction
// failure the current state is left untouched.
func (s *Store) Import(ctx context.Context, data []byte) error {
	_, span := observability.StartSpan(ctx, "store.Import")
	var err error
	defer func() { observability.EndSpan(span, err) }()

	var file snapshotFile
	if err = decodeSnapshot(data, &file); err != nil {
		return err
	}
	if file.Schema != snapshotSchema {
		err = errors.NewValidation("snapshot schema %q is not %q", file.Schema, snapshotSchema)
		return err
	}
	if file.Version != snapshotVersion {
		err = errors.NewValidation("unsupported snapshot version %d", file.Version)
		return err
	}
	if file.Dimension != s.cfg.Dimension {
		err = errors.NewDimensionMismatch(s.cfg.Dimension, file.Dimension)
		return err
	}

	// Reconstruct into fresh structures first; the live store is swapped
	// only after the whole snapshot loads cleanly.
	newContent, newGraph, newVectors, buildErr := s.buildFromSnapshot(&file)
	if buildErr != nil {
		err = buildErr
		return err
	}

	s.mu.Lock()
	s.content = newContent
	s.graph = newGraph
	s.vectors = newVectors
	s.corrupted = false
	s.mu.Unlock()

	s.queryCache.Clear()
	if s.metrics != nil {
		s.metrics.NodesLive.Set(float64(len(file.Nodes)))
	}
	s.logger.Info("snapshot imported",
		zap.Int("nodes", len(file.Nodes)),
		zap.Int("edges", len(file.Edges)))
	return nil
}

func (s *Store) buildFromSnapshot(file *snapshotFile) (*content.Store, *graph.Index, vector.Index, error) {
	newContent := content.New()
	newGraph := graph.New()

	var newVectors vector.Index
	if s.cfg.IndexMode == "approximate" {
		newVectors = vector.NewPartitionedIndex(s.cfg.Dimension, s.metric, s.cfg.IndexNProbe)
	} else {
		newVectors = vector.NewFlatIndex(s.cfg.Dimension, s.metric)
	}

	for _, record := range file.Nodes {
		id, err := shared.ParseNodeID(record.ID)
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "snapshot node")
		}
		var embedding shared.Vector
		if len(record.Embedding) > 0 {
			embedding, err = shared.NewVector(record.Embedding, s.cfg.Dimension)
			if err != nil {
				return nil, nil, nil, errors.Wrap(err, "snapshot embedding")
			}
		}
		n, err := node.ReconstructNode(
			id, record.Content, shared.NodeType(record.Type), record.Metadata,
			embedding, record.CreatedAt, record.LastAccessedAt,
			record.AccessCount, record.Importance,
		)
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "snapshot node")
		}
		if err := newContent.Restore(n); err != nil {
			return nil, nil, nil, err
		}
		newGraph.AddNode(id)
		if n.HasEmbedding() {
			if err := newVectors.Upsert(id, n.Embedding()); err != nil {
				return nil, nil, nil, err
			}
		}
	}

	for _, record := range file.Edges {
		edgeID, err := shared.ParseEdgeID(record.ID)
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "snapshot edge")
		}
		source, err := shared.ParseNodeID(record.Source)
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "snapshot edge source")
		}
		target, err := shared.ParseNodeID(record.Target)
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "snapshot edge target")
		}
		e, err := edge.ReconstructEdge(edgeID, source, target, record.Weight, record.RelationshipType, record.Directed, record.CreatedAt)
		if err != nil {
			return nil, nil, nil, errors.Wrap(err, "snapshot edge")
		}
		if err := newGraph.Restore(e); err != nil {
			return nil, nil, nil, err
		}
	}

	newVectors.Rebuild()
	return newContent, newGraph, newVectors, nil
}

func decodeSnapshot(data []byte, file *snapshotFile) error {
	gz, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return errors.NewValidation("snapshot is not gzip-compressed: %v", err)
	}
	defer gz.Close()

	raw, err := io.ReadAll(gz)
	if err != nil {
		return errors.NewValidation("snapshot decompression failed: %v", err)
	}
	if err := json.Unmarshal(raw, file); err != nil {
		return errors.NewValidation("snapshot is not valid JSON: %v", err)
	}
	return nil
}
