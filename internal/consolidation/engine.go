package consolidation

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"cortex-engine/internal/domain/shared"
	"cortex-engine/internal/errors"
)

// MergePolicy decides the surviving content when two near-duplicate nodes
// are merged. Callers plug their own (e.g. LLM summarization); the default
// concatenates.
type MergePolicy func(survivor, consumed string) string

// ConcatMergePolicy is the default: it appends the consumed content to the
// survivor with a separator.
func ConcatMergePolicy(survivor, consumed string) string {
	return survivor + "\n\n" + consumed
}

// Config holds the consolidation knobs.
type Config struct {
	// Capacity is the target live-node count after a pass.
	Capacity int
	// MergeThreshold is the minimum cosine similarity for a merge pair.
	MergeThreshold float64
	// KeepDistinctThreshold: pairs whose combined importance is at or
	// above this value stay distinct even when nearly identical.
	KeepDistinctThreshold float64
	// HalfLife for the recency decay signal.
	HalfLife time.Duration
	// Weights for the importance score.
	Weights Weights
}

// DefaultConfig returns the documented defaults.
func DefaultConfig(capacity int) Config {
	return Config{
		Capacity:              capacity,
		MergeThreshold:        0.95,
		KeepDistinctThreshold: 1.0,
		HalfLife:              DefaultHalfLife,
		Weights:               DefaultWeights(),
	}
}

// Report summarizes a consolidation pass.
type Report struct {
	Rescored int           `json:"rescored"`
	Merged   int           `json:"merged"`
	Pruned   int           `json:"pruned"`
	Duration time.Duration `json:"duration"`
}

// NodeView is the scoring snapshot of one node, copied out of the store
// under a read lock so the pass never holds the store lock while computing.
type NodeView struct {
	ID             shared.NodeID
	Type           shared.NodeType
	Embedding      shared.Vector
	LastAccessedAt time.Time
	AccessCount    uint64
	Degree         int
}

// Target is the mutation surface the engine needs from the store. The store
// implements each method as a short, independently-locked critical section,
// so a running pass never stalls ordinary reads and writes for its full
// duration.
type Target interface {
	// ScoringSnapshot returns a consistent view of all live nodes.
	ScoringSnapshot() []NodeView
	// ApplyScore records a recomputed importance on a live node. Nodes
	// deleted since the snapshot are skipped silently.
	ApplyScore(id shared.NodeID, score float64)
	// MergeNodes folds consumed into survivor using the given policy and
	// returns false if either node disappeared since the snapshot.
	MergeNodes(survivor, consumed shared.NodeID, policy MergePolicy) (bool, error)
	// PruneNode removes a node and cascades to edges and vectors.
	// Returns false if the node disappeared since the snapshot.
	PruneNode(id shared.NodeID) (bool, error)
	// LiveCount returns the current live-node count.
	LiveCount() int
}

// Engine runs consolidation passes with a single-flight guard: a second
// Consolidate call while one is running is rejected, not queued.
type Engine struct {
	mu     sync.RWMutex
	cfg    Config
	scorer *Scorer

	policy MergePolicy
	logger *zap.Logger

	// token is held for the duration of a pass.
	token chan struct{}
}

// NewEngine creates a consolidation engine. A nil policy selects
// ConcatMergePolicy; a nil logger selects zap.NewNop.
func NewEngine(cfg Config, policy MergePolicy, logger *zap.Logger) (*Engine, error) {
	scorer, err := NewScorer(cfg.Weights, cfg.HalfLife)
	if err != nil {
		return nil, err
	}
	if cfg.MergeThreshold <= 0 || cfg.MergeThreshold > 1 {
		return nil, errors.NewValidation("merge threshold must be in (0, 1], got %v", cfg.MergeThreshold)
	}
	if policy == nil {
		policy = ConcatMergePolicy
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		cfg:    cfg,
		scorer: scorer,
		policy: policy,
		logger: logger,
		token:  make(chan struct{}, 1),
	}
	e.token <- struct{}{}
	return e, nil
}

// Scorer exposes the engine's scorer for importance seeding on read paths.
func (e *Engine) Scorer() *Scorer {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.scorer
}

// UpdateTuning swaps the runtime-tunable knobs. Capacity is kept from the
// original configuration; a pass already in flight finishes with the values
// it started with.
func (e *Engine) UpdateTuning(cfg Config) error {
	scorer, err := NewScorer(cfg.Weights, cfg.HalfLife)
	if err != nil {
		return err
	}
	if cfg.MergeThreshold <= 0 || cfg.MergeThreshold > 1 {
		return errors.NewValidation("merge threshold must be in (0, 1], got %v", cfg.MergeThreshold)
	}

	e.mu.Lock()
	cfg.Capacity = e.cfg.Capacity
	e.cfg = cfg
	e.scorer = scorer
	e.mu.Unlock()

	e.logger.Info("consolidation tuning updated",
		zap.Float64("merge_threshold", cfg.MergeThreshold),
		zap.Duration("half_life", cfg.HalfLife))
	return nil
}

// snapshotTuning copies the knobs a pass will use for its whole duration.
func (e *Engine) snapshotTuning() (Config, *Scorer) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg, e.scorer
}

// Running reports whether a pass currently holds the single-flight token.
func (e *Engine) Running() bool {
	return len(e.token) == 0
}

// Consolidate runs one full pass: rescore, merge, prune. It is cancellable
// between nodes via ctx and returns ConsolidationInProgress when another
// pass holds the token.
func (e *Engine) Consolidate(ctx context.Context, target Target) (Report, error) {
	select {
	case <-e.token:
	default:
		return Report{}, errors.NewConsolidationInProgress()
	}
	defer func() { e.token <- struct{}{} }()

	started := time.Now()
	var report Report
	cfg, scorer := e.snapshotTuning()

	snapshot := target.ScoringSnapshot()
	scores, err := e.rescore(ctx, target, scorer, snapshot, &report)
	if err != nil {
		return report, err
	}
	if err := e.merge(ctx, target, cfg, snapshot, scores, &report); err != nil {
		return report, err
	}
	if err := e.prune(ctx, target, cfg, scores, &report); err != nil {
		return report, err
	}

	report.Duration = time.Since(started)
	e.logger.Info("consolidation pass complete",
		zap.Int("rescored", report.Rescored),
		zap.Int("merged", report.Merged),
		zap.Int("pruned", report.Pruned),
		zap.Duration("duration", report.Duration))
	return report, nil
}

// rescore recomputes every live node's importance from the snapshot.
func (e *Engine) rescore(ctx context.Context, target Target, scorer *Scorer, snapshot []NodeView, report *Report) (map[string]float64, error) {
	maxDegree := 0
	for _, v := range snapshot {
		if v.Degree > maxDegree {
			maxDegree = v.Degree
		}
	}

	now := time.Now()
	scores := make(map[string]float64, len(snapshot))
	for _, v := range snapshot {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "consolidation cancelled during rescoring")
		}
		score := scorer.Score(v.LastAccessedAt, v.AccessCount, v.Degree, maxDegree, now)
		scores[v.ID.String()] = score
		target.ApplyScore(v.ID, score)
		report.Rescored++
	}
	return scores, nil
}

// merge folds pairs of same-type near-duplicates whose combined importance
// is below the keep-distinct threshold. Merge similarity is always cosine,
// independent of the search metric: "near duplicate" is a semantic judgment,
// not a ranking one.
func (e *Engine) merge(ctx context.Context, target Target, cfg Config, snapshot []NodeView, scores map[string]float64, report *Report) error {
	byType := make(map[shared.NodeType][]NodeView)
	for _, v := range snapshot {
		if v.Embedding.IsZero() {
			continue
		}
		byType[v.Type] = append(byType[v.Type], v)
	}

	consumed := make(map[string]struct{})
	for _, group := range byType {
		// Sorted ids keep the pairing order, and therefore the pass
		// outcome, deterministic.
		sort.Slice(group, func(i, j int) bool { return group[i].ID.Less(group[j].ID) })

		for i := 0; i < len(group); i++ {
			if _, gone := consumed[group[i].ID.String()]; gone {
				continue
			}
			for j := i + 1; j < len(group); j++ {
				if err := ctx.Err(); err != nil {
					return errors.Wrap(err, "consolidation cancelled during merging")
				}
				if _, gone := consumed[group[j].ID.String()]; gone {
					continue
				}
				combined := scores[group[i].ID.String()] + scores[group[j].ID.String()]
				if combined >= cfg.KeepDistinctThreshold {
					continue
				}
				if cosineSimilarity(group[i].Embedding, group[j].Embedding) < cfg.MergeThreshold {
					continue
				}

				survivor, victim := group[i], group[j]
				if scores[victim.ID.String()] > scores[survivor.ID.String()] {
					survivor, victim = victim, survivor
				}
				ok, err := target.MergeNodes(survivor.ID, victim.ID, e.policy)
				if err != nil {
					return err
				}
				if !ok {
					continue
				}
				consumed[victim.ID.String()] = struct{}{}
				delete(scores, victim.ID.String())
				report.Merged++
				e.logger.Debug("merged near-duplicate nodes",
					zap.String("survivor", survivor.ID.String()),
					zap.String("consumed", victim.ID.String()))
				if victim.ID.Equals(group[i].ID) {
					break // survivor at j; stop extending i's row
				}
			}
		}
	}
	return nil
}

// prune removes the lowest-importance nodes until the live count is back at
// or below capacity.
func (e *Engine) prune(ctx context.Context, target Target, cfg Config, scores map[string]float64, report *Report) error {
	if cfg.Capacity <= 0 {
		return nil
	}
	excess := target.LiveCount() - cfg.Capacity
	if excess <= 0 {
		return nil
	}

	type scored struct {
		id    string
		score float64
	}
	ranked := make([]scored, 0, len(scores))
	for id, score := range scores {
		ranked = append(ranked, scored{id: id, score: score})
	}
	sort.Slice(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score < ranked[j].score
		}
		return ranked[i].id < ranked[j].id
	})

	for _, candidate := range ranked {
		if excess <= 0 {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "consolidation cancelled during pruning")
		}
		id, err := shared.ParseNodeID(candidate.id)
		if err != nil {
			return errors.NewIndexCorruption("malformed node id %q in scoring snapshot", candidate.id)
		}
		ok, err := target.PruneNode(id)
		if err != nil {
			return err
		}
		if ok {
			excess--
			report.Pruned++
			e.logger.Debug("pruned low-importance node",
				zap.String("node", candidate.id),
				zap.Float64("score", candidate.score))
		}
	}
	return nil
}

func cosineSimilarity(a, b shared.Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		normA += x * x
		normB += y * y
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
