// Package engine composes the forge components into one runnable unit:
// graph store, event bus, overlay registry, cascade pipeline, query cache,
// partitioning, semantic detection, federation, and lineage tiering. The
// HTTP layer talks to the engine; the engine talks to everything else.
package engine

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/SunFlash12/ForgeV3-sub007/internal/bus"
	"github.com/SunFlash12/ForgeV3-sub007/internal/cache"
	"github.com/SunFlash12/ForgeV3-sub007/internal/cascade"
	"github.com/SunFlash12/ForgeV3-sub007/internal/config"
	"github.com/SunFlash12/ForgeV3-sub007/internal/federation"
	"github.com/SunFlash12/ForgeV3-sub007/internal/integrity"
	"github.com/SunFlash12/ForgeV3-sub007/internal/lineage"
	"github.com/SunFlash12/ForgeV3-sub007/internal/metrics"
	"github.com/SunFlash12/ForgeV3-sub007/internal/overlay"
	"github.com/SunFlash12/ForgeV3-sub007/internal/partition"
	"github.com/SunFlash12/ForgeV3-sub007/internal/semantic"
	"github.com/SunFlash12/ForgeV3-sub007/internal/store"
	"github.com/SunFlash12/ForgeV3-sub007/internal/store/postgres"
	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

// Engine is the composition root. Optional components are nil when their
// feature toggle is off; callers check before use.
type Engine struct {
	cfg    *config.Config
	logger *zap.Logger

	Metrics  *metrics.Metrics
	Store    store.GraphStore
	Bus      *bus.Bus
	Overlays *overlay.Registry
	Pipeline *cascade.Pipeline
	Cache    *cache.Cache       // nil when caching is off
	Manager  *partition.Manager // nil when partitioning is off
	Router   *partition.Router
	Executor *partition.Executor
	Detector *semantic.Detector  // embedding always on; LLM classification gated
	Fed      *federation.Service // nil when federation is off
	Tiers    *lineage.Tiers

	keypair *integrity.Keypair
	cold    lineage.ColdStore

	janitor  *cascade.Janitor
	migrator *lineage.Migrator

	mu        sync.Mutex
	lastPush  time.Time
	startedAt time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
	unsubs []func()
}

// New builds an engine from config. Nothing runs until Start.
func New(ctx context.Context, cfg *config.Config, logger *zap.Logger) (*Engine, error) {
	m := metrics.New()

	var st store.GraphStore
	switch cfg.Store.Backend {
	case "", "memory":
		st = store.NewMemory()
	case "postgres":
		pg, err := postgres.New(ctx, cfg.Store.PostgresURI, logger)
		if err != nil {
			return nil, err
		}
		st = pg
	default:
		return nil, models.NewError(models.KindConfig, "unknown store backend %q", cfg.Store.Backend)
	}

	kp, err := loadKeypair(cfg.Federation.KeySeed)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		cfg:     cfg,
		logger:  logger.Named("engine"),
		Metrics: m,
		Store:   st,
		Bus:     bus.New(logger, m, 256, 16),
		keypair: kp,
	}

	e.Overlays = overlay.NewRegistry(logger)
	for _, o := range []overlay.Overlay{
		&overlay.TrustGuard{MinTrust: 20},
		&overlay.EmbeddingBackfill{},
		&overlay.TagPolicy{},
		&overlay.DepthAudit{MaxDepth: 12},
	} {
		if err := e.Overlays.Register(o); err != nil {
			return nil, err
		}
		if err := e.Overlays.Activate(o.OverlayID()); err != nil {
			return nil, err
		}
	}
	e.Pipeline = cascade.NewPipeline(logger, m, st, e.Overlays, e.Bus,
		cfg.Cascade.FanOut, cfg.Cascade.DefaultMaxHops)
	e.janitor = cascade.NewJanitor(logger, st,
		time.Duration(cfg.Cascade.JanitorIntervalSec)*time.Second, cfg.Cascade.RetentionDays)

	if cfg.Features.EnableCaching {
		e.Cache = cache.New(logger, m, cache.Options{
			MaxEntries:    cfg.Cache.MaxEntries,
			MaxValueBytes: cfg.Cache.MaxValueBytes,
			LineageTTL:    time.Duration(cfg.Cache.LineageTTLSec) * time.Second,
			SearchTTL:     time.Duration(cfg.Cache.SearchTTLSec) * time.Second,
			GeneralTTL:    time.Duration(cfg.Cache.GeneralTTLSec) * time.Second,
			Strategy:      cache.Strategy(cfg.Cache.Strategy),
			DebounceWin:   time.Duration(cfg.Cache.DebounceWindowMS) * time.Millisecond,
		})
	}

	if cfg.Features.EnablePartitioning {
		e.Manager = partition.NewManager(logger, m, st, cfg.Partition.MaxCapsules,
			cfg.Partition.RebalanceThreshold,
			time.Duration(cfg.Partition.RebalanceIntervalSec)*time.Second)
		if err := e.Manager.Load(ctx); err != nil {
			return nil, err
		}
		e.Router = partition.NewRouter(e.Manager)
		e.Executor = partition.NewExecutor(logger, m, e.partitionQuery,
			cfg.Partition.MaxParallel,
			time.Duration(cfg.Partition.QueryTimeoutSec)*time.Second)
	}

	emb, err := semantic.NewHashEmbedder(cfg.Semantic.EmbeddingDim, 2048)
	if err != nil {
		return nil, err
	}
	var cls semantic.Classifier
	if cfg.Features.EnableSemanticDetection {
		cls = semantic.NewAnthropicClassifier(cfg.Semantic.AnthropicModel,
			cfg.Semantic.MaxTokens, os.Getenv("ANTHROPIC_API_KEY"))
	}
	e.Detector = semantic.NewDetector(logger, m, st, emb, cls, semantic.Options{
		SimilarityThreshold: cfg.Semantic.SimilarityThreshold,
		ConfidenceThreshold: cfg.Semantic.ConfidenceThreshold,
		MaxCandidates:       cfg.Semantic.MaxCandidates,
		EnabledTypes:        relationshipTypes(cfg.Semantic.EnabledTypes),
	})

	if cfg.Lineage.RedisAddr != "" {
		e.cold = lineage.NewRedisCold(cfg.Lineage.RedisAddr, cfg.Lineage.RedisKeyPrefix)
	} else {
		e.cold = lineage.NewMemoryCold()
	}
	e.Tiers = lineage.NewTiers(logger, m, cfg.Lineage, e.cold)
	e.migrator = lineage.NewMigrator(logger, e.Tiers,
		time.Duration(cfg.Lineage.MigrateIntervalSec)*time.Second)

	if cfg.Features.EnableFederation {
		identity := federation.Identity{
			InstanceID:   integrity.FormatKeyFingerprint(kp.Public),
			InstanceName: cfg.Federation.InstanceName,
			Keypair:      kp,
		}
		peers := federation.NewRegistry(logger)
		for _, pc := range cfg.Federation.Peers {
			peers.Upsert(models.Peer{
				InstanceID:   pc.Name,
				InstanceName: pc.Name,
				URL:          pc.URL,
				PublicKey:    pc.PublicKey,
				SupportsPush: true,
				SupportsPull: true,
				Status:       models.PeerActive,
			})
		}
		client := federation.NewClient(logger, m, identity)
		e.Fed = federation.NewService(logger, m, st, identity, peers, client)
	}

	return e, nil
}

// Start wires event subscriptions and launches the background loops. The
// engine runs until ctx is cancelled or Stop is called.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.startedAt = time.Now().UTC()
	e.mu.Lock()
	e.lastPush = e.startedAt
	e.mu.Unlock()

	e.unsubs = append(e.unsubs,
		e.Bus.Subscribe("engine.cascade", e.onCapsuleEvent,
			bus.CapsuleCreated, bus.CapsuleUpdated),
		e.Bus.Subscribe("engine.lineage", e.onLineageEvent,
			bus.CapsuleCreated, bus.CapsuleUpdated, bus.CapsuleDeleted),
	)
	if e.Cache != nil {
		e.unsubs = append(e.unsubs, e.Cache.Subscribe(e.Bus))
	}

	e.loop(func() { e.janitor.Run(ctx) })
	e.loop(func() { e.migrator.Run(ctx) })
	if e.Manager != nil {
		e.loop(func() { e.Manager.Run(ctx) })
	}
	if e.Fed != nil {
		interval := time.Duration(e.cfg.Federation.HealthIntervalSec) * time.Second
		e.loop(func() { e.Fed.Peers().Monitor(ctx, e.Fed.Client(), interval) })
		if e.cfg.Federation.PushChanges {
			e.loop(func() { e.pushLoop(ctx) })
		}
	}
	e.logger.Info("engine started",
		zap.String("store", e.cfg.Store.Backend),
		zap.Bool("caching", e.Cache != nil),
		zap.Bool("partitioning", e.Manager != nil),
		zap.Bool("federation", e.Fed != nil))
}

// Stop cancels background work and releases resources.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	for _, unsub := range e.unsubs {
		unsub()
	}
	e.wg.Wait()
	e.Bus.Close()
	e.Overlays.StopAll(5 * time.Second)
	if err := e.cold.Close(); err != nil {
		e.logger.Warn("cold store close failed", zap.Error(err))
	}
	e.Store.Close()
	e.logger.Info("engine stopped")
}

func (e *Engine) loop(fn func()) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		fn()
	}()
}

// CreateCapsule stamps, places, persists, and announces a new capsule.
func (e *Engine) CreateCapsule(ctx context.Context, c *models.Capsule) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if !models.ValidCapsuleType(c.Type) {
		return models.NewError(models.KindConfig, "unknown capsule type %q", c.Type)
	}
	c.CreatedAt = time.Now().UTC()
	c.Version = 1
	if len(c.ParentIDs) > 0 && c.ParentMerkleRoot == "" {
		parent, err := e.Store.GetCapsule(ctx, c.ParentIDs[0])
		if err != nil {
			return err
		}
		c.ParentMerkleRoot = parent.MerkleRoot
	}
	integrity.StampCapsule(c, e.keypair)

	if e.Manager != nil {
		if _, err := e.Manager.AssignCapsule(ctx, c); err != nil {
			return err
		}
	}
	if err := e.Store.CreateCapsule(ctx, c); err != nil {
		if e.Manager != nil {
			_ = e.Manager.ReleaseCapsule(ctx, c.ID)
		}
		return err
	}
	e.Metrics.CapsulesCreated.Inc()
	e.Bus.Publish(bus.NewEvent(bus.CapsuleCreated, map[string]any{
		"capsule_id":    c.ID,
		"trust_level":   c.TrustLevel,
		"has_embedding": len(c.Embedding) > 0,
	}))
	return nil
}

// UpdateCapsule re-stamps content-bearing fields and persists at the given
// version; a stale version surfaces as a conflict from the store.
func (e *Engine) UpdateCapsule(ctx context.Context, c *models.Capsule) error {
	integrity.StampCapsule(c, e.keypair)
	if err := e.Store.UpdateCapsule(ctx, c); err != nil {
		return err
	}
	e.invalidateNow(c.ID)
	e.Bus.Publish(bus.NewEvent(bus.CapsuleUpdated, map[string]any{
		"capsule_id":  c.ID,
		"trust_level": c.TrustLevel,
	}))
	return nil
}

// DeleteCapsule removes a capsule and releases its partition slot.
func (e *Engine) DeleteCapsule(ctx context.Context, id string) error {
	if err := e.Store.DeleteCapsule(ctx, id); err != nil {
		return err
	}
	if e.Manager != nil {
		_ = e.Manager.ReleaseCapsule(ctx, id)
	}
	e.invalidateNow(id)
	e.Metrics.CapsulesDeleted.Inc()
	e.Bus.Publish(bus.NewEvent(bus.CapsuleDeleted, map[string]any{"capsule_id": id}))
	return nil
}

// invalidateNow drops cache entries inline when the strategy is immediate,
// so a read right after a mutation never serves the stale value. Debounced
// and lazy strategies stay on the bus path.
func (e *Engine) invalidateNow(id string) {
	if e.Cache != nil && e.Cache.ActiveStrategy() == cache.StrategyImmediate {
		e.Cache.InvalidateCapsule(id)
	}
}

// GetCapsule reads through the cache when one is configured.
func (e *Engine) GetCapsule(ctx context.Context, id string) (*models.Capsule, error) {
	if e.Cache == nil {
		return e.Store.GetCapsule(ctx, id)
	}
	v, err := e.Cache.GetOrCompute(ctx, cache.CapsuleKey(id), cache.QueryGeneral,
		[]string{id}, func(ctx context.Context) (any, error) {
			return e.Store.GetCapsule(ctx, id)
		})
	if err != nil {
		return nil, err
	}
	return v.(*models.Capsule), nil
}

// Lineage returns a capsule's ancestry up to depth, cached under the
// lineage TTL class.
func (e *Engine) Lineage(ctx context.Context, id string, depth int) ([]*models.Capsule, error) {
	compute := func(ctx context.Context) (any, error) {
		return e.Store.Ancestors(ctx, id, depth)
	}
	if e.Cache == nil {
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		return v.([]*models.Capsule), nil
	}
	v, err := e.Cache.GetOrCompute(ctx, cache.LineageKey(id, depth), cache.QueryLineage,
		[]string{id}, compute)
	if err != nil {
		return nil, err
	}
	return v.([]*models.Capsule), nil
}

// VerifyLineage recomputes the hash and merkle links from the capsule's
// deepest known ancestor down to the capsule itself.
func (e *Engine) VerifyLineage(ctx context.Context, id string) (bool, string, error) {
	c, err := e.Store.GetCapsule(ctx, id)
	if err != nil {
		return false, "", err
	}
	ancestors, err := e.Store.Ancestors(ctx, id, 0)
	if err != nil {
		return false, "", err
	}
	// Ancestors arrive nearest-first; VerifyChain wants root..leaf.
	chain := make([]*models.Capsule, 0, len(ancestors)+1)
	for i := len(ancestors) - 1; i >= 0; i-- {
		chain = append(chain, ancestors[i])
	}
	chain = append(chain, c)
	ok, firstBad := integrity.VerifyChain(chain)
	return ok, firstBad, nil
}

// Search embeds the query text and runs KNN against the store, cached with
// the caller's trust folded into the key.
func (e *Engine) Search(ctx context.Context, query string, limit, trust int) ([]store.Scored, error) {
	if limit < 1 || limit > 100 {
		limit = 10
	}
	compute := func(ctx context.Context) (any, error) {
		vec, err := e.Detector.Embed(ctx, query)
		if err != nil {
			return nil, err
		}
		return e.Store.FindSimilar(ctx, vec, limit, e.cfg.Semantic.SimilarityThreshold)
	}
	if e.Cache == nil {
		v, err := compute(ctx)
		if err != nil {
			return nil, err
		}
		return v.([]store.Scored), nil
	}
	key := cache.SearchKey(cache.Fingerprint("search",
		map[string]any{"q": query, "limit": limit}, trust))
	v, err := e.Cache.GetOrCompute(ctx, key, cache.QuerySearch, nil, compute)
	if err != nil {
		return nil, err
	}
	return v.([]store.Scored), nil
}

// Query routes by predicates and fans out across the routed partitions.
// Without partitioning it degrades to a direct store query.
func (e *Engine) Query(ctx context.Context, q store.Query, preds partition.Predicates,
	mode models.AggregationMode) (*models.CrossPartitionResult, error) {

	if e.Manager == nil {
		started := time.Now()
		rows, err := e.Store.RunQuery(ctx, q)
		if err != nil {
			return nil, err
		}
		return &models.CrossPartitionResult{
			Rows:            rows,
			PartitionsTotal: 1,
			PartitionsOK:    1,
			ElapsedMS:       time.Since(started).Milliseconds(),
		}, nil
	}
	route := e.Router.Route(preds)
	return e.Executor.Execute(ctx, route.PartitionIDs, q, mode, 0), nil
}

// partitionQuery is the executor's per-partition read: the store runs the
// query, then rows assigned elsewhere are dropped. Rows with no assignment
// surface from every partition; aggregation dedupes them.
func (e *Engine) partitionQuery(ctx context.Context, partitionID string, q store.Query) ([]map[string]any, error) {
	rows, err := e.Store.RunQuery(ctx, q)
	if err != nil {
		return nil, err
	}
	out := rows[:0]
	for _, row := range rows {
		id, _ := row["id"].(string)
		if id == "" {
			id, _ = row["capsule_id"].(string)
		}
		if id != "" {
			if assigned, ok := e.Manager.PartitionFor(id); ok && assigned != partitionID {
				continue
			}
		}
		out = append(out, row)
	}
	return out, nil
}

// Status summarizes the engine for the status endpoint.
func (e *Engine) Status(ctx context.Context) map[string]any {
	capsules, edges, err := e.Store.Counts(ctx)
	if err != nil {
		e.logger.Warn("counting graph failed", zap.Error(err))
	}
	status := map[string]any{
		"uptime_sec": int(time.Since(e.startedAt).Seconds()),
		"capsules":   capsules,
		"edges":      edges,
		"overlays":   len(e.Overlays.List()),
		"features": map[string]bool{
			"caching":            e.Cache != nil,
			"partitioning":       e.Manager != nil,
			"federation":         e.Fed != nil,
			"semantic_detection": e.cfg.Features.EnableSemanticDetection,
		},
		"lineage_tiers": e.Tiers.Counts(),
	}
	if e.Manager != nil {
		status["partitions"] = len(e.Manager.List())
	}
	if e.Fed != nil {
		status["peers"] = len(e.Fed.Peers().List())
	}
	return status
}

// onCapsuleEvent turns capsule writes into cascades and, for fresh
// capsules, kicks the semantic detector.
func (e *Engine) onCapsuleEvent(ctx context.Context, ev bus.Event) {
	id, _ := ev.Payload["capsule_id"].(string)
	if id == "" {
		return
	}
	insightType := "capsule_created"
	if ev.Type == bus.CapsuleUpdated {
		insightType = "capsule_updated"
	}
	data := map[string]any{"capsule_id": id}
	for k, v := range ev.Payload {
		data[k] = v
	}
	if _, err := e.Pipeline.Trigger(ctx, cascade.Insight{
		SourceOverlay: "capsule_store",
		InsightType:   insightType,
		InsightData:   data,
		CorrelationID: ev.CorrelationID,
	}); err != nil {
		e.logger.Warn("cascade trigger failed", zap.String("capsule_id", id), zap.Error(err))
	}

	if ev.Type == bus.CapsuleCreated && e.cfg.Features.EnableSemanticDetection {
		if _, err := e.Detector.AnalyzeCapsule(ctx, id); err != nil {
			e.logger.Warn("semantic analysis failed", zap.String("capsule_id", id), zap.Error(err))
		}
	}
}

// onLineageEvent mirrors capsule writes into the tier store.
func (e *Engine) onLineageEvent(ctx context.Context, ev bus.Event) {
	id, _ := ev.Payload["capsule_id"].(string)
	if id == "" {
		return
	}
	if ev.Type == bus.CapsuleDeleted {
		if err := e.Tiers.Delete(ctx, id); err != nil {
			e.logger.Warn("lineage delete failed", zap.String("capsule_id", id), zap.Error(err))
		}
		return
	}
	c, err := e.Store.GetCapsule(ctx, id)
	if err != nil {
		e.logger.Warn("lineage read-back failed", zap.String("capsule_id", id), zap.Error(err))
		return
	}
	data := map[string]any{
		"title":        c.Title,
		"content_hash": c.ContentHash,
		"merkle_root":  c.MerkleRoot,
		"trust_level":  c.TrustLevel,
		"tags":         strings.Join(c.Tags, ","),
		"version":      c.Version,
	}
	if ev.Type == bus.CapsuleCreated {
		err = e.Tiers.Put(ctx, id, data, c.TrustLevel)
	} else {
		err = e.Tiers.Update(ctx, id, data, c.TrustLevel)
	}
	if err != nil {
		e.logger.Warn("lineage tier write failed", zap.String("capsule_id", id), zap.Error(err))
	}
}

// pushLoop periodically pushes accumulated changes to push-capable peers.
func (e *Engine) pushLoop(ctx context.Context) {
	interval := time.Duration(e.cfg.Federation.HealthIntervalSec) * time.Second
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.mu.Lock()
			since := e.lastPush
			e.lastPush = time.Now().UTC()
			e.mu.Unlock()
			e.Fed.PushDelta(ctx, since)
		}
	}
}

func loadKeypair(seedHex string) (*integrity.Keypair, error) {
	if seedHex == "" {
		return integrity.GenerateKeypair()
	}
	return integrity.KeypairFromSeed(seedHex)
}

func relationshipTypes(names []string) []models.RelationshipType {
	out := make([]models.RelationshipType, 0, len(names))
	for _, n := range names {
		out = append(out, models.RelationshipType(strings.ToUpper(strings.TrimSpace(n))))
	}
	return out
}

// Uptime is used by handlers that report liveness.
func (e *Engine) Uptime() time.Duration { return time.Since(e.startedAt) }

// InstanceLabel names this node in logs and status output.
func (e *Engine) InstanceLabel() string {
	if e.Fed != nil {
		return e.Fed.Identity().InstanceName
	}
	return fmt.Sprintf("forge-%s", integrity.FormatKeyFingerprint(e.keypair.Public))
}
