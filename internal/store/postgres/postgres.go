// Package postgres implements the graph store on PostgreSQL via pgxpool.
// Semantics mirror the in-memory store exactly so the two backends are
// interchangeable behind the store.GraphStore port.
package postgres

import (
	"context"
	_ "embed"
	"errors"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/SunFlash12/ForgeV3-sub007/internal/store"
	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

//go:embed schema.sql
var schemaSQL string

const capsuleCols = `id, content_hash, COALESCE(signature, ''), COALESCE(merkle_root, ''),
	title, content, COALESCE(content_type, ''), capsule_type, tags, trust_level,
	parent_ids, COALESCE(parent_merkle_root, ''), embedding, created_by,
	created_at, updated_at, version`

// Store is the PostgreSQL-backed GraphStore.
type Store struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

// New connects to the database and verifies the connection.
func New(ctx context.Context, uri string, log *zap.Logger) (*Store, error) {
	pool, err := pgxpool.New(ctx, uri)
	if err != nil {
		return nil, models.WrapError(models.KindStoreTransient, err, "connect postgres")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, models.WrapError(models.KindStoreTransient, err, "ping postgres")
	}
	log.Info("postgres connected")
	return &Store{pool: pool, log: log}, nil
}

// InitSchema creates all tables and indexes if they do not exist yet.
func (s *Store) InitSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return models.WrapError(models.KindStoreTransient, err, "init schema")
	}
	s.log.Info("postgres schema ready")
	return nil
}

// mapErr translates driver errors into the store error taxonomy.
func mapErr(err error, op string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return models.WrapError(models.KindStoreNotFound, err, "%s", op)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return models.WrapError(models.KindStoreConflict, err, "%s", op)
		case pgErr.Code == "23503":
			return models.WrapError(models.KindStoreNotFound, err, "%s", op)
		case pgErr.Code == "40001" || pgErr.Code == "40P01" || strings.HasPrefix(pgErr.Code, "08"):
			return models.WrapError(models.KindStoreTransient, err, "%s", op)
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return models.WrapError(models.KindStoreTransient, err, "%s", op)
	}
	return models.WrapError(models.KindStoreTransient, err, "%s", op)
}

func scanCapsule(row pgx.Row) (*models.Capsule, error) {
	var (
		c     models.Capsule
		ctype string
	)
	err := row.Scan(&c.ID, &c.ContentHash, &c.Signature, &c.MerkleRoot,
		&c.Title, &c.Content, &c.ContentType, &ctype, &c.Tags, &c.TrustLevel,
		&c.ParentIDs, &c.ParentMerkleRoot, &c.Embedding, &c.CreatedBy,
		&c.CreatedAt, &c.UpdatedAt, &c.Version)
	if err != nil {
		return nil, err
	}
	c.Type = models.CapsuleType(ctype)
	return &c, nil
}

func collectCapsules(rows pgx.Rows) ([]*models.Capsule, error) {
	defer rows.Close()
	var out []*models.Capsule
	for rows.Next() {
		c, err := scanCapsule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func orEmpty(ss []string) []string {
	if ss == nil {
		return []string{}
	}
	return ss
}

func (s *Store) CreateCapsule(ctx context.Context, c *models.Capsule) error {
	if c.ID == "" {
		return models.NewError(models.KindStoreConflict, "capsule id required")
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	if c.Version == 0 {
		c.Version = 1
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO capsules (id, content_hash, signature, merkle_root, title, content,
			content_type, capsule_type, tags, trust_level, parent_ids,
			parent_merkle_root, embedding, created_by, created_at, updated_at, version)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)`,
		c.ID, c.ContentHash, c.Signature, c.MerkleRoot, c.Title, c.Content,
		c.ContentType, string(c.Type), orEmpty(c.Tags), c.TrustLevel, orEmpty(c.ParentIDs),
		c.ParentMerkleRoot, c.Embedding, c.CreatedBy, c.CreatedAt, c.UpdatedAt, c.Version)
	if err != nil {
		return mapErr(err, "create capsule")
	}
	return nil
}

func (s *Store) UpdateCapsule(ctx context.Context, c *models.Capsule) error {
	now := time.Now().UTC()
	tag, err := s.pool.Exec(ctx, `
		UPDATE capsules SET content_hash = $3, signature = $4, merkle_root = $5,
			title = $6, content = $7, content_type = $8, capsule_type = $9,
			tags = $10, trust_level = $11, parent_ids = $12, parent_merkle_root = $13,
			embedding = $14, created_by = $15, updated_at = $16, version = version + 1
		WHERE id = $1 AND version = $2`,
		c.ID, c.Version, c.ContentHash, c.Signature, c.MerkleRoot,
		c.Title, c.Content, c.ContentType, string(c.Type),
		orEmpty(c.Tags), c.TrustLevel, orEmpty(c.ParentIDs), c.ParentMerkleRoot,
		c.Embedding, c.CreatedBy, now)
	if err != nil {
		return mapErr(err, "update capsule")
	}
	if tag.RowsAffected() == 0 {
		var stored int
		err := s.pool.QueryRow(ctx, `SELECT version FROM capsules WHERE id = $1`, c.ID).Scan(&stored)
		if errors.Is(err, pgx.ErrNoRows) {
			return models.NewError(models.KindStoreNotFound, "capsule %s not found", c.ID)
		}
		if err != nil {
			return mapErr(err, "update capsule")
		}
		return models.NewError(models.KindStoreConflict,
			"capsule %s version %d does not match stored %d", c.ID, c.Version, stored)
	}
	c.Version++
	c.UpdatedAt = &now
	return nil
}

func (s *Store) DeleteCapsule(ctx context.Context, id string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapErr(err, "delete capsule")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `SELECT id FROM edges WHERE source_id = $1 OR target_id = $1 ORDER BY id`, id)
	if err != nil {
		return mapErr(err, "delete capsule")
	}
	var edgeIDs []string
	for rows.Next() {
		var eid string
		if err := rows.Scan(&eid); err != nil {
			rows.Close()
			return mapErr(err, "delete capsule")
		}
		edgeIDs = append(edgeIDs, eid)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return mapErr(err, "delete capsule")
	}

	tag, err := tx.Exec(ctx, `DELETE FROM capsules WHERE id = $1`, id)
	if err != nil {
		return mapErr(err, "delete capsule")
	}
	if tag.RowsAffected() == 0 {
		return models.NewError(models.KindStoreNotFound, "capsule %s not found", id)
	}

	now := time.Now().UTC()
	if _, err := tx.Exec(ctx,
		`INSERT INTO deletions (kind, entity_id, deleted_at) VALUES ('capsule', $1, $2)`, id, now); err != nil {
		return mapErr(err, "delete capsule")
	}
	for _, eid := range edgeIDs {
		if _, err := tx.Exec(ctx,
			`INSERT INTO deletions (kind, entity_id, deleted_at) VALUES ('edge', $1, $2)`, eid, now); err != nil {
			return mapErr(err, "delete capsule")
		}
	}
	if _, err := tx.Exec(ctx, `DELETE FROM partition_assignments WHERE capsule_id = $1`, id); err != nil {
		return mapErr(err, "delete capsule")
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr(err, "delete capsule")
	}
	return nil
}

func (s *Store) GetCapsule(ctx context.Context, id string) (*models.Capsule, error) {
	c, err := scanCapsule(s.pool.QueryRow(ctx,
		`SELECT `+capsuleCols+` FROM capsules WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.NewError(models.KindStoreNotFound, "capsule %s not found", id)
	}
	if err != nil {
		return nil, mapErr(err, "get capsule")
	}
	return c, nil
}

func (s *Store) FindSimilar(ctx context.Context, embedding []float32, k int, minSim float64) ([]store.Scored, error) {
	if k < 1 || len(embedding) == 0 {
		return nil, nil
	}
	// Stream (id, embedding) pairs and keep scores; only the winners are
	// fetched in full afterwards.
	rows, err := s.pool.Query(ctx, `SELECT id, embedding FROM capsules WHERE embedding IS NOT NULL`)
	if err != nil {
		return nil, mapErr(err, "find similar")
	}
	type hit struct {
		id  string
		sim float64
	}
	var hits []hit
	for rows.Next() {
		var (
			id  string
			emb []float32
		)
		if err := rows.Scan(&id, &emb); err != nil {
			rows.Close()
			return nil, mapErr(err, "find similar")
		}
		if len(emb) != len(embedding) {
			continue
		}
		sim := cosine(embedding, emb)
		if sim < minSim {
			continue
		}
		hits = append(hits, hit{id: id, sim: sim})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, mapErr(err, "find similar")
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].sim != hits[j].sim {
			return hits[i].sim > hits[j].sim
		}
		return hits[i].id < hits[j].id
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.id
	}
	capRows, err := s.pool.Query(ctx, `SELECT `+capsuleCols+` FROM capsules WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, mapErr(err, "find similar")
	}
	capsules, err := collectCapsules(capRows)
	if err != nil {
		return nil, mapErr(err, "find similar")
	}
	byID := make(map[string]*models.Capsule, len(capsules))
	for _, c := range capsules {
		byID[c.ID] = c
	}
	out := make([]store.Scored, 0, len(hits))
	for _, h := range hits {
		if c, ok := byID[h.id]; ok {
			out = append(out, store.Scored{Capsule: c, Similarity: h.sim})
		}
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// pairKey is the logical identity of an edge. Symmetric relationships
// collapse both orientations to one key so duplicates collide.
func pairKey(e *models.SemanticEdge) string {
	if e.RelationshipType.IsSymmetric() {
		a, b := e.SourceID, e.TargetID
		if b < a {
			a, b = b, a
		}
		return a + "|" + b
	}
	return e.SourceID + ">" + e.TargetID
}

func (s *Store) CreateEdge(ctx context.Context, e *models.SemanticEdge) error {
	if !models.ValidRelationship(e.RelationshipType) {
		return models.NewError(models.KindStoreConflict, "unknown relationship type %q", e.RelationshipType)
	}
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM capsules WHERE id = $1)`, e.SourceID).Scan(&exists); err != nil {
		return mapErr(err, "create edge")
	}
	if !exists {
		return models.NewError(models.KindStoreNotFound, "edge source %s not found", e.SourceID)
	}
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM capsules WHERE id = $1)`, e.TargetID).Scan(&exists); err != nil {
		return mapErr(err, "create edge")
	}
	if !exists {
		return models.NewError(models.KindStoreNotFound, "edge target %s not found", e.TargetID)
	}

	key := pairKey(e)
	var dup string
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM edges WHERE pair_key = $1 AND relationship_type = $2`,
		key, string(e.RelationshipType)).Scan(&dup)
	if err == nil {
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return mapErr(err, "create edge")
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO edges (id, source_id, target_id, relationship_type, confidence,
			reason, auto_detected, properties, created_by, created_at, pair_key)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (pair_key, relationship_type) DO NOTHING`,
		e.ID, e.SourceID, e.TargetID, string(e.RelationshipType), e.Confidence,
		e.Reason, e.AutoDetected, e.Properties, e.CreatedBy, e.CreatedAt, key)
	if err != nil {
		return mapErr(err, "create edge")
	}
	return nil
}

func (s *Store) EdgesFor(ctx context.Context, capsuleID string) ([]models.SemanticEdge, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, source_id, target_id, relationship_type, confidence,
			COALESCE(reason, ''), auto_detected, properties, COALESCE(created_by, ''), created_at
		FROM edges
		WHERE source_id = $1 OR target_id = $1
		ORDER BY id`, capsuleID)
	if err != nil {
		return nil, mapErr(err, "edges for capsule")
	}
	defer rows.Close()

	var out []models.SemanticEdge
	for rows.Next() {
		var (
			e   models.SemanticEdge
			rel string
		)
		if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &rel, &e.Confidence,
			&e.Reason, &e.AutoDetected, &e.Properties, &e.CreatedBy, &e.CreatedAt); err != nil {
			return nil, mapErr(err, "edges for capsule")
		}
		e.RelationshipType = models.RelationshipType(rel)
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err, "edges for capsule")
	}
	return out, nil
}

func (s *Store) Ancestors(ctx context.Context, id string, maxDepth int) ([]*models.Capsule, error) {
	var parentIDs []string
	err := s.pool.QueryRow(ctx, `SELECT parent_ids FROM capsules WHERE id = $1`, id).Scan(&parentIDs)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.NewError(models.KindStoreNotFound, "capsule %s not found", id)
	}
	if err != nil {
		return nil, mapErr(err, "ancestors")
	}

	var out []*models.Capsule
	seen := map[string]bool{id: true}
	frontier := parentIDs
	for depth := 0; (maxDepth <= 0 || depth < maxDepth) && len(frontier) > 0; depth++ {
		fetch := make([]string, 0, len(frontier))
		for _, pid := range frontier {
			if !seen[pid] {
				fetch = append(fetch, pid)
			}
		}
		if len(fetch) == 0 {
			break
		}
		rows, err := s.pool.Query(ctx, `SELECT `+capsuleCols+` FROM capsules WHERE id = ANY($1)`, fetch)
		if err != nil {
			return nil, mapErr(err, "ancestors")
		}
		level, err := collectCapsules(rows)
		if err != nil {
			return nil, mapErr(err, "ancestors")
		}
		byID := make(map[string]*models.Capsule, len(level))
		for _, c := range level {
			byID[c.ID] = c
		}

		var next []string
		for _, pid := range frontier {
			if seen[pid] {
				continue
			}
			seen[pid] = true
			parent, ok := byID[pid]
			if !ok {
				continue
			}
			out = append(out, parent)
			next = append(next, parent.ParentIDs...)
		}
		frontier = next
	}
	return out, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *Store) RunQuery(ctx context.Context, q store.Query) ([]map[string]any, error) {
	limit := paramInt(q.Params, "limit", 50)
	base := `SELECT ` + capsuleCols + ` FROM capsules `

	var (
		rows pgx.Rows
		err  error
	)
	switch q.Kind {
	case store.QueryCapsuleByID:
		rows, err = s.pool.Query(ctx, base+`WHERE id = $1`, paramString(q.Params, "id"))
	case store.QueryCapsulesByTag:
		rows, err = s.pool.Query(ctx, base+`WHERE $1 = ANY(tags) ORDER BY created_at DESC, id LIMIT $2`,
			paramString(q.Params, "tag"), limit)
	case store.QueryCapsulesByOwner:
		rows, err = s.pool.Query(ctx, base+`WHERE created_by = $1 ORDER BY created_at DESC, id LIMIT $2`,
			paramString(q.Params, "user_id"), limit)
	case store.QueryCapsulesByType:
		rows, err = s.pool.Query(ctx, base+`WHERE capsule_type = $1 ORDER BY created_at DESC, id LIMIT $2`,
			paramString(q.Params, "type"), limit)
	case store.QueryRecentCapsules:
		rows, err = s.pool.Query(ctx, base+`ORDER BY created_at DESC, id LIMIT $1`, limit)
	case store.QuerySearchText:
		needle := paramString(q.Params, "q")
		if needle == "" {
			return []map[string]any{}, nil
		}
		pat := "%" + likeEscaper.Replace(needle) + "%"
		rows, err = s.pool.Query(ctx,
			base+`WHERE title ILIKE $1 OR content ILIKE $1 ORDER BY created_at DESC, id LIMIT $2`, pat, limit)
	default:
		return nil, models.NewError(models.KindStoreNotFound, "unknown query kind %q", q.Kind)
	}
	if err != nil {
		return nil, mapErr(err, "run query")
	}
	capsules, err := collectCapsules(rows)
	if err != nil {
		return nil, mapErr(err, "run query")
	}

	out := make([]map[string]any, 0, len(capsules))
	for _, c := range capsules {
		out = append(out, map[string]any{
			"id":          c.ID,
			"title":       c.Title,
			"type":        string(c.Type),
			"trust_level": c.TrustLevel,
			"tags":        append([]string(nil), c.Tags...),
			"created_by":  c.CreatedBy,
			"created_at":  c.CreatedAt,
			"version":     c.Version,
		})
	}
	return out, nil
}

func paramString(params map[string]any, key string) string {
	if v, ok := params[key].(string); ok {
		return v
	}
	return ""
}

func paramInt(params map[string]any, key string, def int) int {
	switch v := params[key].(type) {
	case int:
		if v > 0 {
			return v
		}
	case float64:
		if v > 0 {
			return int(v)
		}
	}
	return def
}

func (s *Store) SaveChain(ctx context.Context, chain *models.CascadeChain) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapErr(err, "save chain")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO cascade_chains (cascade_id, initiated_by, initiated_at, total_hops,
			overlays_affected, insights_generated, actions_triggered, errors_encountered,
			completed_at, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		chain.CascadeID, chain.InitiatedBy, chain.InitiatedAt, chain.TotalHops,
		orEmpty(chain.OverlaysAffected), chain.InsightsGenerated, chain.ActionsTriggered,
		chain.ErrorsEncountered, chain.CompletedAt, string(chain.Status))
	if err != nil {
		return mapErr(err, "save chain")
	}
	if err := insertEvents(ctx, tx, chain); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr(err, "save chain")
	}
	return nil
}

func (s *Store) UpdateChain(ctx context.Context, chain *models.CascadeChain) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapErr(err, "update chain")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE cascade_chains SET total_hops = $2, overlays_affected = $3,
			insights_generated = $4, actions_triggered = $5, errors_encountered = $6,
			completed_at = $7, status = $8
		WHERE cascade_id = $1`,
		chain.CascadeID, chain.TotalHops, orEmpty(chain.OverlaysAffected),
		chain.InsightsGenerated, chain.ActionsTriggered, chain.ErrorsEncountered,
		chain.CompletedAt, string(chain.Status))
	if err != nil {
		return mapErr(err, "update chain")
	}
	if tag.RowsAffected() == 0 {
		return models.NewError(models.KindStoreNotFound, "cascade %s not found", chain.CascadeID)
	}
	if err := insertEvents(ctx, tx, chain); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr(err, "update chain")
	}
	return nil
}

// insertEvents appends any events not yet stored. Append position is the
// persisted event order, which makes replays idempotent.
func insertEvents(ctx context.Context, tx pgx.Tx, chain *models.CascadeChain) error {
	for i, ev := range chain.Events {
		_, err := tx.Exec(ctx, `
			INSERT INTO cascade_events (event_id, cascade_id, event_order, source_overlay,
				insight_type, insight_data, hop_count, max_hops, visited_overlays,
				impact_score, event_time, correlation_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			ON CONFLICT (cascade_id, event_order) DO NOTHING`,
			ev.ID, chain.CascadeID, i, ev.SourceOverlay,
			ev.InsightType, ev.InsightData, ev.HopCount, ev.MaxHops,
			orEmpty(ev.VisitedOverlays), ev.ImpactScore, ev.Timestamp, ev.CorrelationID)
		if err != nil {
			return mapErr(err, "save chain events")
		}
	}
	return nil
}

const chainCols = `cascade_id, initiated_by, initiated_at, total_hops, overlays_affected,
	insights_generated, actions_triggered, errors_encountered, completed_at, status`

func scanChain(row pgx.Row) (*models.CascadeChain, error) {
	var (
		ch     models.CascadeChain
		status string
	)
	err := row.Scan(&ch.CascadeID, &ch.InitiatedBy, &ch.InitiatedAt, &ch.TotalHops,
		&ch.OverlaysAffected, &ch.InsightsGenerated, &ch.ActionsTriggered,
		&ch.ErrorsEncountered, &ch.CompletedAt, &status)
	if err != nil {
		return nil, err
	}
	ch.Status = models.CascadeStatus(status)
	return &ch, nil
}

func (s *Store) loadEvents(ctx context.Context, chainIDs []string) (map[string][]models.CascadeEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT cascade_id, event_id, source_overlay, insight_type, insight_data,
			hop_count, max_hops, visited_overlays, impact_score, event_time, correlation_id
		FROM cascade_events
		WHERE cascade_id = ANY($1)
		ORDER BY cascade_id, event_order`, chainIDs)
	if err != nil {
		return nil, mapErr(err, "load chain events")
	}
	defer rows.Close()

	out := make(map[string][]models.CascadeEvent)
	for rows.Next() {
		var (
			cid string
			ev  models.CascadeEvent
		)
		if err := rows.Scan(&cid, &ev.ID, &ev.SourceOverlay, &ev.InsightType, &ev.InsightData,
			&ev.HopCount, &ev.MaxHops, &ev.VisitedOverlays, &ev.ImpactScore,
			&ev.Timestamp, &ev.CorrelationID); err != nil {
			return nil, mapErr(err, "load chain events")
		}
		out[cid] = append(out[cid], ev)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err, "load chain events")
	}
	return out, nil
}

func (s *Store) GetChain(ctx context.Context, cascadeID string) (*models.CascadeChain, error) {
	ch, err := scanChain(s.pool.QueryRow(ctx,
		`SELECT `+chainCols+` FROM cascade_chains WHERE cascade_id = $1`, cascadeID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.NewError(models.KindStoreNotFound, "cascade %s not found", cascadeID)
	}
	if err != nil {
		return nil, mapErr(err, "get chain")
	}
	events, err := s.loadEvents(ctx, []string{cascadeID})
	if err != nil {
		return nil, err
	}
	ch.Events = events[cascadeID]
	return ch, nil
}

func (s *Store) ListChains(ctx context.Context, status models.CascadeStatus, before time.Time) ([]*models.CascadeChain, error) {
	var beforeArg *time.Time
	if !before.IsZero() {
		beforeArg = &before
	}
	rows, err := s.pool.Query(ctx, `
		SELECT `+chainCols+` FROM cascade_chains
		WHERE ($1 = '' OR status = $1)
		  AND ($2::timestamptz IS NULL OR initiated_at < $2)
		ORDER BY initiated_at, cascade_id`, string(status), beforeArg)
	if err != nil {
		return nil, mapErr(err, "list chains")
	}
	defer rows.Close()

	var out []*models.CascadeChain
	var ids []string
	for rows.Next() {
		ch, err := scanChain(rows)
		if err != nil {
			return nil, mapErr(err, "list chains")
		}
		out = append(out, ch)
		ids = append(ids, ch.CascadeID)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err, "list chains")
	}
	if len(ids) == 0 {
		return out, nil
	}
	events, err := s.loadEvents(ctx, ids)
	if err != nil {
		return nil, err
	}
	for _, ch := range out {
		ch.Events = events[ch.CascadeID]
	}
	return out, nil
}

func (s *Store) PurgeChains(ctx context.Context, before time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM cascade_chains
		WHERE status = $1 AND completed_at IS NOT NULL AND completed_at < $2`,
		string(models.CascadeCompleted), before)
	if err != nil {
		return 0, mapErr(err, "purge chains")
	}
	return int(tag.RowsAffected()), nil
}

func (s *Store) ListChanges(ctx context.Context, since time.Time, types []string, limit int) (*store.Changes, error) {
	if limit < 1 {
		limit = 100
	}
	out := &store.Changes{}
	budget := limit
	var latest time.Time

	if wants(types, "capsules") {
		rows, err := s.pool.Query(ctx, `
			SELECT `+capsuleCols+` FROM capsules
			WHERE COALESCE(updated_at, created_at) > $1
			ORDER BY COALESCE(updated_at, created_at), id
			LIMIT $2`, since, budget+1)
		if err != nil {
			return nil, mapErr(err, "list changes")
		}
		capsules, err := collectCapsules(rows)
		if err != nil {
			return nil, mapErr(err, "list changes")
		}
		if len(capsules) > budget {
			out.HasMore = true
			capsules = capsules[:budget]
		}
		for _, c := range capsules {
			out.Capsules = append(out.Capsules, *c)
			t := c.CreatedAt
			if c.UpdatedAt != nil {
				t = *c.UpdatedAt
			}
			latest = laterOf(latest, t)
			budget--
		}
	}

	if wants(types, "edges") && !out.HasMore {
		rows, err := s.pool.Query(ctx, `
			SELECT id, source_id, target_id, relationship_type, confidence,
				COALESCE(reason, ''), auto_detected, properties, COALESCE(created_by, ''), created_at
			FROM edges WHERE created_at > $1
			ORDER BY created_at, id
			LIMIT $2`, since, budget+1)
		if err != nil {
			return nil, mapErr(err, "list changes")
		}
		var edges []models.SemanticEdge
		for rows.Next() {
			var (
				e   models.SemanticEdge
				rel string
			)
			if err := rows.Scan(&e.ID, &e.SourceID, &e.TargetID, &rel, &e.Confidence,
				&e.Reason, &e.AutoDetected, &e.Properties, &e.CreatedBy, &e.CreatedAt); err != nil {
				rows.Close()
				return nil, mapErr(err, "list changes")
			}
			e.RelationshipType = models.RelationshipType(rel)
			edges = append(edges, e)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, mapErr(err, "list changes")
		}
		if len(edges) > budget {
			out.HasMore = true
			edges = edges[:budget]
		}
		for _, e := range edges {
			out.Edges = append(out.Edges, e)
			latest = laterOf(latest, e.CreatedAt)
			budget--
		}
	}

	if wants(types, "deletions") && !out.HasMore {
		rows, err := s.pool.Query(ctx, `
			SELECT kind, entity_id, deleted_at FROM deletions
			WHERE deleted_at > $1
			ORDER BY seq
			LIMIT $2`, since, budget+1)
		if err != nil {
			return nil, mapErr(err, "list changes")
		}
		var dels []models.Deletion
		for rows.Next() {
			var d models.Deletion
			if err := rows.Scan(&d.Kind, &d.ID, &d.DeletedAt); err != nil {
				rows.Close()
				return nil, mapErr(err, "list changes")
			}
			dels = append(dels, d)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return nil, mapErr(err, "list changes")
		}
		if len(dels) > budget {
			out.HasMore = true
			dels = dels[:budget]
		}
		for _, d := range dels {
			out.Deletions = append(out.Deletions, d)
			latest = laterOf(latest, d.DeletedAt)
		}
	}

	if !latest.IsZero() {
		out.NextCursor = latest.Format(time.RFC3339Nano)
	}
	return out, nil
}

func wants(types []string, t string) bool {
	if len(types) == 0 {
		return true
	}
	for _, x := range types {
		if x == t {
			return true
		}
	}
	return false
}

func laterOf(a, b time.Time) time.Time {
	if b.After(a) {
		return b
	}
	return a
}

func (s *Store) SeenSyncPayload(ctx context.Context, contentHash string) (bool, error) {
	var seen bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM applied_sync_payloads WHERE content_hash = $1)`,
		contentHash).Scan(&seen)
	if err != nil {
		return false, mapErr(err, "seen sync payload")
	}
	return seen, nil
}

func (s *Store) RememberSyncPayload(ctx context.Context, contentHash string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO applied_sync_payloads (content_hash) VALUES ($1)
		ON CONFLICT (content_hash) DO NOTHING`, contentHash)
	if err != nil {
		return mapErr(err, "remember sync payload")
	}
	return nil
}

func (s *Store) SavePartitionMap(ctx context.Context, parts []models.Partition, assignments map[string]string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return mapErr(err, "save partition map")
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM partitions`); err != nil {
		return mapErr(err, "save partition map")
	}
	if _, err := tx.Exec(ctx, `DELETE FROM partition_assignments`); err != nil {
		return mapErr(err, "save partition map")
	}
	for _, p := range parts {
		var lo, hi *float64
		if p.HashRange != nil {
			lo, hi = &p.HashRange.Lo, &p.HashRange.Hi
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO partitions (partition_id, name, strategy, domain_tags, user_ids,
				hash_lo, hash_hi, state, max_capsules, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			p.PartitionID, p.Name, string(p.Strategy), orEmpty(p.DomainTags), orEmpty(p.UserIDs),
			lo, hi, string(p.State), p.MaxCapsules, p.CreatedAt)
		if err != nil {
			return mapErr(err, "save partition map")
		}
	}
	for capsuleID, partitionID := range assignments {
		_, err := tx.Exec(ctx, `
			INSERT INTO partition_assignments (capsule_id, partition_id) VALUES ($1, $2)`,
			capsuleID, partitionID)
		if err != nil {
			return mapErr(err, "save partition map")
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return mapErr(err, "save partition map")
	}
	return nil
}

func (s *Store) LoadPartitionMap(ctx context.Context) ([]models.Partition, map[string]string, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT partition_id, name, strategy, domain_tags, user_ids,
			hash_lo, hash_hi, state, max_capsules, created_at
		FROM partitions ORDER BY created_at, partition_id`)
	if err != nil {
		return nil, nil, mapErr(err, "load partition map")
	}
	var parts []models.Partition
	for rows.Next() {
		var (
			p        models.Partition
			strategy string
			state    string
			lo, hi   *float64
		)
		if err := rows.Scan(&p.PartitionID, &p.Name, &strategy, &p.DomainTags, &p.UserIDs,
			&lo, &hi, &state, &p.MaxCapsules, &p.CreatedAt); err != nil {
			rows.Close()
			return nil, nil, mapErr(err, "load partition map")
		}
		p.Strategy = models.PartitionStrategy(strategy)
		p.State = models.PartitionState(state)
		if lo != nil && hi != nil {
			p.HashRange = &models.HashRange{Lo: *lo, Hi: *hi}
		}
		parts = append(parts, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, nil, mapErr(err, "load partition map")
	}

	assignments := make(map[string]string)
	arows, err := s.pool.Query(ctx, `SELECT capsule_id, partition_id FROM partition_assignments`)
	if err != nil {
		return nil, nil, mapErr(err, "load partition map")
	}
	defer arows.Close()
	for arows.Next() {
		var capsuleID, partitionID string
		if err := arows.Scan(&capsuleID, &partitionID); err != nil {
			return nil, nil, mapErr(err, "load partition map")
		}
		assignments[capsuleID] = partitionID
	}
	if err := arows.Err(); err != nil {
		return nil, nil, mapErr(err, "load partition map")
	}
	return parts, assignments, nil
}

func (s *Store) Counts(ctx context.Context) (int, int, error) {
	var capsules, edges int
	err := s.pool.QueryRow(ctx,
		`SELECT (SELECT COUNT(*) FROM capsules), (SELECT COUNT(*) FROM edges)`).
		Scan(&capsules, &edges)
	if err != nil {
		return 0, 0, mapErr(err, "counts")
	}
	return capsules, edges, nil
}

func (s *Store) Close() {
	s.pool.Close()
}
