package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/SunFlash12/ForgeV3-sub007/internal/bus"
	"github.com/SunFlash12/ForgeV3-sub007/internal/cascade"
	"github.com/SunFlash12/ForgeV3-sub007/internal/partition"
	"github.com/SunFlash12/ForgeV3-sub007/internal/store"
	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

// httpStatus maps the error taxonomy onto response codes.
func httpStatus(err error) int {
	switch models.KindOf(err) {
	case models.KindStoreNotFound, models.KindPartitionNotFound:
		return http.StatusNotFound
	case models.KindStoreConflict, models.KindContentHashMismatch,
		models.KindSignatureInvalid, models.KindMerkleChainBroken:
		return http.StatusConflict
	case models.KindStoreTransient:
		return http.StatusServiceUnavailable
	case models.KindFederationTimeout:
		return http.StatusBadGateway
	case models.KindConfig:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	c.JSON(httpStatus(err), gin.H{
		"error": err.Error(),
		"kind":  string(models.KindOf(err)),
	})
}

type createCapsuleRequest struct {
	Title      string   `json:"title" binding:"required"`
	Content    string   `json:"content" binding:"required"`
	Type       string   `json:"type" binding:"required"`
	Tags       []string `json:"tags"`
	TrustLevel int      `json:"trust_level"`
	ParentIDs  []string `json:"parent_ids"`
	CreatedBy  string   `json:"created_by"`
}

func (s *Server) handleCreateCapsule(c *gin.Context) {
	var req createCapsuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title, content and type are required"})
		return
	}
	capsule := &models.Capsule{
		Title:      req.Title,
		Content:    req.Content,
		Type:       models.CapsuleType(req.Type),
		Tags:       req.Tags,
		TrustLevel: req.TrustLevel,
		ParentIDs:  req.ParentIDs,
		CreatedBy:  req.CreatedBy,
	}
	if err := s.engine.CreateCapsule(c.Request.Context(), capsule); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, capsule)
}

func (s *Server) handleGetCapsule(c *gin.Context) {
	capsule, err := s.engine.GetCapsule(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, capsule)
}

type updateCapsuleRequest struct {
	Title      string   `json:"title"`
	Content    string   `json:"content"`
	Tags       []string `json:"tags"`
	TrustLevel *int     `json:"trust_level"`
	Version    int      `json:"version" binding:"required"`
}

func (s *Server) handleUpdateCapsule(c *gin.Context) {
	var req updateCapsuleRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "version is required"})
		return
	}
	ctx := c.Request.Context()
	capsule, err := s.engine.Store.GetCapsule(ctx, c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	if req.Title != "" {
		capsule.Title = req.Title
	}
	if req.Content != "" {
		capsule.Content = req.Content
		capsule.Embedding = nil // content changed; vector is stale
	}
	if req.Tags != nil {
		capsule.Tags = req.Tags
	}
	if req.TrustLevel != nil {
		capsule.TrustLevel = *req.TrustLevel
	}
	capsule.Version = req.Version
	if err := s.engine.UpdateCapsule(ctx, capsule); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, capsule)
}

func (s *Server) handleDeleteCapsule(c *gin.Context) {
	if err := s.engine.DeleteCapsule(c.Request.Context(), c.Param("id")); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": c.Param("id")})
}

func (s *Server) handleLineage(c *gin.Context) {
	depth, _ := strconv.Atoi(c.DefaultQuery("depth", "5"))
	ancestors, err := s.engine.Lineage(c.Request.Context(), c.Param("id"), depth)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"capsule_id": c.Param("id"),
		"depth":      depth,
		"ancestors":  ancestors,
	})
}

func (s *Server) handleEdges(c *gin.Context) {
	edges, err := s.engine.Store.EdgesFor(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"capsule_id": c.Param("id"), "edges": edges})
}

func (s *Server) handleVerify(c *gin.Context) {
	valid, firstBad, err := s.engine.VerifyLineage(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	resp := gin.H{"capsule_id": c.Param("id"), "valid": valid}
	if !valid {
		resp["first_invalid_id"] = firstBad
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleSearch(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "q is required"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "10"))
	results, err := s.engine.Search(c.Request.Context(), query, limit, 0)
	if err != nil {
		s.fail(c, err)
		return
	}
	out := make([]gin.H, 0, len(results))
	for _, r := range results {
		out = append(out, gin.H{"capsule": r.Capsule, "similarity": r.Similarity})
	}
	c.JSON(http.StatusOK, gin.H{"query": query, "results": out})
}

type triggerCascadeRequest struct {
	SourceOverlay string         `json:"source_overlay"`
	InsightType   string         `json:"insight_type" binding:"required"`
	InsightData   map[string]any `json:"insight_data"`
	MaxHops       int            `json:"max_hops"`
}

func (s *Server) handleTriggerCascade(c *gin.Context) {
	var req triggerCascadeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "insight_type is required"})
		return
	}
	if req.SourceOverlay == "" {
		req.SourceOverlay = "api"
	}
	chain, err := s.engine.Pipeline.Trigger(c.Request.Context(), cascade.Insight{
		SourceOverlay: req.SourceOverlay,
		InsightType:   req.InsightType,
		InsightData:   req.InsightData,
		MaxHops:       req.MaxHops,
	})
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, chain)
}

func (s *Server) handleGetCascade(c *gin.Context) {
	chain, err := s.engine.Store.GetChain(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, chain)
}

func (s *Server) handlePartitions(c *gin.Context) {
	if s.engine.Manager == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"enabled":     true,
		"partitions":  s.engine.Manager.List(),
		"jobs":        s.engine.Manager.Jobs(),
		"assignments": s.engine.Manager.AssignmentCount(),
	})
}

type queryRequest struct {
	Kind       string         `json:"kind" binding:"required"`
	Params     map[string]any `json:"params"`
	CapsuleID  string         `json:"capsule_id"`
	DomainTags []string       `json:"domain_tags"`
	UserID     string         `json:"user_id"`
	Mode       string         `json:"mode"`
}

func (s *Server) handleQuery(c *gin.Context) {
	var req queryRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "kind is required"})
		return
	}
	mode := models.AggregationMode(req.Mode)
	if mode == "" {
		mode = models.AggMerge
	}
	result, err := s.engine.Query(c.Request.Context(),
		store.Query{Kind: req.Kind, Params: req.Params},
		partition.Predicates{
			CapsuleID:  req.CapsuleID,
			DomainTags: req.DomainTags,
			UserID:     req.UserID,
		}, mode)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (s *Server) handleCacheStats(c *gin.Context) {
	if s.engine.Cache == nil {
		c.JSON(http.StatusOK, gin.H{"enabled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"enabled": true, "stats": s.engine.Cache.Stats()})
}

func (s *Server) handleOverlays(c *gin.Context) {
	regs := s.engine.Overlays.List()
	out := make([]gin.H, 0, len(regs))
	for _, reg := range regs {
		out = append(out, gin.H{
			"id":       reg.Overlay.OverlayID(),
			"kind":     string(reg.Overlay.Kind()),
			"priority": reg.Overlay.Priority(),
			"state":    string(reg.State),
			"degraded": reg.Degraded,
		})
	}
	c.JSON(http.StatusOK, gin.H{"overlays": out})
}

func (s *Server) handleOverlayActivate(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.Overlays.Activate(id); err != nil {
		s.fail(c, err)
		return
	}
	s.engine.Bus.Publish(bus.NewEvent(bus.OverlayActivated, map[string]any{"overlay_id": id}))
	s.logger.Info("overlay activated", zap.String("overlay_id", id))
	c.JSON(http.StatusOK, gin.H{"overlay_id": id, "state": "active"})
}

func (s *Server) handleOverlayDeactivate(c *gin.Context) {
	id := c.Param("id")
	if err := s.engine.Overlays.Deactivate(id); err != nil {
		s.fail(c, err)
		return
	}
	s.engine.Bus.Publish(bus.NewEvent(bus.OverlayDeactivated, map[string]any{"overlay_id": id}))
	s.logger.Info("overlay deactivated", zap.String("overlay_id", id))
	c.JSON(http.StatusOK, gin.H{"overlay_id": id, "state": "inactive"})
}

func (s *Server) handleStatus(c *gin.Context) {
	status := s.engine.Status(c.Request.Context())
	status["instance"] = s.engine.InstanceLabel()
	c.JSON(http.StatusOK, status)
}
