package federation

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/SunFlash12/ForgeV3-sub007/internal/canonical"
	"github.com/SunFlash12/ForgeV3-sub007/internal/integrity"
	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

// RegisterRoutes mounts the four protocol endpoints under
// /api/v1/federation on the given router group.
func (s *Service) RegisterRoutes(api *gin.RouterGroup) {
	fed := api.Group("/federation")
	fed.POST("/handshake", s.handleHandshake)
	fed.GET("/health", s.handleHealth)
	fed.GET("/changes", s.handleChanges)
	fed.POST("/incoming/capsules", s.handleIncomingCapsules)
}

func (s *Service) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// handleHandshake verifies the caller's signed introduction, registers it
// as a peer, and answers with this instance's own signed handshake.
func (s *Service) handleHandshake(c *gin.Context) {
	var theirs models.Handshake
	if err := c.ShouldBindJSON(&theirs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed handshake"})
		return
	}
	if err := VerifyHandshake(&theirs, time.Now().UTC()); err != nil {
		s.metrics.FederationSigFailed.Inc()
		s.logger.Warn("handshake rejected",
			zap.String("instance_id", theirs.InstanceID), zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "handshake rejected",
			"kind":  string(models.KindOf(err)),
		})
		return
	}

	s.peers.Upsert(models.Peer{
		InstanceID:   theirs.InstanceID,
		InstanceName: theirs.InstanceName,
		PublicKey:    theirs.PublicKey,
		APIVersion:   theirs.APIVersion,
		SupportsPush: true,
		SupportsPull: true,
		Status:       models.PeerActive,
	})

	ours, err := BuildHandshake(s.identity, APIVersion)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "handshake build failed"})
		return
	}
	s.metrics.FederationHandshakes.WithLabelValues("accepted").Inc()
	c.JSON(http.StatusOK, ours)
}

// handleChanges serves the pull feed. The query parameters arrive signed in
// headers; the stated public key must belong to a registered peer.
func (s *Service) handleChanges(c *gin.Context) {
	pubKey := c.GetHeader(HeaderPublicKey)
	sig := c.GetHeader(HeaderSignature)
	if pubKey == "" || sig == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing signature headers"})
		return
	}
	if _, known := s.peers.ByPublicKey(pubKey); !known {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown peer key"})
		return
	}

	sinceStr := c.Query("since")
	typesStr := c.Query("types")
	limitStr := c.DefaultQuery("limit", "100")

	// Reconstruct the exact canonical params the caller signed.
	params := map[string]any{
		"since": sinceStr,
		"types": typesStr,
		"limit": limitStr,
	}
	signedBytes, err := canonical.Marshal(params)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "canonicalization failed"})
		return
	}
	pub, err := integrity.ParsePublicKey(pubKey)
	if err != nil || !integrity.VerifyBytes(signedBytes, sig, pub) {
		s.metrics.FederationSigFailed.Inc()
		c.JSON(http.StatusUnauthorized, gin.H{"error": "query signature rejected"})
		return
	}

	since, err := time.Parse(time.RFC3339, sinceStr)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "since must be RFC 3339"})
		return
	}
	limit, err := strconv.Atoi(limitStr)
	if err != nil || limit < 1 || limit > 1000 {
		limit = 100
	}
	var types []string
	if typesStr != "" {
		types = strings.Split(typesStr, ",")
	}

	payload, err := s.BuildChangesPayload(c.Request.Context(), since, types, limit)
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "change feed unavailable"})
		return
	}
	c.JSON(http.StatusOK, payload)
}

// handleIncomingCapsules ingests a pushed payload: the signature must
// verify under the sender's registered key, and the content hash gives the
// apply idempotency.
func (s *Service) handleIncomingCapsules(c *gin.Context) {
	pubKey := c.GetHeader(HeaderPublicKey)
	if pubKey == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing public key header"})
		return
	}
	peer, known := s.peers.ByPublicKey(pubKey)
	if !known {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unknown peer key"})
		return
	}

	var payload models.SyncPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "malformed payload"})
		return
	}
	pub, err := integrity.ParsePublicKey(peer.PublicKey)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "bad peer key"})
		return
	}
	if err := VerifyPayload(&payload, pub); err != nil {
		s.metrics.FederationSigFailed.Inc()
		s.logger.Warn("payload rejected",
			zap.String("peer", peer.InstanceID),
			zap.String("sync_id", payload.SyncID),
			zap.Error(err))
		c.JSON(http.StatusUnauthorized, gin.H{
			"error": "payload signature rejected",
			"kind":  string(models.KindOf(err)),
		})
		return
	}

	res, err := s.Apply(c.Request.Context(), &payload, peer.PublicKey)
	if err != nil {
		status := http.StatusServiceUnavailable
		if models.IsKind(err, models.KindContentHashMismatch) ||
			models.IsKind(err, models.KindSignatureInvalid) {
			status = http.StatusConflict
		}
		c.JSON(status, gin.H{"error": err.Error(), "kind": string(models.KindOf(err))})
		return
	}
	c.JSON(http.StatusOK, res)
}
