package federation

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/SunFlash12/ForgeV3-sub007/internal/canonical"
	"github.com/SunFlash12/ForgeV3-sub007/internal/integrity"
	"github.com/SunFlash12/ForgeV3-sub007/internal/metrics"
	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

// Signature headers on authenticated GET requests.
const (
	HeaderSignature = "X-Forge-Signature"
	HeaderPublicKey = "X-Forge-Public-Key"
)

// Per-operation deadlines.
const (
	handshakeTimeout = 30 * time.Second
	healthTimeout    = 10 * time.Second
	requestTimeout   = 60 * time.Second
)

// Client is the outbound half of the protocol: retrying HTTP wrapped in a
// per-peer circuit breaker. Push returns a plain verdict; durability and
// backoff beyond the built-in retries belong to the caller.
type Client struct {
	logger   *zap.Logger
	metrics  *metrics.Metrics
	identity Identity
	http     *retryablehttp.Client

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewClient builds a client for this instance's identity.
func NewClient(logger *zap.Logger, m *metrics.Metrics, identity Identity) *Client {
	rc := retryablehttp.NewClient()
	rc.RetryMax = 2
	rc.RetryWaitMin = 200 * time.Millisecond
	rc.RetryWaitMax = 2 * time.Second
	rc.Logger = nil
	return &Client{
		logger:   logger.Named("federation.client"),
		metrics:  m,
		identity: identity,
		http:     rc,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (c *Client) breakerFor(peerURL string) *gobreaker.CircuitBreaker {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cb, ok := c.breakers[peerURL]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    peerURL,
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	})
	c.breakers[peerURL] = cb
	return cb
}

// do executes one request through the peer's breaker and returns the body
// with the status code. Non-2xx is not an error here; callers classify.
func (c *Client) do(ctx context.Context, peerURL string, req *retryablehttp.Request) (int, []byte, error) {
	cb := c.breakerFor(peerURL)
	out, err := cb.Execute(func() (interface{}, error) {
		resp, err := c.http.Do(req.WithContext(ctx))
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
		if err != nil {
			return nil, err
		}
		return &struct {
			status int
			body   []byte
		}{resp.StatusCode, body}, nil
	})
	if err != nil {
		return 0, nil, err
	}
	r := out.(*struct {
		status int
		body   []byte
	})
	return r.status, r.body, nil
}

// Handshake introduces this instance to a peer and returns the peer's
// verified handshake.
func (c *Client) Handshake(ctx context.Context, peerURL string) (*models.Handshake, error) {
	ctx, cancel := context.WithTimeout(ctx, handshakeTimeout)
	defer cancel()

	ours, err := BuildHandshake(c.identity, APIVersion)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(ours)
	if err != nil {
		return nil, models.WrapError(models.KindFederationHandshake, err, "encoding handshake")
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		joinURL(peerURL, "/api/v1/federation/handshake"), bytes.NewReader(body))
	if err != nil {
		return nil, models.WrapError(models.KindFederationHandshake, err, "building handshake request")
	}
	req.Header.Set("Content-Type", "application/json")

	status, respBody, err := c.do(ctx, peerURL, req)
	if err != nil {
		c.metrics.FederationHandshakes.WithLabelValues("error").Inc()
		return nil, models.WrapError(models.KindFederationTimeout, err, "handshake with %s failed", peerURL)
	}
	if status != http.StatusOK {
		c.metrics.FederationHandshakes.WithLabelValues("rejected").Inc()
		return nil, models.NewError(models.KindFederationHandshake,
			"peer %s rejected handshake with %d", peerURL, status)
	}

	var theirs models.Handshake
	if err := json.Unmarshal(respBody, &theirs); err != nil {
		return nil, models.WrapError(models.KindFederationHandshake, err, "decoding peer handshake")
	}
	if err := VerifyHandshake(&theirs, time.Now().UTC()); err != nil {
		c.metrics.FederationHandshakes.WithLabelValues("bad_signature").Inc()
		return nil, err
	}
	c.metrics.FederationHandshakes.WithLabelValues("ok").Inc()
	return &theirs, nil
}

// Health probes a peer's liveness endpoint and classifies the outcome.
func (c *Client) Health(ctx context.Context, peerURL string) models.PeerStatus {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet,
		joinURL(peerURL, "/api/v1/federation/health"), nil)
	if err != nil {
		return models.PeerOffline
	}
	status, _, err := c.do(ctx, peerURL, req)
	switch {
	case err != nil:
		return models.PeerOffline
	case status == http.StatusOK:
		return models.PeerActive
	default:
		return models.PeerDegraded
	}
}

// PushCapsules signs the payload and delivers it to the peer. The boolean
// is the delivery verdict; callers own any further backoff.
func (c *Client) PushCapsules(ctx context.Context, peer models.Peer, payload *models.SyncPayload) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	if err := SignPayload(payload, c.identity.Keypair); err != nil {
		return false, err
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return false, models.WrapError(models.KindFederationSignature, err, "encoding payload")
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost,
		joinURL(peer.URL, "/api/v1/federation/incoming/capsules"), bytes.NewReader(body))
	if err != nil {
		return false, models.WrapError(models.KindFederationTimeout, err, "building push request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderPublicKey, c.identity.Keypair.PublicKeyB64())

	status, _, err := c.do(ctx, peer.URL, req)
	if err != nil {
		c.metrics.FederationPushes.WithLabelValues("error").Inc()
		return false, models.WrapError(models.KindFederationTimeout, err, "push to %s failed", peer.InstanceID)
	}
	if status == http.StatusTooManyRequests {
		c.metrics.FederationPushes.WithLabelValues("rate_limited").Inc()
		return false, models.NewError(models.KindFederationRateLimited, "peer %s rate limited push", peer.InstanceID)
	}
	if status != http.StatusOK {
		c.metrics.FederationPushes.WithLabelValues("rejected").Inc()
		return false, nil
	}
	c.metrics.FederationPushes.WithLabelValues("ok").Inc()
	return true, nil
}

// PullChanges fetches the peer's change feed since the cursor, with the
// query parameters signed into the request headers, and verifies the
// returned payload against the peer's known key.
func (c *Client) PullChanges(ctx context.Context, peer models.Peer, since time.Time, types []string, limit int) (*models.SyncPayload, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	params := map[string]any{
		"since": since.UTC().Format(time.RFC3339),
		"types": strings.Join(types, ","),
		"limit": strconv.Itoa(limit),
	}
	signed, err := canonical.Marshal(params)
	if err != nil {
		return nil, models.WrapError(models.KindFederationSignature, err, "canonicalizing query params")
	}

	q := url.Values{}
	q.Set("since", params["since"].(string))
	if ts := params["types"].(string); ts != "" {
		q.Set("types", ts)
	}
	q.Set("limit", params["limit"].(string))

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet,
		joinURL(peer.URL, "/api/v1/federation/changes")+"?"+q.Encode(), nil)
	if err != nil {
		return nil, models.WrapError(models.KindFederationTimeout, err, "building pull request")
	}
	req.Header.Set(HeaderSignature, integrity.SignBytes(signed, c.identity.Keypair.Private))
	req.Header.Set(HeaderPublicKey, c.identity.Keypair.PublicKeyB64())

	status, body, err := c.do(ctx, peer.URL, req)
	if err != nil {
		return nil, models.WrapError(models.KindFederationTimeout, err, "pull from %s failed", peer.InstanceID)
	}
	if status != http.StatusOK {
		return nil, models.NewError(models.KindFederationHandshake,
			"peer %s rejected pull with %d", peer.InstanceID, status)
	}

	var payload models.SyncPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, models.WrapError(models.KindFederationSignature, err, "decoding sync payload")
	}
	peerPub, err := integrity.ParsePublicKey(peer.PublicKey)
	if err != nil {
		return nil, err
	}
	if err := VerifyPayload(&payload, peerPub); err != nil {
		c.metrics.FederationSigFailed.Inc()
		return nil, err
	}
	return &payload, nil
}

func joinURL(base, path string) string {
	return strings.TrimSuffix(base, "/") + path
}
