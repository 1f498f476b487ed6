package federation

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/SunFlash12/ForgeV3-sub007/internal/canonical"
	"github.com/SunFlash12/ForgeV3-sub007/internal/integrity"
	"github.com/SunFlash12/ForgeV3-sub007/internal/metrics"
	"github.com/SunFlash12/ForgeV3-sub007/internal/store"
	"github.com/SunFlash12/ForgeV3-sub007/pkg/models"
)

func testIdentity(t *testing.T, id string) Identity {
	t.Helper()
	kp, err := integrity.GenerateKeypair()
	if err != nil {
		t.Fatalf("GenerateKeypair: %v", err)
	}
	return Identity{InstanceID: id, InstanceName: id + "-node", Keypair: kp}
}

func TestHandshakeRoundTrip(t *testing.T) {
	id := testIdentity(t, "forge-a")
	h, err := BuildHandshake(id, APIVersion)
	if err != nil {
		t.Fatalf("BuildHandshake: %v", err)
	}
	if h.Signature == "" || h.PublicKey == "" {
		t.Fatal("handshake not stamped")
	}
	if err := VerifyHandshake(h, time.Now().UTC()); err != nil {
		t.Fatalf("VerifyHandshake rejected a fresh handshake: %v", err)
	}
}

func TestSignedBytesCarryBlankSignatureKey(t *testing.T) {
	id := testIdentity(t, "forge-a")
	h, err := BuildHandshake(id, APIVersion)
	if err != nil {
		t.Fatalf("BuildHandshake: %v", err)
	}

	// The pre-image is canonical JSON with signature present and empty;
	// a peer that serializes `"signature":""` must compute the same bytes.
	clone := *h
	clone.Signature = ""
	data, err := canonical.Marshal(&clone)
	if err != nil {
		t.Fatalf("canonical.Marshal: %v", err)
	}
	if !bytes.Contains(data, []byte(`"signature":""`)) {
		t.Fatalf("handshake pre-image omits the blank signature key: %s", data)
	}

	p := NewPayload(id.InstanceID, models.SyncPayload{})
	if err := SignPayload(p, id.Keypair); err != nil {
		t.Fatalf("SignPayload: %v", err)
	}
	pc := *p
	pc.Signature = ""
	data, err = canonical.Marshal(&pc)
	if err != nil {
		t.Fatalf("canonical.Marshal: %v", err)
	}
	if !bytes.Contains(data, []byte(`"signature":""`)) {
		t.Fatalf("payload pre-image omits the blank signature key: %s", data)
	}
}

func TestHandshakeFreshness(t *testing.T) {
	id := testIdentity(t, "forge-a")
	now := time.Now().UTC()

	tests := []struct {
		name      string
		timestamp time.Time
		wantStale bool
	}{
		{"fresh", now.Add(-time.Second), false},
		{"slight future skew", now.Add(20 * time.Second), false},
		{"ten minutes old", now.Add(-10 * time.Minute), true},
		{"far future", now.Add(2 * time.Minute), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, err := BuildHandshake(id, APIVersion)
			if err != nil {
				t.Fatalf("BuildHandshake: %v", err)
			}
			// Re-sign with the altered timestamp so only freshness can fail.
			h.Timestamp = tt.timestamp
			h.Signature = ""
			resign(t, h, id.Keypair)

			err = VerifyHandshake(h, now)
			if !tt.wantStale {
				if err != nil {
					t.Fatalf("unexpected reject: %v", err)
				}
				return
			}
			if !models.IsKind(err, models.KindFederationSignature) {
				t.Fatalf("kind = %v, want federation.signature", models.KindOf(err))
			}
			var fe *models.Error
			if !errors.As(err, &fe) || fe.Detail != "StaleTimestamp" {
				t.Fatalf("stale reject missing StaleTimestamp detail: %v", err)
			}
		})
	}
}

func TestHandshakeTamperRejected(t *testing.T) {
	id := testIdentity(t, "forge-a")
	h, err := BuildHandshake(id, APIVersion)
	if err != nil {
		t.Fatalf("BuildHandshake: %v", err)
	}
	h.InstanceName = "impostor"
	if err := VerifyHandshake(h, time.Now().UTC()); !models.IsKind(err, models.KindFederationSignature) {
		t.Fatalf("tampered handshake verified, err = %v", err)
	}
}

func TestPayloadSignVerify(t *testing.T) {
	id := testIdentity(t, "forge-a")
	cap1 := signedCapsule(t, id.Keypair, "c1", "alpha")
	p := NewPayload(id.InstanceID, models.SyncPayload{Capsules: []models.Capsule{*cap1}})
	if err := SignPayload(p, id.Keypair); err != nil {
		t.Fatalf("SignPayload: %v", err)
	}
	if err := VerifyPayload(p, id.Keypair.Public); err != nil {
		t.Fatalf("VerifyPayload: %v", err)
	}

	// Content smuggled under the old hash must be caught.
	tampered := *p
	tampered.Capsules = append([]models.Capsule(nil), p.Capsules...)
	tampered.Capsules[0].Content = "beta"
	if err := VerifyPayload(&tampered, id.Keypair.Public); !models.IsKind(err, models.KindFederationSignature) {
		t.Fatalf("tampered payload verified, err = %v", err)
	}

	// Wrong key.
	other := testIdentity(t, "forge-b")
	if err := VerifyPayload(p, other.Keypair.Public); !models.IsKind(err, models.KindFederationSignature) {
		t.Fatalf("payload verified under wrong key, err = %v", err)
	}
}

func TestPayloadContentHashStable(t *testing.T) {
	id := testIdentity(t, "forge-a")
	c := signedCapsule(t, id.Keypair, "c1", "alpha")

	a := NewPayload("a", models.SyncPayload{Capsules: []models.Capsule{*c}})
	b := NewPayload("b", models.SyncPayload{Capsules: []models.Capsule{*c}})
	ha, err := PayloadContentHash(a)
	if err != nil {
		t.Fatalf("PayloadContentHash: %v", err)
	}
	hb, err := PayloadContentHash(b)
	if err != nil {
		t.Fatalf("PayloadContentHash: %v", err)
	}
	if ha != hb {
		t.Fatal("same change set hashed differently across payloads")
	}
}

func TestApplyIdempotent(t *testing.T) {
	ctx := context.Background()
	sender := testIdentity(t, "forge-a")
	svc := newTestService(t, testIdentity(t, "forge-b"))

	c := signedCapsule(t, sender.Keypair, "c1", "remote insight")
	p := NewPayload(sender.InstanceID, models.SyncPayload{Capsules: []models.Capsule{*c}})
	if err := SignPayload(p, sender.Keypair); err != nil {
		t.Fatalf("SignPayload: %v", err)
	}

	res, err := svc.Apply(ctx, p, sender.Keypair.PublicKeyB64())
	if err != nil {
		t.Fatalf("first Apply: %v", err)
	}
	if !res.Applied || res.Capsules != 1 {
		t.Fatalf("first apply = %+v, want applied with 1 capsule", res)
	}

	res, err = svc.Apply(ctx, p, sender.Keypair.PublicKeyB64())
	if err != nil {
		t.Fatalf("replay Apply: %v", err)
	}
	if res.Applied {
		t.Fatal("replayed payload was applied a second time")
	}
	capsules, _, err := svc.store.Counts(ctx)
	if err != nil {
		t.Fatalf("Counts: %v", err)
	}
	if capsules != 1 {
		t.Fatalf("capsule count after replay = %d, want 1", capsules)
	}
}

func TestApplySkipsCorruptCapsule(t *testing.T) {
	ctx := context.Background()
	sender := testIdentity(t, "forge-a")
	svc := newTestService(t, testIdentity(t, "forge-b"))

	good := signedCapsule(t, sender.Keypair, "good", "kept")
	bad := signedCapsule(t, sender.Keypair, "bad", "original")
	bad.Content = "rewritten after signing"

	p := NewPayload(sender.InstanceID, models.SyncPayload{Capsules: []models.Capsule{*good, *bad}})
	if err := SignPayload(p, sender.Keypair); err != nil {
		t.Fatalf("SignPayload: %v", err)
	}
	res, err := svc.Apply(ctx, p, sender.Keypair.PublicKeyB64())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Capsules != 1 || res.Skipped != 1 {
		t.Fatalf("apply = %+v, want 1 capsule and 1 skipped", res)
	}
	if _, err := svc.store.GetCapsule(ctx, "bad"); !models.IsKind(err, models.KindStoreNotFound) {
		t.Fatal("corrupt capsule was admitted to the graph")
	}
}

func TestApplyDeletions(t *testing.T) {
	ctx := context.Background()
	sender := testIdentity(t, "forge-a")
	svc := newTestService(t, testIdentity(t, "forge-b"))

	c := signedCapsule(t, sender.Keypair, "doomed", "soon gone")
	if err := svc.store.CreateCapsule(ctx, c); err != nil {
		t.Fatalf("CreateCapsule: %v", err)
	}
	p := NewPayload(sender.InstanceID, models.SyncPayload{
		Deletions: []models.Deletion{{Kind: "capsule", ID: "doomed", DeletedAt: time.Now().UTC()}},
	})
	if err := SignPayload(p, sender.Keypair); err != nil {
		t.Fatalf("SignPayload: %v", err)
	}
	res, err := svc.Apply(ctx, p, sender.Keypair.PublicKeyB64())
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if res.Deletions != 1 {
		t.Fatalf("deletions = %d, want 1", res.Deletions)
	}
	if _, err := svc.store.GetCapsule(ctx, "doomed"); !models.IsKind(err, models.KindStoreNotFound) {
		t.Fatal("deletion did not remove the capsule")
	}
}

// End-to-end over HTTP: handshake, push, pull between two live services.
func TestFederationOverHTTP(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	serverID := testIdentity(t, "forge-server")
	serverSvc := newTestService(t, serverID)
	router := gin.New()
	serverSvc.RegisterRoutes(router.Group("/api/v1"))
	ts := httptest.NewServer(router)
	defer ts.Close()

	clientID := testIdentity(t, "forge-client")
	client := NewClient(zap.NewNop(), metrics.New(), clientID)

	theirs, err := client.Handshake(ctx, ts.URL)
	if err != nil {
		t.Fatalf("Handshake: %v", err)
	}
	if theirs.InstanceID != serverID.InstanceID {
		t.Fatalf("peer instance = %q, want %q", theirs.InstanceID, serverID.InstanceID)
	}
	if _, ok := serverSvc.Peers().ByPublicKey(clientID.Keypair.PublicKeyB64()); !ok {
		t.Fatal("server did not register the caller as a peer")
	}

	peer := models.Peer{
		InstanceID:   theirs.InstanceID,
		URL:          ts.URL,
		PublicKey:    theirs.PublicKey,
		SupportsPush: true,
		SupportsPull: true,
		Status:       models.PeerActive,
	}

	if status := client.Health(ctx, ts.URL); status != models.PeerActive {
		t.Fatalf("health = %v, want active", status)
	}

	c := signedCapsule(t, clientID.Keypair, "pushed", "travelled over http")
	payload := NewPayload(clientID.InstanceID, models.SyncPayload{Capsules: []models.Capsule{*c}})
	ok, err := client.PushCapsules(ctx, peer, payload)
	if err != nil || !ok {
		t.Fatalf("PushCapsules: ok=%v err=%v", ok, err)
	}
	if _, err := serverSvc.store.GetCapsule(ctx, "pushed"); err != nil {
		t.Fatalf("pushed capsule missing on server: %v", err)
	}

	// Replayed push is acknowledged without re-applying.
	if ok, err := client.PushCapsules(ctx, peer, payload); err != nil || !ok {
		t.Fatalf("replayed push: ok=%v err=%v", ok, err)
	}
	capsules, _, _ := serverSvc.store.Counts(ctx)
	if capsules != 1 {
		t.Fatalf("server capsules after replay = %d, want 1", capsules)
	}

	pulled, err := client.PullChanges(ctx, peer, time.Now().Add(-time.Hour), nil, 50)
	if err != nil {
		t.Fatalf("PullChanges: %v", err)
	}
	found := false
	for _, pc := range pulled.Capsules {
		if pc.ID == "pushed" {
			found = true
		}
	}
	if !found {
		t.Fatal("pull feed did not include the pushed capsule")
	}
}

func TestPullRejectsUnknownKey(t *testing.T) {
	gin.SetMode(gin.TestMode)
	ctx := context.Background()

	serverSvc := newTestService(t, testIdentity(t, "forge-server"))
	router := gin.New()
	serverSvc.RegisterRoutes(router.Group("/api/v1"))
	ts := httptest.NewServer(router)
	defer ts.Close()

	stranger := testIdentity(t, "forge-stranger")
	client := NewClient(zap.NewNop(), metrics.New(), stranger)
	peer := models.Peer{InstanceID: "forge-server", URL: ts.URL, PublicKey: stranger.Keypair.PublicKeyB64()}
	if _, err := client.PullChanges(ctx, peer, time.Now().Add(-time.Hour), nil, 10); err == nil {
		t.Fatal("pull with an unregistered key succeeded")
	}
}

func TestRegistryKeyRotation(t *testing.T) {
	r := NewRegistry(zap.NewNop())
	a := testIdentity(t, "forge-a")
	r.Upsert(models.Peer{InstanceID: "forge-a", PublicKey: a.Keypair.PublicKeyB64()})

	rotated := testIdentity(t, "forge-a")
	r.Upsert(models.Peer{InstanceID: "forge-a", PublicKey: rotated.Keypair.PublicKeyB64()})

	if _, ok := r.ByPublicKey(a.Keypair.PublicKeyB64()); ok {
		t.Fatal("stale key still resolves after rotation")
	}
	if _, ok := r.ByPublicKey(rotated.Keypair.PublicKeyB64()); !ok {
		t.Fatal("rotated key does not resolve")
	}
}

func newTestService(t *testing.T, id Identity) *Service {
	t.Helper()
	logger := zap.NewNop()
	m := metrics.New()
	peers := NewRegistry(logger)
	client := NewClient(logger, m, id)
	return NewService(logger, m, store.NewMemory(), id, peers, client)
}

func signedCapsule(t *testing.T, kp *integrity.Keypair, id, content string) *models.Capsule {
	t.Helper()
	c := &models.Capsule{
		ID:         id,
		Title:      id,
		Content:    content,
		Type:       models.CapsuleInsight,
		TrustLevel: 50,
		CreatedBy:  "test",
		CreatedAt:  time.Now().UTC(),
		Version:    1,
	}
	integrity.StampCapsule(c, kp)
	return c
}

func resign(t *testing.T, h *models.Handshake, kp *integrity.Keypair) {
	t.Helper()
	h.Signature = ""
	data, err := canonical.Marshal(h)
	if err != nil {
		t.Fatalf("canonicalizing handshake: %v", err)
	}
	h.Signature = integrity.SignBytes(data, kp.Private)
}
