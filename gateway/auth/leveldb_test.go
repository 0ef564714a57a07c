package auth

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"
)

func TestLevelDBLedgerClaimSinceAndPrune(t *testing.T) {
	ledger, err := OpenLevelDBLedger(filepath.Join(t.TempDir(), "nonces"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = ledger.Close() })
	ctx := context.Background()

	old := Nonce{KeyID: "k", Timestamp: "100", Value: "a", SeenAt: testNow.Add(-20 * time.Minute)}
	fresh := Nonce{KeyID: "k", Timestamp: "200", Value: "b", SeenAt: testNow}
	for _, n := range []Nonce{old, fresh} {
		existed, err := ledger.Claim(ctx, n)
		if err != nil || existed {
			t.Fatalf("claim %s: existed=%v err=%v", n.Value, existed, err)
		}
	}
	if existed, err := ledger.Claim(ctx, fresh); err != nil || !existed {
		t.Fatalf("second claim should report existing, existed=%v err=%v", existed, err)
	}
	if _, err := ledger.Claim(ctx, Nonce{KeyID: "k"}); err == nil {
		t.Fatalf("expected incomplete nonce to be refused")
	}

	recent, err := ledger.Since(ctx, testNow.Add(-10*time.Minute))
	if err != nil {
		t.Fatalf("since: %v", err)
	}
	if len(recent) != 1 || recent[0].Value != "b" || !recent[0].SeenAt.Equal(testNow) {
		t.Fatalf("unexpected recent nonces: %+v", recent)
	}

	if err := ledger.Prune(ctx, testNow.Add(-10*time.Minute)); err != nil {
		t.Fatalf("prune: %v", err)
	}
	if existed, err := ledger.Claim(ctx, old); err != nil || existed {
		t.Fatalf("pruned nonce should be claimable again, existed=%v err=%v", existed, err)
	}
}

func TestLevelDBLedgerSurvivesRestart(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nonces")
	ledger, err := OpenLevelDBLedger(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	req := func() *http.Request {
		return signedRequest(t, testSecret, "n-9", testNow, "https://relay.test/v1/payment-requests", testBody)
	}
	if _, err := newTestVerifier(ledger).Verify(req(), []byte(testBody)); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := ledger.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	reopened, err := OpenLevelDBLedger(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	t.Cleanup(func() { _ = reopened.Close() })
	v := newTestVerifier(reopened)
	if err := v.Warm(context.Background()); err != nil {
		t.Fatalf("warm: %v", err)
	}
	if _, err := v.Verify(req(), []byte(testBody)); !errors.Is(err, ErrReplayedNonce) {
		t.Fatalf("expected replay after restart, got %v", err)
	}
}

func TestOpenLevelDBLedgerRequiresPath(t *testing.T) {
	if _, err := OpenLevelDBLedger("  "); err == nil {
		t.Fatalf("expected error for empty path")
	}
}
