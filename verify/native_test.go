package verify

import (
	"crypto/x509"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/open-rails/entitlementkit/core"
	"github.com/open-rails/entitlementkit/testkit"
)

func TestNativeVerifyActiveTransaction(t *testing.T) {
	issuer := testkit.NewTransactionIssuer()
	v := NewNativeVerifier(issuer.Roots())

	accountID := uuid.New()
	signed := time.Now().UTC().Truncate(time.Millisecond)
	expiry := signed.Add(30 * 24 * time.Hour)
	raw := issuer.Sign(testkit.Transaction{
		TransactionID:         "tx-1000",
		OriginalTransactionID: "tx-1",
		AppAccountToken:       accountID,
		PurchaseDate:          signed.Add(-time.Minute),
		ExpiresDate:           expiry,
		SignedDate:            signed,
	})

	ev, err := v.Verify([]byte(raw), "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ev.AccountID != accountID {
		t.Errorf("account = %s", ev.AccountID)
	}
	if ev.Rail != core.RailNative || ev.Status != core.StatusActive {
		t.Errorf("rail/status = %s/%s", ev.Rail, ev.Status)
	}
	if ev.TransactionID != "tx-1000" || ev.OriginalTransactionID != "tx-1" {
		t.Errorf("transaction ids = %s/%s", ev.TransactionID, ev.OriginalTransactionID)
	}
	if ev.ExpiresAt == nil || !ev.ExpiresAt.Equal(expiry) {
		t.Errorf("expiry = %v, want %v", ev.ExpiresAt, expiry)
	}
	if !ev.OccurredAt.Equal(signed) {
		t.Errorf("occurred = %v, want signed date %v", ev.OccurredAt, signed)
	}
	if ev.EventID == "" || ev.PayloadDigest == "" {
		t.Errorf("event id %q digest %q", ev.EventID, ev.PayloadDigest)
	}
	if !ev.Valid() {
		t.Error("verified transaction produced invalid event")
	}
}

func TestNativeVerifyUntrustedChain(t *testing.T) {
	// Signed by one issuer, verified against another's roots.
	v := NewNativeVerifier(testkit.NewTransactionIssuer().Roots())
	raw := testkit.NewTransactionIssuer().Sign(testkit.Transaction{
		AppAccountToken: uuid.New(),
		ExpiresDate:     time.Now().Add(time.Hour),
	})

	_, err := v.Verify([]byte(raw), "")
	var verr *core.VerificationError
	if !errors.As(err, &verr) || verr.Reason != core.RejectInvalidSignature {
		t.Fatalf("expected invalid_signature rejection, got %v", err)
	}
}

func TestNativeVerifyTamperedPayload(t *testing.T) {
	issuer := testkit.NewTransactionIssuer()
	v := NewNativeVerifier(issuer.Roots())
	raw := []byte(issuer.Sign(testkit.Transaction{
		AppAccountToken: uuid.New(),
		ExpiresDate:     time.Now().Add(time.Hour),
	}))

	// Flip a byte inside the payload segment.
	for i, b := range raw {
		if b == '.' {
			raw[i+1] ^= 0x01
			break
		}
	}
	_, err := v.Verify(raw, "")
	var verr *core.VerificationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected rejection, got %v", err)
	}
}

func TestNativeVerifyGarbage(t *testing.T) {
	v := NewNativeVerifier(testkit.NewTransactionIssuer().Roots())
	_, err := v.Verify([]byte("not a jws at all"), "")
	var verr *core.VerificationError
	if !errors.As(err, &verr) || verr.Reason != core.RejectMalformedPayload {
		t.Fatalf("expected malformed_payload rejection, got %v", err)
	}
}

func TestNativeVerifyNoRoots(t *testing.T) {
	v := NewNativeVerifier(nil)
	_, err := v.Verify([]byte("x"), "")
	var verr *core.VerificationError
	if !errors.As(err, &verr) || verr.Reason != core.RejectUnsupportedRail {
		t.Fatalf("expected unsupported_rail rejection, got %v", err)
	}
}

func TestNativeVerifyRevocation(t *testing.T) {
	issuer := testkit.NewTransactionIssuer()
	v := NewNativeVerifier(issuer.Roots())

	revokedAt := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Hour)
	raw := issuer.Sign(testkit.Transaction{
		AppAccountToken: uuid.New(),
		ExpiresDate:     time.Now().Add(20 * 24 * time.Hour),
		RevocationDate:  revokedAt,
	})

	ev, err := v.Verify([]byte(raw), "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ev.Status != core.StatusCancelled {
		t.Errorf("status = %s, want cancelled", ev.Status)
	}
	if ev.ExpiresAt == nil || !ev.ExpiresAt.Equal(revokedAt) {
		t.Errorf("expiry = %v, want revocation instant %v", ev.ExpiresAt, revokedAt)
	}
}

func TestNativeVerifyLapsedTransaction(t *testing.T) {
	issuer := testkit.NewTransactionIssuer()
	v := NewNativeVerifier(issuer.Roots())

	past := time.Now().UTC().Truncate(time.Millisecond).Add(-48 * time.Hour)
	raw := issuer.Sign(testkit.Transaction{
		AppAccountToken: uuid.New(),
		ExpiresDate:     past,
	})

	ev, err := v.Verify([]byte(raw), "")
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if ev.Status != core.StatusExpired {
		t.Errorf("status = %s, want expired", ev.Status)
	}
	if ev.ExpiresAt == nil || !ev.ExpiresAt.Equal(past) {
		t.Errorf("expiry = %v, want %v", ev.ExpiresAt, past)
	}
}

func TestNativeVerifyChainNotYetValid(t *testing.T) {
	issuer := testkit.NewTransactionIssuer()
	v := NewNativeVerifier(issuer.Roots())
	// The issuer's certs are valid for 24h around now; a verifier whose
	// clock sits a week ahead must refuse the chain.
	v.now = func() time.Time { return time.Now().Add(7 * 24 * time.Hour) }

	raw := issuer.Sign(testkit.Transaction{
		AppAccountToken: uuid.New(),
		ExpiresDate:     time.Now().Add(30 * 24 * time.Hour),
	})
	_, err := v.Verify([]byte(raw), "")
	var verr *core.VerificationError
	if !errors.As(err, &verr) || verr.Reason != core.RejectInvalidSignature {
		t.Fatalf("expected invalid_signature for expired chain, got %v", err)
	}
}

func TestNativeVerifyRootsArePinned(t *testing.T) {
	issuer := testkit.NewTransactionIssuer()
	pool := x509.NewCertPool()
	v := NewNativeVerifier(pool)

	raw := issuer.Sign(testkit.Transaction{
		AppAccountToken: uuid.New(),
		ExpiresDate:     time.Now().Add(time.Hour),
	})
	if _, err := v.Verify([]byte(raw), ""); err == nil {
		t.Fatal("empty root pool accepted a chain")
	}
}
