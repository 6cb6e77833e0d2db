package verify

import (
	"crypto/x509"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v2/cert"
	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jws"

	"github.com/open-rails/entitlementkit/core"
)

// NativeVerifier validates signed transactions from the platform billing
// rail. A transaction arrives as a compact JWS whose protected header
// carries the signing certificate chain (x5c); the chain must terminate
// at one of the pinned platform roots.
type NativeVerifier struct {
	roots *x509.CertPool
	now   func() time.Time
}

// NewNativeVerifier builds a verifier pinned to the given root pool.
func NewNativeVerifier(roots *x509.CertPool) *NativeVerifier {
	return &NativeVerifier{roots: roots, now: time.Now}
}

// transactionPayload is the decoded JWS body of a signed transaction.
// Timestamps are Unix milliseconds, as the platform delivers them.
type transactionPayload struct {
	TransactionID         string `json:"transactionId"`
	OriginalTransactionID string `json:"originalTransactionId"`
	ProductID             string `json:"productId"`
	AppAccountToken       string `json:"appAccountToken"`
	PurchaseDate          int64  `json:"purchaseDate"`
	ExpiresDate           int64  `json:"expiresDate"`
	RevocationDate        int64  `json:"revocationDate"`
	RevocationReason      *int   `json:"revocationReason"`
	SignedDate            int64  `json:"signedDate"`
}

// Verify checks the transaction's signing chain and signature, then maps
// the transaction to an asserted entitlement status. The signature
// argument is unused: a JWS carries its own proof.
func (v *NativeVerifier) Verify(raw []byte, _ string) (core.Event, error) {
	if v.roots == nil {
		return core.Event{}, core.Rejection(core.RejectUnsupportedRail, errors.New("no trust roots configured"))
	}

	msg, err := jws.Parse(raw)
	if err != nil {
		return core.Event{}, core.Rejection(core.RejectMalformedPayload, fmt.Errorf("parse jws: %w", err))
	}
	sigs := msg.Signatures()
	if len(sigs) != 1 {
		return core.Event{}, core.Rejection(core.RejectMalformedPayload, fmt.Errorf("expected 1 signature, got %d", len(sigs)))
	}
	hdr := sigs[0].ProtectedHeaders()
	if hdr.Algorithm() != jwa.ES256 {
		return core.Event{}, core.Rejection(core.RejectInvalidSignature, fmt.Errorf("unexpected alg %q", hdr.Algorithm()))
	}

	leaf, err := v.verifyChain(hdr.X509CertChain())
	if err != nil {
		return core.Event{}, core.Rejection(core.RejectInvalidSignature, err)
	}

	payload, err := jws.Verify(raw, jws.WithKey(jwa.ES256, leaf.PublicKey))
	if err != nil {
		return core.Event{}, core.Rejection(core.RejectInvalidSignature, fmt.Errorf("verify jws: %w", err))
	}

	var tx transactionPayload
	if err := json.Unmarshal(payload, &tx); err != nil {
		return core.Event{}, core.Rejection(core.RejectMalformedPayload, fmt.Errorf("decode transaction: %w", err))
	}
	return v.toEvent(tx, raw)
}

// verifyChain parses the x5c header and validates leaf -> intermediates
// -> pinned root. Returns the leaf on success.
func (v *NativeVerifier) verifyChain(chain *cert.Chain) (*x509.Certificate, error) {
	if chain == nil || chain.Len() == 0 {
		return nil, errors.New("missing x5c certificate chain")
	}
	certs := make([]*x509.Certificate, 0, chain.Len())
	for i := 0; i < chain.Len(); i++ {
		b64, _ := chain.Get(i)
		der, err := base64.StdEncoding.DecodeString(string(b64))
		if err != nil {
			return nil, fmt.Errorf("x5c[%d]: %w", i, err)
		}
		c, err := x509.ParseCertificate(der)
		if err != nil {
			return nil, fmt.Errorf("x5c[%d]: %w", i, err)
		}
		certs = append(certs, c)
	}

	intermediates := x509.NewCertPool()
	for _, c := range certs[1:] {
		intermediates.AddCert(c)
	}
	opts := x509.VerifyOptions{
		Roots:         v.roots,
		Intermediates: intermediates,
		CurrentTime:   v.now(),
		KeyUsages:     []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	if _, err := certs[0].Verify(opts); err != nil {
		return nil, fmt.Errorf("certificate chain: %w", err)
	}
	return certs[0], nil
}

func (v *NativeVerifier) toEvent(tx transactionPayload, raw []byte) (core.Event, error) {
	if tx.TransactionID == "" || tx.SignedDate == 0 {
		return core.Event{}, core.Rejection(core.RejectMalformedPayload, errors.New("transaction missing id or signed date"))
	}
	accountID, err := uuid.Parse(tx.AppAccountToken)
	if err != nil {
		return core.Event{}, core.Rejection(core.RejectMalformedPayload, fmt.Errorf("app account token: %w", err))
	}

	now := v.now()
	ev := core.Event{
		AccountID:             accountID,
		EventID:               fmt.Sprintf("%s:%d", tx.TransactionID, tx.SignedDate),
		Rail:                  core.RailNative,
		ProductID:             tx.ProductID,
		TransactionID:         tx.TransactionID,
		OriginalTransactionID: tx.OriginalTransactionID,
		OccurredAt:            unixMillis(tx.SignedDate),
		PayloadDigest:         PayloadDigest(raw),
	}
	if tx.PurchaseDate > 0 {
		t := unixMillis(tx.PurchaseDate)
		ev.StartedAt = &t
	}
	if tx.ExpiresDate > 0 {
		t := unixMillis(tx.ExpiresDate)
		ev.ExpiresAt = &t
	}

	switch {
	case tx.RevocationDate > 0:
		// Refunded or revoked by the platform: entitlement ends at the
		// revocation instant, with no grace.
		ev.Status = core.StatusCancelled
		t := unixMillis(tx.RevocationDate)
		ev.ExpiresAt = &t
	case ev.ExpiresAt != nil && ev.ExpiresAt.Before(now):
		ev.Status = core.StatusExpired
	default:
		ev.Status = core.StatusActive
	}
	return ev, nil
}

func unixMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
