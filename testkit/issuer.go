// Package testkit provides fixtures for testing applications that use
// entitlementkit without real billing rails: a transaction issuer that
// generates a throwaway signing chain and signs transaction payloads that
// validate against its own root pool, and a scriptable rail client.
package testkit

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/base64"
	"math/big"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// TransactionIssuer signs native-rail transaction fixtures. Verifiers
// built with Roots() accept everything it signs.
type TransactionIssuer struct {
	roots   *x509.CertPool
	leafKey *ecdsa.PrivateKey
	x5c     []string
}

// NewTransactionIssuer generates a root CA and a leaf signing key.
// It panics on generation failure; fixtures have no error path worth
// threading through every test.
func NewTransactionIssuer() *TransactionIssuer {
	rootKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic("testkit: generate root key: " + err.Error())
	}
	leafKey, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		panic("testkit: generate leaf key: " + err.Error())
	}

	now := time.Now()
	rootTmpl := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               pkix.Name{CommonName: "entitlementkit test root"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(24 * time.Hour),
		IsCA:                  true,
		KeyUsage:              x509.KeyUsageCertSign,
		BasicConstraintsValid: true,
	}
	rootDER, err := x509.CreateCertificate(rand.Reader, rootTmpl, rootTmpl, &rootKey.PublicKey, rootKey)
	if err != nil {
		panic("testkit: create root cert: " + err.Error())
	}
	rootCert, err := x509.ParseCertificate(rootDER)
	if err != nil {
		panic("testkit: parse root cert: " + err.Error())
	}

	leafTmpl := &x509.Certificate{
		SerialNumber: big.NewInt(2),
		Subject:      pkix.Name{CommonName: "entitlementkit test signer"},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(24 * time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageAny},
	}
	leafDER, err := x509.CreateCertificate(rand.Reader, leafTmpl, rootCert, &leafKey.PublicKey, rootKey)
	if err != nil {
		panic("testkit: create leaf cert: " + err.Error())
	}

	roots := x509.NewCertPool()
	roots.AddCert(rootCert)

	return &TransactionIssuer{
		roots:   roots,
		leafKey: leafKey,
		x5c: []string{
			base64.StdEncoding.EncodeToString(leafDER),
			base64.StdEncoding.EncodeToString(rootDER),
		},
	}
}

// Roots returns the pool a NativeVerifier should pin to accept this
// issuer's fixtures.
func (i *TransactionIssuer) Roots() *x509.CertPool { return i.roots }

// Transaction is a fixture transaction. Zero fields get sensible
// defaults in Sign.
type Transaction struct {
	TransactionID         string
	OriginalTransactionID string
	ProductID             string
	AppAccountToken       uuid.UUID
	PurchaseDate          time.Time
	ExpiresDate           time.Time
	RevocationDate        time.Time
	SignedDate            time.Time
}

// Sign produces a compact JWS for the transaction with the issuer's x5c
// chain in the protected header.
func (i *TransactionIssuer) Sign(tx Transaction) string {
	if tx.TransactionID == "" {
		tx.TransactionID = "tx-" + uuid.NewString()
	}
	if tx.OriginalTransactionID == "" {
		tx.OriginalTransactionID = tx.TransactionID
	}
	if tx.ProductID == "" {
		tx.ProductID = "premium.monthly"
	}
	if tx.SignedDate.IsZero() {
		tx.SignedDate = time.Now()
	}

	claims := jwt.MapClaims{
		"transactionId":         tx.TransactionID,
		"originalTransactionId": tx.OriginalTransactionID,
		"productId":             tx.ProductID,
		"appAccountToken":       tx.AppAccountToken.String(),
		"signedDate":            tx.SignedDate.UnixMilli(),
	}
	if !tx.PurchaseDate.IsZero() {
		claims["purchaseDate"] = tx.PurchaseDate.UnixMilli()
	}
	if !tx.ExpiresDate.IsZero() {
		claims["expiresDate"] = tx.ExpiresDate.UnixMilli()
	}
	if !tx.RevocationDate.IsZero() {
		claims["revocationDate"] = tx.RevocationDate.UnixMilli()
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	tok.Header["x5c"] = i.x5c
	signed, err := tok.SignedString(i.leafKey)
	if err != nil {
		panic("testkit: sign transaction: " + err.Error())
	}
	return signed
}
