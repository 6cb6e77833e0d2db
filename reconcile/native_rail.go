package reconcile

import (
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"

	"github.com/open-rails/entitlementkit/core"
	"github.com/open-rails/entitlementkit/verify"
)

// NativeRailConfig configures the native platform billing API client.
type NativeRailConfig struct {
	// BaseURL of the platform's server API, without trailing slash.
	BaseURL string
	// IssuerID and KeyID identify the API key used to sign request tokens.
	IssuerID string
	KeyID    string
	BundleID string
	// PrivateKey signs ES256 request tokens.
	PrivateKey *ecdsa.PrivateKey
	// HTTPClient defaults to http.DefaultClient; callers pass one with
	// their own transport limits.
	HTTPClient *http.Client
}

// NativeRail queries the platform's subscription-status endpoint and runs
// every returned signed transaction through the same verifier the push
// stream uses.
type NativeRail struct {
	cfg      NativeRailConfig
	verifier *verify.NativeVerifier
	now      func() time.Time
}

func NewNativeRail(cfg NativeRailConfig, verifier *verify.NativeVerifier) *NativeRail {
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = http.DefaultClient
	}
	return &NativeRail{cfg: cfg, verifier: verifier, now: time.Now}
}

func (r *NativeRail) Rail() core.Rail { return core.RailNative }

// statusResponse is the subset of the subscription-status payload we
// consume: the signed transaction JWS per subscription group.
type statusResponse struct {
	Data []struct {
		LastTransactions []struct {
			Status                int    `json:"status"`
			SignedTransactionInfo string `json:"signedTransactionInfo"`
		} `json:"lastTransactions"`
	} `json:"data"`
}

func (r *NativeRail) CurrentEntitlements(ctx context.Context, rec core.Record) ([]core.Event, error) {
	if rec.OriginalTransactionID == "" || rec.Source != core.RailNative {
		// Nothing this rail ever originated for the account.
		return nil, nil
	}

	token, err := r.requestToken()
	if err != nil {
		return nil, fmt.Errorf("sign request token: %w", err)
	}

	url := fmt.Sprintf("%s/inApps/v1/subscriptions/%s", r.cfg.BaseURL, rec.OriginalTransactionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: native: %v", core.ErrRailUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		// The rail has no record of this subscription.
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("%w: native: status %d", core.ErrRailUnavailable, resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: native: %v", core.ErrRailUnavailable, err)
	}
	var sr statusResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return nil, fmt.Errorf("decode subscription statuses: %w", err)
	}

	var events []core.Event
	for _, group := range sr.Data {
		for _, tx := range group.LastTransactions {
			if tx.SignedTransactionInfo == "" {
				continue
			}
			ev, err := r.verifier.Verify([]byte(tx.SignedTransactionInfo), "")
			if err != nil {
				// The rail handed us a transaction we cannot verify;
				// skip it rather than fail the whole pass.
				var verr *core.VerificationError
				if errors.As(err, &verr) {
					continue
				}
				return nil, err
			}
			events = append(events, ev)
		}
	}
	return events, nil
}

// requestToken signs a short-lived ES256 bearer token for the platform
// server API.
func (r *NativeRail) requestToken() (string, error) {
	if r.cfg.PrivateKey == nil {
		return "", errors.New("native rail: no signing key configured")
	}
	now := r.now()
	tok := jwt.NewWithClaims(jwt.SigningMethodES256, jwt.MapClaims{
		"iss": r.cfg.IssuerID,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
		"aud": "appstoreconnect-v1",
		"bid": r.cfg.BundleID,
	})
	tok.Header["kid"] = r.cfg.KeyID
	return tok.SignedString(r.cfg.PrivateKey)
}
