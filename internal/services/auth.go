package services

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"net/http"
	"time"

	"github.com/desertthunder/ledgersync/internal/shared"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	headerSessionID = "X-Session-ID"
	headerTimestamp = "X-Api-Timestamp"
	headerSignature = "X-Api-Signature"

	// timestampLayout is the format the remote expects in X-Api-Timestamp.
	timestampLayout = "02/01/2006 15:04:05"
)

// Sign returns the base64 HMAC-SHA256 of timestamp keyed by secret.
func Sign(secret, timestamp string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// signingTransport adds the scope session and request signature headers.
type signingTransport struct {
	base  http.RoundTripper
	scope shared.ScopeConfig
	now   func() time.Time
}

func (t *signingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	if t.scope.SessionID != "" {
		req.Header.Set(headerSessionID, t.scope.SessionID)
	}
	if t.scope.SignatureSecret != "" {
		ts := t.now().Format(timestampLayout)
		req.Header.Set(headerTimestamp, ts)
		req.Header.Set(headerSignature, Sign(t.scope.SignatureSecret, ts))
	}
	return t.base.RoundTrip(req)
}

// scopeHTTPClient builds the authenticated client for one scope.
//
// Scopes with client credentials get a refreshing token source; otherwise the static token
// (if any) is sent as a bearer token.
func scopeHTTPClient(base http.RoundTripper, scope shared.ScopeConfig, timeout time.Duration, now func() time.Time) *http.Client {
	if base == nil {
		base = http.DefaultTransport
	}

	var rt http.RoundTripper = &signingTransport{base: base, scope: scope, now: now}

	switch {
	case scope.UsesClientCredentials():
		cc := clientcredentials.Config{
			ClientID:     scope.ClientID,
			ClientSecret: scope.ClientSecret,
			TokenURL:     scope.TokenURL,
		}
		// token requests go through the same base transport, without signing
		ctx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{Transport: base, Timeout: timeout})
		rt = &oauth2.Transport{Source: cc.TokenSource(ctx), Base: rt}
	case scope.Token != "":
		rt = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: scope.Token, TokenType: "Bearer"}),
			Base:   rt,
		}
	}

	return &http.Client{Transport: rt, Timeout: timeout}
}
