// Package token mints LiveKit access tokens for room participants.
package token

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/livekit/protocol/auth"
	"github.com/loqalabs/loqa-rooms/internal/config"
)

var (
	ErrMissingRoom     = errors.New("room name is required")
	ErrMissingIdentity = errors.New("participant identity is required")
	ErrNotConfigured   = errors.New("livekit api key or secret not configured")
)

// Grants selects the permissions written into a token.
type Grants struct {
	CanPublish     bool
	CanSubscribe   bool
	CanPublishData bool
}

// DefaultGrants are the permissions every room participant receives.
var DefaultGrants = Grants{CanPublish: true, CanSubscribe: true, CanPublishData: true}

// Request describes one token to mint.
type Request struct {
	Room     string
	Identity string
	Grants   Grants
	// TTL overrides the issuer's lifetime when positive.
	TTL time.Duration
}

// Issuer signs access tokens with the configured API key pair.
type Issuer struct {
	apiKey    string
	apiSecret string
	url       string
	ttl       time.Duration
	logger    *slog.Logger
}

func NewIssuer(cfg config.LiveKitConfig, logger *slog.Logger) *Issuer {
	return &Issuer{
		apiKey:    cfg.APIKey,
		apiSecret: cfg.APISecret,
		url:       cfg.URL,
		ttl:       cfg.TokenTTLDuration(),
		logger:    logger.With(slog.String("component", "token-issuer")),
	}
}

// Configured reports whether both halves of the key pair are present.
func (i *Issuer) Configured() bool {
	return i.apiKey != "" && i.apiSecret != ""
}

// Issue mints a token for identity in room with the default grants.
func (i *Issuer) Issue(room, identity string) (string, error) {
	return i.IssueRequest(Request{Room: room, Identity: identity, Grants: DefaultGrants})
}

// IssueRequest mints a token for an explicit request.
func (i *Issuer) IssueRequest(req Request) (string, error) {
	if req.Room == "" {
		return "", ErrMissingRoom
	}
	if req.Identity == "" {
		return "", ErrMissingIdentity
	}
	token, err := i.sign(req.Identity, req.Room, req.Grants, req.TTL)
	if err != nil {
		return "", err
	}
	i.logger.Info("generated token",
		slog.String("identity", req.Identity),
		slog.String("room", req.Room),
		slog.String("token_preview", preview(token)))
	return token, nil
}

func (i *Issuer) sign(identity, room string, grants Grants, ttl time.Duration) (string, error) {
	if !i.Configured() {
		return "", ErrNotConfigured
	}
	if ttl <= 0 {
		ttl = i.ttl
	}
	grant := &auth.VideoGrant{RoomJoin: room != "", Room: room}
	grant.SetCanPublish(grants.CanPublish)
	grant.SetCanSubscribe(grants.CanSubscribe)
	grant.SetCanPublishData(grants.CanPublishData)

	at := auth.NewAccessToken(i.apiKey, i.apiSecret)
	at.SetVideoGrant(grant).
		SetIdentity(identity).
		SetValidFor(ttl)

	token, err := at.ToJWT()
	if err != nil {
		return "", fmt.Errorf("sign access token: %w", err)
	}
	return token, nil
}

// SelfTestReport describes whether the server can mint tokens.
type SelfTestReport struct {
	Config struct {
		HasAPIKey    bool   `json:"hasApiKey"`
		HasAPISecret bool   `json:"hasApiSecret"`
		WSURL        string `json:"wsUrl"`
	} `json:"config"`
	TokenTest string `json:"tokenTest"`
}

// SelfTest mints a throwaway token and reports the outcome.
func (i *Issuer) SelfTest() SelfTestReport {
	var report SelfTestReport
	report.Config.HasAPIKey = i.apiKey != ""
	report.Config.HasAPISecret = i.apiSecret != ""
	report.Config.WSURL = i.url

	if _, err := i.sign("test-identity", "", Grants{}, time.Hour); err != nil {
		report.TokenTest = "Error: " + err.Error()
		return report
	}
	report.TokenTest = "Success"
	return report
}

func preview(token string) string {
	if len(token) <= 20 {
		return token
	}
	return token[:20] + "..."
}
