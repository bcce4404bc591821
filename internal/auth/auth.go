// Package auth validates bearer tokens against a JWKS endpoint and carries
// the resulting principal through request contexts.
package auth

import (
	"context"
	"errors"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/rs/zerolog"

	"github.com/tempora-io/tempora/internal/cache"
	"github.com/tempora-io/tempora/internal/config"
)

// Tier gates premium surfaces: VIP policies, commitments, proofs.
type Tier string

const (
	TierFree       Tier = "free"
	TierPremium    Tier = "premium"
	TierEnterprise Tier = "enterprise"
)

// Meets reports whether t grants at least the capabilities of required,
// ordering free < premium < enterprise.
func (t Tier) Meets(required Tier) bool {
	return tierRank(t) >= tierRank(required)
}

func tierRank(t Tier) int {
	switch t {
	case TierEnterprise:
		return 2
	case TierPremium:
		return 1
	default:
		return 0
	}
}

type Principal struct {
	UserID string
	Tier   Tier
}

type BearerAuth struct {
	cfg    config.AuthConfig
	logger zerolog.Logger

	keyset jwk.Set
	ksAt   time.Time
	ksTTL  time.Duration

	verCache *cache.Cache[string, *Principal]
}

func NewBearerAuth(cfg config.AuthConfig, logger zerolog.Logger) *BearerAuth {
	return &BearerAuth{
		cfg:      cfg,
		logger:   logger.With().Str("component", "auth").Logger(),
		ksTTL:    10 * time.Minute,
		verCache: cache.New[string, *Principal](2 * time.Minute),
	}
}

func (b *BearerAuth) Authenticate(ctx context.Context, token string) (*Principal, error) {
	if p, ok := b.verCache.Get(token); ok && p != nil {
		return p, nil
	}
	if b.cfg.JWKSURL == "" {
		return nil, errors.New("no jwt validation configured")
	}

	set := b.keyset
	var err error
	if set == nil || time.Since(b.ksAt) > b.ksTTL {
		set, err = jwk.Fetch(ctx, b.cfg.JWKSURL)
		if err != nil {
			return nil, err
		}
		b.keyset = set
		b.ksAt = time.Now()
	}

	tok, err := jwt.Parse([]byte(token), jwt.WithKeySet(set), jwt.WithValidate(true))
	if err != nil {
		return nil, err
	}
	if iss := tok.Issuer(); b.cfg.Issuer != "" && iss != b.cfg.Issuer {
		return nil, errors.New("issuer mismatch")
	}
	if aud := tok.Audience(); len(aud) > 0 && b.cfg.Audience != "" {
		found := false
		for _, a := range aud {
			if a == b.cfg.Audience {
				found = true
				break
			}
		}
		if !found {
			return nil, errors.New("audience mismatch")
		}
	}
	sub := tok.Subject()
	if sub == "" {
		return nil, errors.New("no sub")
	}

	p := &Principal{UserID: sub, Tier: tierClaim(tok)}
	b.verCache.Set(token, p)
	return p, nil
}

func tierClaim(tok jwt.Token) Tier {
	if v, ok := tok.Get("tier"); ok {
		if s, ok := v.(string); ok {
			switch Tier(s) {
			case TierPremium, TierEnterprise:
				return Tier(s)
			}
		}
	}
	return TierFree
}
