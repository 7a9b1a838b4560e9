package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"nyhetsjeger/api/internal/rbac"
	"nyhetsjeger/api/internal/store"
)

// Identity is the resolved caller. It does not change for the lifetime of a session.
type Identity struct {
	UserID   string
	Email    string
	Approved bool
	IsAdmin  bool
}

func (i Identity) Role() rbac.Role {
	return rbac.RoleFor(i.Approved, i.IsAdmin)
}

type ProfileStore interface {
	GetProfile(ctx context.Context, userID string) (store.Profile, error)
}

type Provider struct {
	verifier *Verifier
	profiles ProfileStore
}

func NewProvider(verifier *Verifier, profiles ProfileStore) *Provider {
	return &Provider{verifier: verifier, profiles: profiles}
}

// Resolve verifies token and loads the caller's approval state. A user without a profile
// row is treated as pending approval.
func (p *Provider) Resolve(ctx context.Context, token string) (Identity, error) {
	claims, err := p.verifier.Verify(token)
	if err != nil {
		return Identity{}, err
	}
	id := Identity{UserID: claims.Subject, Email: claims.Email}

	profile, err := p.profiles.GetProfile(ctx, claims.Subject)
	if errors.Is(err, sql.ErrNoRows) {
		return id, nil
	}
	if err != nil {
		return Identity{}, fmt.Errorf("load profile: %w", err)
	}
	id.Approved = profile.Approved
	id.IsAdmin = profile.IsAdmin
	if id.Email == "" {
		id.Email = profile.Email
	}
	return id, nil
}
