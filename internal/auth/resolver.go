package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dotkom/vengeful-vineyard/internal/ow"
)

// ProfileFetcher fetches the OW profile behind a bearer credential.
type ProfileFetcher interface {
	FetchProfile(ctx context.Context, credential string) (ow.Profile, error)
}

// Resolver turns bearer credentials into local identities. It never
// triggers group sync; callers run that separately when they need it.
type Resolver struct {
	bindings *CredentialBinding
	users    UserStore
	profiles ProfileFetcher
}

// NewResolver constructs a Resolver.
func NewResolver(bindings *CredentialBinding, users UserStore, profiles ProfileFetcher) (*Resolver, error) {
	if bindings == nil {
		return nil, errors.New("credential binding is required")
	}
	if users == nil {
		return nil, errors.New("user store is required")
	}
	if profiles == nil {
		return nil, errors.New("profile fetcher is required")
	}
	return &Resolver{bindings: bindings, users: users, profiles: profiles}, nil
}

// Resolve maps credential to the caller's identity. ErrUnauthorized means
// no credential was presented; ErrNotFound means OW does not recognise it.
func (r *Resolver) Resolve(ctx context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, fmt.Errorf("%w: empty credential", ErrUnauthorized)
	}

	if externalID, ok := r.bindings.Lookup(credential); ok {
		user, err := r.users.UserByExternalID(ctx, externalID)
		if err == nil {
			return Identity{UserID: user.ID, ExternalID: externalID}, nil
		}
		// A bound credential always has a stored user; drop the binding so
		// the next request refetches the profile.
		r.bindings.Unbind(credential)
		if errors.Is(err, ErrNotFound) {
			return Identity{}, fmt.Errorf("credential bound to unknown ow user %d", externalID)
		}
		return Identity{}, err
	}

	profile, err := r.profiles.FetchProfile(ctx, credential)
	if err != nil {
		if errors.Is(err, ow.ErrNotFound) {
			return Identity{}, fmt.Errorf("%w: %v", ErrNotFound, err)
		}
		return Identity{}, fmt.Errorf("fetch profile: %w", err)
	}
	if profile.ExternalID == 0 {
		return Identity{}, fmt.Errorf("%w: profile without user id", ErrNotFound)
	}

	r.bindings.Bind(credential, profile.ExternalID)
	user, err := r.users.UpsertUser(ctx, Profile{
		ExternalID: profile.ExternalID,
		FirstName:  profile.FirstName,
		LastName:   profile.LastName,
		Email:      profile.Email,
	})
	if err != nil {
		r.bindings.Unbind(credential)
		return Identity{}, fmt.Errorf("upsert user: %w", err)
	}
	return Identity{UserID: user.ID, ExternalID: profile.ExternalID}, nil
}

// Bindings exposes the credential table, mainly for metrics.
func (r *Resolver) Bindings() *CredentialBinding { return r.bindings }
