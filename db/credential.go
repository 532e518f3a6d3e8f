package db

import (
	"context"
	"strings"

	"github.com/O-Tiger/WebServiceTwitchBot/credential"
)

// CredentialStore implements credential.Persister over the oauth_tokens table.
type CredentialStore struct {
	Store    *Store
	Provider string
}

var _ credential.Persister = (*CredentialStore)(nil)

func (c *CredentialStore) LoadCredential(ctx context.Context) (credential.Credential, bool, error) {
	rec, found, err := c.Store.GetOAuthToken(ctx, c.Provider)
	if err != nil || !found {
		return credential.Credential{}, found, err
	}
	return credential.Credential{
		AccessToken:  rec.AccessToken,
		RefreshToken: rec.RefreshToken,
		ExpiresAt:    rec.ExpiresAt,
		Scopes:       strings.Fields(rec.Scope),
		Login:        rec.Login,
	}, true, nil
}

func (c *CredentialStore) SaveCredential(ctx context.Context, cred credential.Credential) error {
	return c.Store.UpsertOAuthToken(ctx, c.Provider, TokenRecord{
		AccessToken:  cred.AccessToken,
		RefreshToken: cred.RefreshToken,
		ExpiresAt:    cred.ExpiresAt,
		Scope:        strings.Join(cred.Scopes, " "),
		Login:        cred.Login,
	})
}
