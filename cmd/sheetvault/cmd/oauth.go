package cmd

import (
	"context"

	"github.com/wesm/sheetvault/internal/credential"
	"github.com/wesm/sheetvault/internal/oauth"
)

// newFlow loads the client secrets and builds the consent flow. An empty
// redirectURL keeps the one from the secrets file.
func newFlow(ctx context.Context, creds credential.Store, redirectURL string) (*oauth.Flow, error) {
	if cfg.OAuth.ClientSecrets == "" {
		return nil, errOAuthNotConfigured()
	}
	oc, err := oauth.LoadConfig(cfg.OAuth.ClientSecrets, redirectURL)
	if err != nil {
		return nil, wrapOAuthError(err)
	}
	flow := oauth.NewFlow(oc, creds).WithLogger(logger)
	if cfg.OAuth.VerifyIDToken {
		flow = flow.WithVerifier(oauth.NewGoogleVerifier(ctx, oc.ClientID))
	}
	return flow, nil
}
