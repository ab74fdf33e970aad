package caldav

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/emersion/go-webdav"
	"github.com/zalando/go-keyring"
	"golang.org/x/oauth2"

	"github.com/vonshlovens/vaultcal/internal/config"
)

// ErrNoCredentials is returned when an account has no usable secret
var ErrNoCredentials = errors.New("no credentials configured")

var (
	keyringGet = keyring.Get
	keyringSet = keyring.Set
)

const defaultTimeout = 30 * time.Second

// HTTPClient builds an authenticated HTTP client for an account. Basic auth
// reads the password from the config, falling back to the OS keyring entry
// keyring_service/username. OAuth2 exchanges the refresh token for access
// tokens on demand.
func HTTPClient(ctx context.Context, acct config.AccountConfig) (webdav.HTTPClient, error) {
	base := &http.Client{Timeout: defaultTimeout}

	switch acct.Auth.Type {
	case "oauth2":
		refresh, err := secret(acct.Auth.RefreshToken, acct.Auth.KeyringService, acct.ID+":refresh_token")
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", acct.ID, err)
		}
		cfg := &oauth2.Config{
			ClientID:     acct.Auth.ClientID,
			ClientSecret: acct.Auth.ClientSecret,
			Endpoint:     oauth2.Endpoint{TokenURL: acct.Auth.TokenURL},
		}
		// the token source outlives the caller's request
		ctx = context.WithValue(context.WithoutCancel(ctx), oauth2.HTTPClient, base)
		src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: refresh})
		client := oauth2.NewClient(ctx, src)
		client.Timeout = defaultTimeout
		return client, nil

	case "basic", "":
		password, err := secret(acct.Auth.Password, acct.Auth.KeyringService, acct.Auth.Username)
		if err != nil {
			return nil, fmt.Errorf("account %s: %w", acct.ID, err)
		}
		return webdav.HTTPClientWithBasicAuth(base, acct.Auth.Username, password), nil

	default:
		return nil, fmt.Errorf("account %s: unsupported auth type %q", acct.ID, acct.Auth.Type)
	}
}

// secret returns value, or the keyring entry service/user when value is empty
func secret(value, service, user string) (string, error) {
	if value != "" {
		return value, nil
	}
	if service == "" {
		return "", ErrNoCredentials
	}
	s, err := keyringGet(service, user)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", ErrNoCredentials
		}
		return "", fmt.Errorf("keyring lookup failed: %w", err)
	}
	return s, nil
}

// StoreSecret saves a secret in the OS keyring under service/user
func StoreSecret(service, user, value string) error {
	return keyringSet(service, user, value)
}
