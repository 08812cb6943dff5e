package credential

import (
	"fmt"

	"golang.org/x/oauth2"

	gateway "github.com/mstiller/switchboard/internal"
)

// flow describes how one provider kind performs OAuth: its endpoints, client
// id, scopes, and which grant it supports.
type flow struct {
	kind     string
	clientID string
	authURL  string
	tokenURL string
	scopes   []string

	// device selects the device-code grant; otherwise the flow is
	// authorization code + PKCE with a manually pasted redirect.
	device      bool
	deviceURL   string
	redirectURL string
}

// flows registers the OAuth-capable provider kinds. The config's
// oauth.provider field selects one.
var flows = map[string]*flow{
	"anthropic": {
		kind:        "anthropic",
		clientID:    "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
		authURL:     "https://claude.ai/oauth/authorize",
		tokenURL:    "https://console.anthropic.com/v1/oauth/token",
		scopes:      []string{"org:create_api_key", "user:profile", "user:inference"},
		redirectURL: "https://console.anthropic.com/oauth/code/callback",
	},
	"google": {
		kind:      "google",
		clientID:  "681255809395-oo8ft2oprdrnp9e3aqf6av3hmdib135j.apps.googleusercontent.com",
		authURL:   "https://accounts.google.com/o/oauth2/auth",
		tokenURL:  "https://oauth2.googleapis.com/token",
		deviceURL: "https://oauth2.googleapis.com/device/code",
		scopes:    []string{"https://www.googleapis.com/auth/cloud-platform"},
		device:    true,
	},
}

func flowFor(kind string) (*flow, error) {
	f, ok := flows[kind]
	if !ok {
		return nil, fmt.Errorf("oauth provider %q: %w", kind, gateway.ErrBadRequest)
	}
	return f, nil
}

func (f *flow) config() *oauth2.Config {
	return &oauth2.Config{
		ClientID: f.clientID,
		Endpoint: oauth2.Endpoint{
			AuthURL:       f.authURL,
			TokenURL:      f.tokenURL,
			DeviceAuthURL: f.deviceURL,
		},
		Scopes:      f.scopes,
		RedirectURL: f.redirectURL,
	}
}
