// Package google builds the OAuth2 configuration used for token refresh.
package google

import (
	"os"

	"golang.org/x/oauth2"
	googleOAuth "golang.org/x/oauth2/google"
)

// Scopes required for the Gemini API and basic profile data.
var Scopes = []string{
	"https://www.googleapis.com/auth/generative-language.retriever",
	"https://www.googleapis.com/auth/cloud-platform",
	"https://www.googleapis.com/auth/userinfo.email",
	"https://www.googleapis.com/auth/userinfo.profile",
}

// GetOAuthConfig returns the OAuth2 config for Google authentication.
// Credentials come from GOOGLE_CLIENT_ID / GOOGLE_CLIENT_SECRET; accounts are
// imported with tokens already issued, so the config is only needed for the
// refresh-token grant.
func GetOAuthConfig() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     os.Getenv("GOOGLE_CLIENT_ID"),
		ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
		Scopes:       Scopes,
		Endpoint:     googleOAuth.Endpoint,
	}
}
