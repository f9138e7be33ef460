package tokens

import (
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/microsoft"
)

// Scopes is the fixed scope set requested at authorization and refresh
// time. It is not configurable.
var Scopes = []string{
	"offline_access",
	"Files.ReadWrite.All",
	"User.Read",
}

// App is the registered Entra ID application tokens are issued to.
type App struct {
	Tenant       string
	ClientID     string
	ClientSecret string
	RedirectURL  string

	// Endpoint replaces the Microsoft identity platform endpoint. Nil means
	// microsoft.AzureADEndpoint(tenant).
	Endpoint *oauth2.Endpoint
}

// endpoint returns the OAuth2 endpoint for tenant. An empty tenant selects
// the multi-tenant "common" endpoint.
func (a App) endpoint(tenant string) oauth2.Endpoint {
	if a.Endpoint != nil {
		return *a.Endpoint
	}

	return microsoft.AzureADEndpoint(tenant)
}

// TokenURL returns the token endpoint for tenant.
func (a App) TokenURL(tenant string) string {
	return a.endpoint(tenant).TokenURL
}

// OAuth2Config builds the oauth2 configuration for the app's tenant.
func (a App) OAuth2Config() *oauth2.Config {
	return &oauth2.Config{
		ClientID:     a.ClientID,
		ClientSecret: a.ClientSecret,
		Endpoint:     a.endpoint(a.Tenant),
		RedirectURL:  a.RedirectURL,
		Scopes:       Scopes,
	}
}
