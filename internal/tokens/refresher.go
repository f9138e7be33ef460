package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// maxTokenResponseBytes bounds how much of a token endpoint response is read.
const maxTokenResponseBytes = 1 << 20

// defaultExpiresIn is assumed when a success response omits expires_in.
const defaultExpiresIn = time.Hour

// Refresher exchanges a refresh token for a new token set.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken, tenant string, app App) (*oauth2.Token, error)
}

// tokenResponse is the token endpoint's JSON body, success or error.
type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	RefreshToken     string `json:"refresh_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	IDToken          string `json:"id_token"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// HTTPRefresher posts a refresh_token grant to the token endpoint. It makes
// exactly one request per call and never retries.
type HTTPRefresher struct {
	httpClient *http.Client
	logger     *slog.Logger
	nowFunc    func() time.Time
}

// NewHTTPRefresher returns a refresher using httpClient, which should carry
// a timeout.
func NewHTTPRefresher(httpClient *http.Client, logger *slog.Logger) *HTTPRefresher {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	if logger == nil {
		logger = slog.Default()
	}

	return &HTTPRefresher{
		httpClient: httpClient,
		logger:     logger,
		nowFunc:    time.Now,
	}
}

// Refresh redeems refreshToken. The status code and the OAuth2 error fields
// are checked before access_token is trusted. A success response must carry
// both access_token and refresh_token; the returned refresh token replaces
// the stored one.
func (r *HTTPRefresher) Refresh(ctx context.Context, refreshToken, tenant string, app App) (*oauth2.Token, error) {
	form := url.Values{}
	form.Set("grant_type", "refresh_token")
	form.Set("client_id", app.ClientID)

	if app.ClientSecret != "" {
		form.Set("client_secret", app.ClientSecret)
	}

	form.Set("refresh_token", refreshToken)
	form.Set("scope", strings.Join(Scopes, " "))

	tokenURL := app.TokenURL(tenant)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: creating request: %w", ErrTransport, err)
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	requestedAt := r.nowFunc()

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", ErrTransport, err)
	}

	ok := resp.StatusCode >= http.StatusOK && resp.StatusCode < http.StatusMultipleChoices

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		if !ok {
			return nil, &EndpointError{StatusCode: resp.StatusCode}
		}

		return nil, fmt.Errorf("%w: %w", ErrMalformedResponse, err)
	}

	if !ok || tr.Error != "" {
		r.logger.Warn("token endpoint returned an error",
			slog.String("tenant", tenant),
			slog.Int("status", resp.StatusCode),
			slog.String("error", tr.Error),
		)

		return nil, &EndpointError{StatusCode: resp.StatusCode, Code: tr.Error, Description: tr.ErrorDescription}
	}

	if tr.AccessToken == "" || tr.RefreshToken == "" {
		return nil, ErrMissingToken
	}

	expiresIn := time.Duration(tr.ExpiresIn) * time.Second
	if expiresIn <= 0 {
		expiresIn = defaultExpiresIn
	}

	tok := &oauth2.Token{
		AccessToken:  tr.AccessToken,
		TokenType:    tr.TokenType,
		RefreshToken: tr.RefreshToken,
		Expiry:       requestedAt.Add(expiresIn),
	}

	if tr.IDToken != "" {
		tok = tok.WithExtra(map[string]any{"id_token": tr.IDToken})
	}

	r.logger.Debug("token refreshed",
		slog.String("tenant", tenant),
		slog.Time("expiry", tok.Expiry),
	)

	return tok, nil
}
