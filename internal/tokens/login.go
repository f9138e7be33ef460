package tokens

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/oauth2"
)

// stateTokenBytes is the number of random bytes in the OAuth2 state
// parameter (CSRF protection).
const stateTokenBytes = 16

// shutdownTimeout bounds graceful shutdown of the callback server.
const shutdownTimeout = 5 * time.Second

// callbackResult carries the outcome of the OAuth2 redirect to the
// waiting login flow.
type callbackResult struct {
	code string
	err  error
}

// Exchange redeems an authorization code for the initial token set. It is
// a single request with no retry. verifier is the PKCE verifier, or "" when
// the authorization request carried no challenge.
func (a App) Exchange(ctx context.Context, code, verifier string) (*oauth2.Token, error) {
	var opts []oauth2.AuthCodeOption
	if verifier != "" {
		opts = append(opts, oauth2.VerifierOption(verifier))
	}

	tok, err := a.OAuth2Config().Exchange(ctx, code, opts...)
	if err != nil {
		var rErr *oauth2.RetrieveError
		if errors.As(err, &rErr) {
			status := 0
			if rErr.Response != nil {
				status = rErr.Response.StatusCode
			}

			return nil, &EndpointError{StatusCode: status, Code: rErr.ErrorCode, Description: rErr.ErrorDescription}
		}

		return nil, fmt.Errorf("%w: %w", ErrTransport, err)
	}

	if tok.AccessToken == "" || tok.RefreshToken == "" {
		return nil, ErrMissingToken
	}

	return tok, nil
}

// LoginWithBrowser runs the authorization code flow with PKCE: it listens
// on localhost for the redirect, hands the authorization URL to openURL,
// and exchanges the returned code. When app.RedirectURL is set its host,
// port and path are used for the listener; otherwise a free port on
// 127.0.0.1 is chosen and the redirect URL is derived from it.
func LoginWithBrowser(
	ctx context.Context,
	app App,
	openURL func(string) error,
	logger *slog.Logger,
) (*oauth2.Token, error) {
	if logger == nil {
		logger = slog.Default()
	}

	logger.Info("starting browser auth flow (authorization code + PKCE)",
		slog.String("tenant", app.Tenant),
	)

	listenAddr, callbackPath, err := callbackAddress(app.RedirectURL)
	if err != nil {
		return nil, err
	}

	resultCh := make(chan callbackResult, 1)
	mux := http.NewServeMux()

	srv, port, err := startCallbackServer(ctx, listenAddr, mux, resultCh, logger)
	if err != nil {
		return nil, err
	}

	defer shutdownCallbackServer(srv, logger)

	if app.RedirectURL == "" {
		app.RedirectURL = fmt.Sprintf("http://localhost:%d%s", port, callbackPath)
	}

	verifier := oauth2.GenerateVerifier()

	state, err := generateState()
	if err != nil {
		return nil, fmt.Errorf("tokens: generating state token: %w", err)
	}

	registerCallbackHandler(mux, callbackPath, state, resultCh)

	authURL := app.OAuth2Config().AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.S256ChallengeOption(verifier),
	)

	logger.Info("opening browser for authorization")

	if openErr := openURL(authURL); openErr != nil {
		return nil, fmt.Errorf("tokens: presenting authorization URL: %w", openErr)
	}

	code, err := waitForCallback(ctx, resultCh)
	if err != nil {
		return nil, err
	}

	logger.Info("received authorization code, exchanging for token")

	tok, err := app.Exchange(ctx, code, verifier)
	if err != nil {
		return nil, err
	}

	logger.Info("token exchange successful", slog.Time("expiry", tok.Expiry))

	return tok, nil
}

// callbackAddress derives the listen address and callback path from a
// configured redirect URL. An empty redirect URL selects a random port.
func callbackAddress(redirectURL string) (listenAddr, path string, err error) {
	if redirectURL == "" {
		return "127.0.0.1:0", "/", nil
	}

	u, err := url.Parse(redirectURL)
	if err != nil {
		return "", "", fmt.Errorf("tokens: parsing redirect URL: %w", err)
	}

	if u.Scheme != "http" || u.Port() == "" {
		return "", "", fmt.Errorf("tokens: redirect URL %q must be http with an explicit port", redirectURL)
	}

	host := u.Hostname()
	if host == "localhost" {
		host = "127.0.0.1"
	}

	path = u.Path
	if path == "" {
		path = "/"
	}

	return net.JoinHostPort(host, u.Port()), path, nil
}

// startCallbackServer binds a listener and serves mux in the background.
// Returns the server and the bound port.
func startCallbackServer(
	ctx context.Context,
	addr string,
	mux *http.ServeMux,
	resultCh chan<- callbackResult,
	logger *slog.Logger,
) (*http.Server, int, error) {
	lc := net.ListenConfig{}

	listener, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, 0, fmt.Errorf("tokens: binding callback listener %s: %w", addr, err)
	}

	tcpAddr, ok := listener.Addr().(*net.TCPAddr)
	if !ok {
		listener.Close()
		return nil, 0, fmt.Errorf("tokens: listener address is not TCP")
	}

	logger.Info("callback server listening", slog.Int("port", tcpAddr.Port))

	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: shutdownTimeout,
	}

	go func() {
		if serveErr := srv.Serve(listener); serveErr != nil && !errors.Is(serveErr, http.ErrServerClosed) {
			select {
			case resultCh <- callbackResult{err: fmt.Errorf("tokens: callback server error: %w", serveErr)}:
			default:
			}
		}
	}()

	return srv, tcpAddr.Port, nil
}

func registerCallbackHandler(mux *http.ServeMux, path, state string, resultCh chan<- callbackResult) {
	mux.HandleFunc("GET "+path, func(w http.ResponseWriter, r *http.Request) {
		handleOAuthCallback(w, r, state, resultCh)
	})
}

// handleOAuthCallback validates the redirect and forwards the code. Only
// the first result is delivered; later hits get the same HTTP answer but
// are otherwise ignored.
func handleOAuthCallback(w http.ResponseWriter, r *http.Request, state string, resultCh chan<- callbackResult) {
	q := r.URL.Query()

	var result callbackResult

	switch {
	case q.Get("state") != state:
		http.Error(w, "Invalid state parameter", http.StatusBadRequest)
		result.err = fmt.Errorf("tokens: OAuth2 state mismatch (possible CSRF)")
	case q.Get("error") != "":
		http.Error(w, "Authorization failed: "+q.Get("error"), http.StatusBadRequest)
		result.err = fmt.Errorf("tokens: authorization failed: %s: %s", q.Get("error"), q.Get("error_description"))
	case q.Get("code") == "":
		http.Error(w, "Missing authorization code", http.StatusBadRequest)
		result.err = fmt.Errorf("tokens: callback missing authorization code")
	default:
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		fmt.Fprint(w, "<html><body><h1>Authentication successful</h1>"+
			"<p>You can close this window and return to the terminal.</p></body></html>")

		result.code = q.Get("code")
	}

	select {
	case resultCh <- result:
	default:
	}
}

func shutdownCallbackServer(srv *http.Server, logger *slog.Logger) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("callback server shutdown error", slog.String("error", err.Error()))
	}
}

func waitForCallback(ctx context.Context, resultCh <-chan callbackResult) (string, error) {
	select {
	case result := <-resultCh:
		if result.err != nil {
			return "", result.err
		}

		return result.code, nil
	case <-ctx.Done():
		return "", fmt.Errorf("tokens: browser auth canceled: %w", ctx.Err())
	}
}

// generateState returns a random hex string for the OAuth2 state parameter.
func generateState() (string, error) {
	b := make([]byte, stateTokenBytes)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}

	return hex.EncodeToString(b), nil
}
