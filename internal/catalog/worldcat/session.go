package worldcat

import (
	"context"
	"net/http"

	"golang.org/x/oauth2/clientcredentials"

	"github.com/utlibraries/audiocat/internal/catalog"
	"github.com/utlibraries/audiocat/internal/llm"
)

// session holds the pieces shared by CatalogSearchClient and
// HoldingsClient: an OAuth2 client-credentials token source scoped to
// "wcapi" and a rate limiter so both clients draw from the same
// requests-per-second budget against OCLC's quota.
type session struct {
	httpClient *http.Client
	limiter    *llm.RateLimiter
	cfg        catalog.WorldCatConfig
}

func newSession(cfg catalog.WorldCatConfig, clientID, clientSecret string) *session {
	oauthCfg := clientcredentials.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		TokenURL:     cfg.TokenURL,
		Scopes:       []string{"wcapi"},
	}

	return &session{
		httpClient: oauthCfg.Client(context.Background()),
		limiter:    llm.NewRateLimiter(cfg.RequestsPerSecond, 1),
		cfg:        cfg,
	}
}

func (s *session) get(ctx context.Context, url string) (*http.Response, error) {
	if err := s.limiter.Wait(ctx); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	return s.httpClient.Do(req)
}
