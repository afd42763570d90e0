package pairing

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/ssd-technologies/corpusx/internal/integrity"
	"github.com/ssd-technologies/corpusx/internal/storage"
)

// HeaderAPIKey carries the raw API key on inter-server and client calls.
const HeaderAPIKey = "X-API-Key"

// QueryAPIKey is the fallback query parameter, used by WebSocket clients that
// cannot set headers.
const QueryAPIKey = "api_key"

// ErrUnauthorized is returned for a missing or unknown key.
var ErrUnauthorized = errors.New("unauthorized")

// SetKey adds the API key header to an outgoing request.
func SetKey(req *http.Request, key string) {
	req.Header.Set(HeaderAPIKey, key)
}

// Authenticator resolves the API key presented by a request.
type Authenticator struct {
	db *storage.DB
}

// NewAuthenticator creates an Authenticator backed by db.
func NewAuthenticator(db *storage.DB) *Authenticator {
	return &Authenticator{db: db}
}

// Authenticate reads the key from the X-API-Key header or the api_key query
// parameter and returns the matching stored key.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (*storage.APIKey, error) {
	raw := strings.TrimSpace(r.Header.Get(HeaderAPIKey))
	if raw == "" {
		raw = r.URL.Query().Get(QueryAPIKey)
	}
	if raw == "" {
		return nil, fmt.Errorf("missing api key: %w", ErrUnauthorized)
	}

	key, err := a.db.GetAPIKeyByHash(ctx, integrity.HashAPIKey(raw))
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("unknown api key: %w", ErrUnauthorized)
	}
	if err != nil {
		return nil, err
	}
	if !integrity.VerifyAPIKey(raw, key.KeyHash) {
		return nil, fmt.Errorf("api key mismatch: %w", ErrUnauthorized)
	}
	return key, nil
}

type ctxKey struct{}

// WithKey returns a context carrying the authenticated key.
func WithKey(ctx context.Context, key *storage.APIKey) context.Context {
	return context.WithValue(ctx, ctxKey{}, key)
}

// KeyFrom returns the key stored by Middleware, if any.
func KeyFrom(ctx context.Context) (*storage.APIKey, bool) {
	key, ok := ctx.Value(ctxKey{}).(*storage.APIKey)
	return key, ok
}

// Middleware rejects requests without a valid key with 401 and stores the
// key in the request context otherwise.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key, err := a.Authenticate(r.Context(), r)
		if err != nil {
			status := http.StatusUnauthorized
			if !errors.Is(err, ErrUnauthorized) {
				status = http.StatusInternalServerError
			}
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			fmt.Fprintf(w, `{"error":%q}`, http.StatusText(status))
			return
		}
		next.ServeHTTP(w, r.WithContext(WithKey(r.Context(), key)))
	})
}
