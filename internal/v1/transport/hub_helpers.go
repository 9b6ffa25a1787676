package transport

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/PEPEANT/singularity-ox/server/internal/v1/logging"
)

var errNoVerifier = errors.New("no token verifier configured")

// validateOrigin checks if the request origin is in the allowed list.
// An empty list allows all origins; a missing Origin header allows
// non-browser clients.
func validateOrigin(r *http.Request, allowedOrigins []string) error {
	if len(allowedOrigins) == 0 {
		return nil
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		return nil
	}

	originURL, err := url.Parse(origin)
	if err != nil {
		logging.Warn(context.Background(), "invalid origin URL", zap.String("origin", origin), zap.Error(err))
		return fmt.Errorf("invalid origin URL: %w", err)
	}

	for _, allowed := range allowedOrigins {
		allowedURL, err := url.Parse(allowed)
		if err != nil {
			continue
		}
		if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
			return nil
		}
	}

	logging.Warn(context.Background(), "origin not in allowed list",
		zap.String("origin", origin), zap.Strings("allowedOrigins", allowedOrigins))
	return fmt.Errorf("origin not allowed: %s", origin)
}
