package app

import (
	"context"
	"time"

	"github.com/MrWong99/voxbridge/internal/observe"
)

const (
	defaultTokenRefresh = time.Minute
	defaultTokenRetry   = 5 * time.Second
	maxTokenRetry       = 2 * time.Minute
)

// keepToken fetches the access token at startup and keeps it fresh so that
// /readyz reflects whether agent turns can be authorised. Token only hits the
// endpoint when the cached token is missing or inside its expiry buffer, so
// the periodic call is cheap. Failures are retried with exponential backoff.
func (a *App) keepToken(ctx context.Context) {
	retry := a.tokenRetry
	for {
		wait := a.tokenRefresh
		if _, err := a.tokens.Token(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			observe.Logger(ctx).Warn("access token unavailable", "err", err, "retry_in", retry)
			wait = retry
			retry = min(retry*2, maxTokenRetry)
		} else {
			retry = a.tokenRetry
		}

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}
