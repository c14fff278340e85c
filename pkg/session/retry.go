package session

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"
)

// maxRenewalAttempts bounds the expiry-retry loop. A server that keeps
// reporting an expired session after this many successful renewals is
// misbehaving and the operation fails rather than looping forever.
const maxRenewalAttempts = 5

// withExpiryRetry runs op with the current session token and retries it
// after a transparent renewal whenever op reports the session-expired code.
// The renewal is keyed to the token op observed, so concurrent detectors of
// the same expiry collapse into a single network renewal. This is the
// canonical expiry-retry pattern shared by heartbeat, status polling and
// statement execution.
func (s *Session) withExpiryRetry(ctx context.Context, op func(sessionToken string) error) error {
	for attempt := 0; ; attempt++ {
		token := s.currentSessionToken()

		err := op(token)
		if err == nil || !errors.Is(err, errSessionExpired) {
			return err
		}

		if attempt >= maxRenewalAttempts {
			return newError(ErrCodeSessionRenewalFailed,
				"session still reported expired after %d renewals", maxRenewalAttempts)
		}

		log.Debug().
			Str("session_id", s.SessionID()).
			Int("attempt", attempt+1).
			Msg("session expired, renewing and retrying")

		if err := s.renewOrReauthenticate(ctx, token); err != nil {
			return err
		}
	}
}

// renewOrReauthenticate renews the session, falling back to a full re-open
// when the server demands re-authentication and the authenticator is the
// external-browser variant. For every other variant a
// re-authentication-required failure is terminal.
func (s *Session) renewOrReauthenticate(ctx context.Context, observedToken string) error {
	err := s.RenewSession(ctx, observedToken)
	if err == nil {
		return nil
	}

	if errors.Is(err, ErrReauthenticationRequired) && s.authType() == AuthTypeExternalBrowser {
		log.Debug().Str("session_id", s.SessionID()).Msg("renewal requires re-authentication, re-opening session")
		return s.Open(ctx)
	}

	return err
}
