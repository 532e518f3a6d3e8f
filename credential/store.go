// Package credential holds the bot's chat credential and renews it lazily.
// There is no background refresh loop: callers ask GetValidToken before
// connecting a channel and renewal happens on demand.
package credential

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/O-Tiger/WebServiceTwitchBot/telemetry"
	"github.com/O-Tiger/WebServiceTwitchBot/twitchapi"
)

// RenewalWindow is how close to expiry GetValidToken renews eagerly.
const RenewalWindow = 5 * time.Minute

const tracerName = "credential"

// Credential is one bot identity's token pair. A zero ExpiresAt means the
// expiry is unknown and the token must be validated before it is trusted.
type Credential struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Scopes       []string
	Login        string
}

// Authority exchanges a refresh token for a new access token.
type Authority interface {
	Name() string
	Refresh(ctx context.Context, refreshToken string) (*twitchapi.RefreshResult, error)
}

// Validator probes an access token.
type Validator interface {
	Validate(ctx context.Context, accessToken string) (*twitchapi.ValidateResult, error)
}

// Persister loads and saves the credential. Load reports found=false when
// nothing has been stored yet.
type Persister interface {
	LoadCredential(ctx context.Context) (c Credential, found bool, err error)
	SaveCredential(ctx context.Context, c Credential) error
}

// Options configures a Store. Primary and Persister may be nil.
type Options struct {
	Primary   Authority
	Fallback  Authority
	Validator Validator
	Persister Persister
	// Initial seeds the credential before Load, usually from the environment.
	Initial Credential
	Now     func() time.Time
}

// Store guards the credential. All methods are safe for concurrent use and
// renewals are serialised.
type Store struct {
	mu        sync.Mutex
	cred      Credential
	primary   Authority
	fallback  Authority
	validator Validator
	persister Persister
	now       func() time.Time
}

func New(opts Options) *Store {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Store{
		cred:      opts.Initial,
		primary:   opts.Primary,
		fallback:  opts.Fallback,
		validator: opts.Validator,
		persister: opts.Persister,
		now:       now,
	}
}

// Current returns a copy of the held credential.
func (s *Store) Current() Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cred
}

// Load populates the credential from persisted state. With a future expiry it
// returns true without touching the network; otherwise it returns Renew().
func (s *Store) Load(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.persister != nil {
		stored, found, err := s.persister.LoadCredential(ctx)
		switch {
		case err != nil:
			slog.Warn("load credential failed", slog.Any("err", err), slog.String("component", "credential"))
		case found:
			if stored.RefreshToken == "" {
				stored.RefreshToken = s.cred.RefreshToken
			}
			s.cred = stored
		}
	}
	if !s.cred.ExpiresAt.IsZero() && s.cred.ExpiresAt.After(s.now()) && s.cred.AccessToken != "" {
		slog.Info("loaded stored credential", slog.Time("expires_at", s.cred.ExpiresAt), slog.String("component", "credential"))
		return true
	}
	return s.renewLocked(ctx)
}

// Renew exchanges the refresh token, trying the primary authority first and
// the fallback only when the primary fails. On total failure the previous
// credential is left untouched.
func (s *Store) Renew(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.renewLocked(ctx)
}

func (s *Store) renewLocked(ctx context.Context) bool {
	ctx, span := telemetry.StartSpan(ctx, tracerName, "credential.renew")
	defer span.End()

	if s.cred.RefreshToken == "" {
		slog.Warn("cannot renew credential: no refresh token", slog.String("component", "credential"))
		telemetry.RecordError(span, errors.New("no refresh token"))
		return false
	}
	var errs []error
	for _, a := range []Authority{s.primary, s.fallback} {
		if a == nil {
			continue
		}
		res, err := a.Refresh(ctx, s.cred.RefreshToken)
		telemetry.RecordRenewal(a.Name(), err == nil)
		if err != nil {
			slog.Warn("token renewal failed", slog.String("authority", a.Name()), slog.Any("err", err), slog.String("component", "credential"))
			errs = append(errs, err)
			continue
		}
		next := s.cred
		next.AccessToken = res.AccessToken
		if res.RefreshToken != "" {
			next.RefreshToken = res.RefreshToken
		}
		if len(res.Scope) > 0 {
			next.Scopes = res.Scope
		}
		next.ExpiresAt = twitchapi.ComputeExpiry(s.now(), res.ExpiresIn)
		s.cred = next
		s.persistLocked(ctx)
		span.SetAttributes(telemetry.AuthorityAttr(a.Name()))
		telemetry.SetSpanSuccess(span)
		slog.Info("credential renewed", slog.String("authority", a.Name()), slog.Time("expires_at", next.ExpiresAt), slog.String("component", "credential"))
		return true
	}
	if len(errs) == 0 {
		errs = append(errs, errors.New("no token authority configured"))
	}
	telemetry.RecordError(span, errors.Join(errs...))
	return false
}

// GetValidToken returns an access token that is not known to be expired,
// renewing or validating first as needed. ok is false only when no token can
// be established by any path.
func (s *Store) GetValidToken(ctx context.Context) (token string, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cred.AccessToken == "" {
		if !s.renewLocked(ctx) {
			return "", false
		}
		return s.cred.AccessToken, true
	}
	if s.cred.ExpiresAt.IsZero() {
		if !s.validateLocked(ctx) {
			if !s.renewLocked(ctx) {
				return "", false
			}
		}
		return s.cred.AccessToken, true
	}
	if s.cred.ExpiresAt.Sub(s.now()) <= RenewalWindow {
		s.renewLocked(ctx)
	}
	if !s.cred.ExpiresAt.After(s.now()) {
		return "", false
	}
	return s.cred.AccessToken, true
}

// Validate probes the current access token and, on success, updates the
// expiry from the reported remaining lifetime and persists it.
func (s *Store) Validate(ctx context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.validateLocked(ctx)
}

func (s *Store) validateLocked(ctx context.Context) bool {
	if s.validator == nil || s.cred.AccessToken == "" {
		return false
	}
	ctx, span := telemetry.StartSpan(ctx, tracerName, "credential.validate")
	defer span.End()

	res, err := s.validator.Validate(ctx, s.cred.AccessToken)
	telemetry.RecordValidation(err == nil)
	if err != nil {
		slog.Warn("token validation failed", slog.Any("err", err), slog.String("component", "credential"))
		telemetry.RecordError(span, err)
		return false
	}
	s.cred.ExpiresAt = twitchapi.ComputeExpiry(s.now(), res.ExpiresIn)
	if res.Login != "" {
		s.cred.Login = res.Login
	}
	if len(res.Scopes) > 0 {
		s.cred.Scopes = res.Scopes
	}
	s.persistLocked(ctx)
	telemetry.SetSpanSuccess(span)
	return true
}

// Replace installs a freshly issued credential, such as one from the
// authorization-code flow, and persists it.
func (s *Store) Replace(ctx context.Context, c Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c.RefreshToken == "" {
		c.RefreshToken = s.cred.RefreshToken
	}
	s.cred = c
	s.persistLocked(ctx)
}

func (s *Store) persistLocked(ctx context.Context) {
	if s.persister == nil {
		return
	}
	if err := s.persister.SaveCredential(ctx, s.cred); err != nil {
		slog.Warn("persist credential failed", slog.Any("err", err), slog.String("component", "credential"))
	}
}
