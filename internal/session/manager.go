package session

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"github.com/bridgeaid/client/internal/tokenstore"
	apperrors "github.com/bridgeaid/client/pkg/errors"
	"github.com/bridgeaid/client/pkg/httpclient"
	"github.com/bridgeaid/client/pkg/logger"
	"github.com/bridgeaid/client/pkg/validator"
)

// Messages returned in Result.Error when nothing more specific is known.
const (
	MsgLoginError        = "Login error"
	MsgInvalidResponse   = "Invalid server response"
	MsgRegistrationError = "Registration error"
)

// AuthAPI is the slice of the backend the Manager talks to.
type AuthAPI interface {
	ObtainToken(ctx context.Context, email, password string) (json.RawMessage, error)
	Register(ctx context.Context, body any) (json.RawMessage, error)
	Me(ctx context.Context) (json.RawMessage, error)
	UpdateMe(ctx context.Context, fields any) (json.RawMessage, error)
}

// Registration is the sign-up payload.
type Registration struct {
	Email     string `json:"email" validate:"required,email"`
	Password  string `json:"password" validate:"required"`
	Password2 string `json:"password2,omitempty" validate:"omitempty,eqfield=Password"`
	FirstName string `json:"first_name,omitempty" validate:"max=30"`
	LastName  string `json:"last_name,omitempty" validate:"max=30"`
	Phone     string `json:"phone,omitempty"`
}

type credentials struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type tokenResponse struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh"`
}

// Manager owns the current Session. All methods are safe for concurrent use.
type Manager struct {
	api    AuthAPI
	tokens tokenstore.Store
	logger *slog.Logger

	initOnce sync.Once

	mu      sync.Mutex
	current Session
	subs    map[*subscriber]struct{}
}

type subscriber struct {
	ch   chan Session
	once sync.Once
}

// NewManager returns a Manager in the Unresolved state.
func NewManager(api AuthAPI, tokens tokenstore.Store, logger *slog.Logger) *Manager {
	return &Manager{
		api:     api,
		tokens:  tokens,
		logger:  logger,
		current: initial(),
		subs:    make(map[*subscriber]struct{}),
	}
}

// Current returns the latest Session.
func (m *Manager) Current() Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// UserID returns the signed-in user's id, or "" when nobody is signed in.
func (m *Manager) UserID(context.Context) string {
	s := m.Current()
	if !s.Authenticated() {
		return ""
	}
	return s.User.ID()
}

// Subscribe returns a channel that receives the current Session immediately
// and then every transition. A subscriber that falls behind only sees the
// most recent Session. cancel closes the channel.
func (m *Manager) Subscribe() (<-chan Session, func()) {
	sub := &subscriber{ch: make(chan Session, 1)}

	m.mu.Lock()
	sub.ch <- m.current
	m.subs[sub] = struct{}{}
	m.mu.Unlock()

	cancel := func() {
		m.mu.Lock()
		delete(m.subs, sub)
		m.mu.Unlock()
		sub.once.Do(func() { close(sub.ch) })
	}
	return sub.ch, cancel
}

// publish replaces the current Session and notifies subscribers.
func (m *Manager) publish(next Session) {
	m.publishIf(func(Session) (Session, bool) { return next, true })
}

// publishIf derives the next Session from the current one and publishes it
// when next reports true. The check and the swap happen under one lock.
func (m *Manager) publishIf(next func(cur Session) (Session, bool)) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := next(m.current)
	if !ok {
		return false
	}
	m.current = s
	for sub := range m.subs {
		select {
		case sub.ch <- s:
		default:
			// Drop the stale value; only publishIf sends, under mu.
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- s
		}
	}
	return true
}

func (m *Manager) signedOut() {
	m.publish(Session{State: Unauthenticated})
}

func (m *Manager) signedIn(profile Profile, access string) {
	s := Session{State: Authenticated, User: profile}
	if access != "" {
		if claims, err := readClaims(access); err == nil {
			s.AccessExpiresAt = claims.ExpiresAt
		}
	}
	m.publish(s)
}

// Initialize resolves the session from stored credentials. Only the first
// call does any work; later calls return the current Session.
func (m *Manager) Initialize(ctx context.Context) Session {
	m.initOnce.Do(func() {
		m.resolve(ctx)
	})
	return m.Current()
}

func (m *Manager) resolve(ctx context.Context) {
	log := logger.WithContext(ctx, m.logger)

	access, ok, err := m.tokens.Get(ctx, tokenstore.AccessToken)
	if err != nil {
		log.WarnContext(ctx, "token store read failed, starting signed out",
			slog.String("error", err.Error()),
		)
		m.signedOut()
		return
	}
	if !ok {
		log.DebugContext(ctx, "no stored access token")
		m.signedOut()
		return
	}

	profile, err := m.fetchProfile(ctx)
	if err != nil {
		log.InfoContext(ctx, "stored credentials rejected, clearing",
			slog.String("error", err.Error()),
		)
		m.clearTokens(ctx)
		m.signedOut()
		return
	}

	m.signedIn(profile, access)
	log.InfoContext(ctx, "session restored", slog.String("user_id", profile.ID()))
}

// Login exchanges email and password for a credential pair, stores it and
// loads the profile. Failures are reported in the Result.
func (m *Manager) Login(ctx context.Context, email, password string) Result {
	log := logger.WithContext(ctx, m.logger)

	if err := validator.Validate(credentials{Email: email, Password: password}); err != nil {
		return failure(err.Error())
	}

	body, err := m.api.ObtainToken(ctx, email, password)
	if err != nil {
		log.InfoContext(ctx, "login failed", logger.Email(email), slog.String("error", err.Error()))
		return failure(errorMessage(err, MsgLoginError))
	}

	var tokens tokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		log.WarnContext(ctx, "login response is not a token object", slog.String("error", err.Error()))
		return failure(MsgInvalidResponse)
	}
	pair := tokenstore.Pair{Access: tokens.Access, Refresh: tokens.Refresh}
	if !pair.Complete() {
		log.WarnContext(ctx, "login response is missing a token",
			slog.Bool("has_access", pair.Access != ""),
			slog.Bool("has_refresh", pair.Refresh != ""),
		)
		return failure(MsgInvalidResponse)
	}

	if err := tokenstore.SavePair(ctx, m.tokens, pair); err != nil {
		log.ErrorContext(ctx, "store credentials", slog.String("error", err.Error()))
		return failure(errorMessage(err, MsgLoginError))
	}

	profile, err := m.fetchProfile(ctx)
	if err != nil {
		log.WarnContext(ctx, "profile fetch after login failed", slog.String("error", err.Error()))
		return failure(errorMessage(err, MsgLoginError))
	}

	m.signedIn(profile, pair.Access)
	log.InfoContext(ctx, "user logged in",
		slog.String("user_id", profile.ID()),
		logger.Email(email),
	)
	return Result{Success: true}
}

// Register creates an account. It never stores credentials or changes the
// session; the caller logs in afterwards.
func (m *Manager) Register(ctx context.Context, reg Registration) Result {
	if err := validator.Validate(reg); err != nil {
		return failure(err.Error())
	}

	body, err := m.api.Register(ctx, reg)
	if err != nil {
		logger.WithContext(ctx, m.logger).InfoContext(ctx, "registration failed",
			logger.Email(reg.Email),
			slog.String("error", err.Error()),
		)
		return failure(errorMessage(err, MsgRegistrationError))
	}

	logger.WithContext(ctx, m.logger).InfoContext(ctx, "user registered", logger.Email(reg.Email))
	return Result{Success: true, Data: body}
}

// Logout clears both tokens and always ends Unauthenticated. Store errors
// are logged, not returned.
func (m *Manager) Logout(ctx context.Context) Session {
	m.clearTokens(ctx)
	m.signedOut()
	logger.WithContext(ctx, m.logger).InfoContext(ctx, "user logged out")
	return m.Current()
}

// CredentialsCleared moves an authenticated session to Unauthenticated. It is
// registered with the API client, which calls it after a failed token
// refresh has removed the stored credentials.
func (m *Manager) CredentialsCleared(ctx context.Context) {
	signedOut := m.publishIf(func(cur Session) (Session, bool) {
		return Session{State: Unauthenticated}, cur.Authenticated()
	})
	if signedOut {
		logger.WithContext(ctx, m.logger).InfoContext(ctx, "credentials expired, signed out")
	}
}

// ReloadProfile fetches the profile again and publishes it.
func (m *Manager) ReloadProfile(ctx context.Context) (Profile, error) {
	if !m.Current().Authenticated() {
		return nil, apperrors.Unauthorized("not signed in")
	}
	profile, err := m.fetchProfile(ctx)
	if err != nil {
		return nil, err
	}
	m.replaceProfile(profile)
	return profile, nil
}

// UpdateProfile sends fields to the profile endpoint and publishes the
// profile the backend returns.
func (m *Manager) UpdateProfile(ctx context.Context, fields map[string]any) (Profile, error) {
	if !m.Current().Authenticated() {
		return nil, apperrors.Unauthorized("not signed in")
	}
	if len(fields) == 0 {
		return nil, apperrors.InvalidInput("no profile fields given")
	}

	body, err := m.api.UpdateMe(ctx, fields)
	if err != nil {
		return nil, err
	}
	profile, err := ParseProfile(body)
	if err != nil {
		return nil, apperrors.InvalidResponse(err.Error())
	}
	m.replaceProfile(profile)
	return profile, nil
}

// replaceProfile swaps the user of an authenticated session. A session that
// was signed out in the meantime stays signed out.
func (m *Manager) replaceProfile(profile Profile) {
	m.publishIf(func(cur Session) (Session, bool) {
		cur.User = profile
		return cur, cur.State == Authenticated
	})
}

func (m *Manager) fetchProfile(ctx context.Context) (Profile, error) {
	body, err := m.api.Me(ctx)
	if err != nil {
		return nil, err
	}
	profile, err := ParseProfile(body)
	if err != nil {
		return nil, apperrors.InvalidResponse(err.Error())
	}
	return profile, nil
}

func (m *Manager) clearTokens(ctx context.Context) {
	if err := tokenstore.ClearPair(ctx, m.tokens); err != nil {
		logger.WithContext(ctx, m.logger).ErrorContext(ctx, "clear stored credentials",
			slog.String("error", err.Error()),
		)
	}
}

// errorMessage picks the message shown for a failed login or registration:
// the backend's own message, then the error text, then fallback.
func errorMessage(err error, fallback string) string {
	var apiErr *httpclient.APIError
	if errors.As(err, &apiErr) {
		if msg := apiErr.Message(); msg != "" {
			return msg
		}
	}
	if msg := err.Error(); msg != "" {
		return msg
	}
	return fallback
}
