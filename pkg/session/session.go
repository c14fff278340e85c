// Package session owns the lifecycle of a logical connection to the Tundra
// service: establishing it, keeping it alive across idle periods, renewing
// its credentials transparently when they expire mid-operation, and
// refusing teardown while asynchronous queries are still running.
package session

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/tundradb/tundra-go/pkg/telemetry"
	"github.com/tundradb/tundra-go/pkg/transport"
)

const (
	defaultLoginTimeout      = 60 * time.Second
	defaultConnectionTimeout = 60 * time.Second
	defaultSocketTimeout     = 300 * time.Second
)

// Server-driven session parameters applied to the session configuration
// after a successful open.
const (
	paramKeepAlive          = "CLIENT_SESSION_KEEP_ALIVE"
	paramKeepAliveFrequency = "CLIENT_SESSION_KEEP_ALIVE_HEARTBEAT_FREQUENCY"
	paramAutoCommit         = "AUTOCOMMIT"
)

// Session is a logical connection to the service. It is constructed closed;
// Open authenticates and transitions it to open, Close tears it down.
// Credential mutation is serialized on the session mutex so concurrent
// renewals of the same stale token collapse into one network call.
type Session struct {
	auth      Authenticator
	transport transport.Transport
	scheduler *HeartbeatScheduler

	mu         sync.Mutex
	creds      CredentialState
	closed     bool
	sessionID  string
	database   string
	schema     string
	warehouse  string
	role       string
	autoCommit bool

	properties map[PropertyKey]any
	params     map[string]any
	warnings   []*Error

	sequenceID         atomic.Int64
	activeAsyncQueries sync.Map // query id -> struct{}

	telemetryMu sync.Mutex
	telemetry   *telemetry.Client

	enableHeartbeat    bool
	heartbeatFrequency time.Duration

	loginTimeout      time.Duration
	networkTimeout    time.Duration
	authTimeout       time.Duration
	connectionTimeout time.Duration
	socketTimeout     time.Duration

	injectSocketTimeout time.Duration
	injectClientPause   atomic.Int64 // one-shot injected pause, milliseconds

	passcodeInPassword        bool
	validateDefaultParameters bool
	tracingLevel              zerolog.Level

	privateKeyFile         string
	privateKeyFilePassword string
}

// Option configures a Session at construction time.
type Option func(*Session)

// WithHeartbeatScheduler injects the scheduler the session registers with on
// open. Defaults to the process-wide scheduler.
func WithHeartbeatScheduler(h *HeartbeatScheduler) Option {
	return func(s *Session) { s.scheduler = h }
}

// WithHeartbeatFrequency sets the requested keepalive frequency. The
// scheduler still caps it against the master token validity window.
func WithHeartbeatFrequency(d time.Duration) Option {
	return func(s *Session) { s.heartbeatFrequency = d }
}

// New constructs a closed session around the two wire collaborators.
func New(auth Authenticator, tr transport.Transport, opts ...Option) *Session {
	s := &Session{
		auth:              auth,
		transport:         tr,
		scheduler:         defaultScheduler,
		closed:            true,
		autoCommit:        true,
		properties:        make(map[PropertyKey]any),
		params:            make(map[string]any),
		loginTimeout:      defaultLoginTimeout,
		connectionTimeout: defaultConnectionTimeout,
		socketTimeout:     defaultSocketTimeout,
		tracingLevel:      zerolog.InfoLevel,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Open authenticates the session and populates its credentials and resolved
// configuration. It validates all required properties before any network
// call is made.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.openLocked(ctx)
}

func (s *Session) openLocked(ctx context.Context) error {
	if err := s.sanityCheckProperties(); err != nil {
		return err
	}

	in := s.loginInput()
	log.Debug().
		Str("server_url", in.ServerURL).
		Str("account", in.AccountName).
		Str("user", in.UserName).
		Str("authenticator", string(in.Authenticator)).
		Str("database", in.DatabaseName).
		Str("schema", in.SchemaName).
		Str("warehouse", in.Warehouse).
		Str("role", in.Role).
		Bool("password_set", in.Password != "").
		Msg("opening session")

	out, err := s.auth.Authenticate(ctx, in)
	if err != nil {
		return wrapError(ErrCodeSessionEstablishmentFailed, err, "failed to establish session")
	}

	s.creds = CredentialState{
		SessionToken:        out.SessionToken,
		MasterToken:         out.MasterToken,
		IDToken:             out.IDToken,
		MFAToken:            out.MFAToken,
		MasterTokenValidity: out.MasterTokenValidity,
	}
	s.sessionID = out.SessionID
	s.database = out.Database
	s.schema = out.Schema
	s.warehouse = out.Warehouse
	s.role = out.Role
	s.autoCommit = out.AutoCommit
	if out.SocketTimeout > 0 {
		s.socketTimeout = out.SocketTimeout
	}
	s.closed = false

	s.applyCommonParameters(out.CommonParameters)
	s.recordResolvedMismatches(in, out)

	if s.enableHeartbeat && s.creds.MasterToken != "" {
		log.Debug().
			Str("session_id", s.sessionID).
			Dur("master_token_validity", s.creds.MasterTokenValidity).
			Msg("starting heartbeat")
		s.scheduler.Register(s, s.creds.MasterTokenValidity, s.heartbeatFrequency)
	}

	return nil
}

// RenewSession re-authenticates with the master token when the session token
// observed by the caller has expired. If the current token already differs
// from observedToken another caller renewed it first and this call returns
// without a network exchange.
func (s *Session) RenewSession(ctx context.Context, observedToken string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.creds.SessionToken != "" && s.creds.SessionToken != observedToken {
		log.Debug().Str("session_id", s.sessionID).Msg("skipping renewal, session token already replaced")
		return nil
	}

	in := &LoginInput{
		ServerURL:    s.ServerURL(),
		SessionToken: s.creds.SessionToken,
		MasterToken:  s.creds.MasterToken,
		IDToken:      s.creds.IDToken,
		MFAToken:     s.creds.MFAToken,
		LoginTimeout: s.loginTimeout,
		AuthTimeout:  s.authTimeout,
		DatabaseName: s.database,
		SchemaName:   s.schema,
		Warehouse:    s.warehouse,
		Role:         s.role,
	}

	out, err := s.auth.Renew(ctx, in)
	if err != nil {
		var code ErrorCode = ErrCodeSessionRenewalFailed
		msg := "failed to renew session"
		if errorsIsReauth(err) {
			code = ErrCodeReauthenticationRequired
			msg = "session renewal requires re-authentication"
		}
		return &Error{Code: code, Message: msg, SessionID: s.sessionID, cause: err}
	}

	s.creds.SessionToken = out.SessionToken
	s.creds.MasterToken = out.MasterToken
	log.Debug().Str("session_id", s.sessionID).Msg("session renewed")

	return nil
}

// Close tears the session down. It is idempotent: a second call performs no
// network exchange. The heartbeat is deregistered before the wire close so
// no tick can race the teardown, and the session is marked closed locally
// even when the wire close fails.
func (s *Session) Close(ctx context.Context) error {
	s.scheduler.Deregister(s)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	in := &LoginInput{
		ServerURL:    s.ServerURL(),
		SessionToken: s.creds.SessionToken,
		LoginTimeout: s.loginTimeout,
	}
	s.mu.Unlock()

	err := s.auth.Close(ctx, in)
	s.closeTelemetry()
	if err != nil {
		return wrapError(ErrCodeInternalError, err, "failed to close session")
	}

	log.Debug().Str("session_id", s.SessionID()).Msg("session closed")
	return nil
}

// IsSafeToClose reports whether the session can be torn down: true only when
// no tracked asynchronous query is still running. Every tracked query is
// checked even after one resolves to running; a status failure for one id is
// logged and does not short-circuit the rest.
func (s *Session) IsSafeToClose(ctx context.Context) bool {
	safe := true
	s.activeAsyncQueries.Range(func(key, _ any) bool {
		queryID := key.(string)
		status, err := s.GetQueryStatus(ctx, queryID)
		if err != nil {
			log.Error().Err(err).Str("query_id", queryID).Msg("failed to check async query status")
			return true
		}
		if status.State.IsStillRunning() {
			safe = false
		}
		return true
	})
	return safe
}

// AddActiveQuery tracks an asynchronous query dispatched under this session.
func (s *Session) AddActiveQuery(queryID string) {
	s.activeAsyncQueries.Store(queryID, struct{}{})
}

// RemoveActiveQuery stops tracking an asynchronous query once it is known to
// have completed.
func (s *Session) RemoveActiveQuery(queryID string) {
	s.activeAsyncQueries.Delete(queryID)
}

// IsAsyncSession reports whether any asynchronous queries are tracked.
func (s *Session) IsAsyncSession() bool {
	found := false
	s.activeAsyncQueries.Range(func(_, _ any) bool {
		found = true
		return false
	})
	return found
}

// TelemetryClient lazily creates the session's telemetry sub-client. It is
// released when the session closes.
func (s *Session) TelemetryClient() *telemetry.Client {
	s.telemetryMu.Lock()
	defer s.telemetryMu.Unlock()

	if s.telemetry == nil {
		serverURL := s.ServerURL()
		if serverURL == "" {
			log.Error().Msg("telemetry client requested before session properties set")
			return nil
		}
		s.telemetry = telemetry.NewClient(s.transport, serverURL, func() string {
			return TokenAuthHeader(s.currentSessionToken())
		})
	}
	return s.telemetry
}

func (s *Session) closeTelemetry() {
	s.telemetryMu.Lock()
	defer s.telemetryMu.Unlock()

	if s.telemetry != nil {
		if err := s.telemetry.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close telemetry client")
		}
		s.telemetry = nil
	}
}

// sanityCheckProperties validates required properties and per-authenticator
// requirements before any network call.
func (s *Session) sanityCheckProperties() error {
	for key, spec := range propertyRegistry {
		if !spec.required {
			continue
		}
		if _, ok := s.properties[key]; !ok {
			if key == PropServerURL {
				return newError(ErrCodeMissingServerURL, "missing server URL")
			}
			return newError(ErrCodeMissingConnectionProperty, "missing required connection property %q", key)
		}
	}

	if s.authType().UsesPassword() {
		if s.stringProperty(PropUser) == "" {
			return newError(ErrCodeMissingUsername, "missing username")
		}
		if s.stringProperty(PropPassword) == "" {
			return newError(ErrCodeMissingPassword, "missing password")
		}
	}

	if s.boolProperty(PropUseProxy) {
		if s.stringProperty(PropProxyHost) == "" || s.intProperty(PropProxyPort) == 0 {
			return newError(ErrCodeInvalidProxyProperties, "both proxy host and port values are needed")
		}
	}

	return nil
}

// loginInput assembles the authentication exchange input from the current
// configuration.
func (s *Session) loginInput() *LoginInput {
	return &LoginInput{
		ServerURL:                 s.ServerURL(),
		AccountName:               s.stringProperty(PropAccount),
		UserName:                  s.stringProperty(PropUser),
		Password:                  s.stringProperty(PropPassword),
		Passcode:                  s.stringProperty(PropPasscode),
		PasscodeInPassword:        s.passcodeInPassword,
		Token:                     s.stringProperty(PropToken),
		Authenticator:             s.authType(),
		OktaUserName:              s.stringProperty(PropOktaUserName),
		DatabaseName:              s.stringProperty(PropDatabase),
		SchemaName:                s.stringProperty(PropSchema),
		Warehouse:                 s.stringProperty(PropWarehouse),
		Role:                      s.stringProperty(PropRole),
		ValidateDefaultParameters: s.validateDefaultParameters,
		Application:               s.stringProperty(PropApplication),
		AppID:                     s.stringProperty(PropAppID),
		AppVersion:                s.stringProperty(PropAppVersion),
		LoginTimeout:              s.loginTimeout,
		AuthTimeout:               s.authTimeout,
		ConnectionTimeout:         s.connectionTimeout,
		SocketTimeout:             s.socketTimeout,
		SessionParameters:         s.params,
		PrivateKeyFile:            s.privateKeyFile,
		PrivateKeyFilePassword:    s.privateKeyFilePassword,
		ProxyHost:                 s.stringProperty(PropProxyHost),
		ProxyPort:                 s.intProperty(PropProxyPort),
	}
}

// applyCommonParameters folds server-driven parameter values into the
// session configuration.
func (s *Session) applyCommonParameters(params map[string]any) {
	for name, value := range params {
		switch strings.ToUpper(name) {
		case paramKeepAlive:
			s.enableHeartbeat = asBool(value)
		case paramKeepAliveFrequency:
			if seconds := asInt64(value); seconds > 0 {
				s.heartbeatFrequency = time.Duration(seconds) * time.Second
			}
		case paramAutoCommit:
			s.autoCommit = asBool(value)
		default:
			// server-driven updates may overwrite dynamic parameters
			s.params[name] = value
		}
	}
}

// recordResolvedMismatches notes, as non-fatal warnings, every requested
// database/schema/role/warehouse the server resolved differently.
func (s *Session) recordResolvedMismatches(in *LoginInput, out *LoginOutput) {
	type check struct {
		field     string
		requested string
		resolved  string
	}
	for _, c := range []check{
		{"database", in.DatabaseName, out.Database},
		{"schema", in.SchemaName, out.Schema},
		{"role", in.Role, out.Role},
		{"warehouse", in.Warehouse, out.Warehouse},
	} {
		if c.requested != "" && !strings.EqualFold(c.requested, c.resolved) {
			warning := newError(ErrCodeEstablishedWithDifferentProperty,
				"connection established with a different %s: requested %q, got %q",
				c.field, c.requested, c.resolved)
			warning.SessionID = s.sessionID
			s.warnings = append(s.warnings, warning)
			log.Warn().
				Str("session_id", s.sessionID).
				Str("field", c.field).
				Str("requested", c.requested).
				Str("resolved", c.resolved).
				Msg("connection established with a different property")
		}
	}
}

// authType resolves the authenticator variant from the configuration. An
// unset authenticator with a private key file means key-pair authentication.
func (s *Session) authType() AuthType {
	name := s.stringProperty(PropAuthenticator)
	if name == "" {
		if s.privateKeyFile != "" {
			return AuthTypeKeyPair
		}
		return AuthTypeDefault
	}
	for _, known := range []AuthType{
		AuthTypeDefault, AuthTypeExternalBrowser, AuthTypeUsernamePasswordMFA,
		AuthTypeOAuth, AuthTypeKeyPair,
	} {
		if strings.EqualFold(string(known), name) {
			return known
		}
	}
	// federated providers are referenced by URL; anything else is passed
	// through for the authenticator to reject
	return AuthType(name)
}

// requestOptions builds the transport options for calls made under this
// session.
func (s *Session) requestOptions() transport.Options {
	return transport.Options{
		ConnectTimeout:    s.connectionTimeout,
		AuthTimeout:       s.authTimeout,
		SocketTimeout:     s.socketTimeout,
		RetryCount:        0,
		ClientSettingsKey: s.clientSettingsKey(),
	}
}

// clientSettingsKey separates pooled HTTP clients for sessions with
// different proxy configurations.
func (s *Session) clientSettingsKey() string {
	if !s.boolProperty(PropUseProxy) {
		return ""
	}
	return s.stringProperty(PropProxyHost) + ":" + strconv.Itoa(s.intProperty(PropProxyPort))
}

// injectedPause sleeps the injected client pause once and clears it. Used by
// tests to exercise timeout paths.
func (s *Session) injectedPause() {
	if ms := s.injectClientPause.Swap(0); ms > 0 {
		log.Trace().Int64("pause_ms", ms).Msg("injected client pause")
		time.Sleep(time.Duration(ms) * time.Millisecond)
	}
}

// NextSequenceID returns the next value of the per-session request sequence
// counter.
func (s *Session) NextSequenceID() int64 {
	return s.sequenceID.Add(1)
}

// IsClosed reports whether the session is closed. It is true before the
// first successful Open and after a completed Close.
func (s *Session) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// SessionToken returns the current short-lived session token.
func (s *Session) SessionToken() string {
	return s.currentSessionToken()
}

func (s *Session) currentSessionToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.creds.SessionToken
}

// SessionID returns the server-assigned session id, empty before Open.
func (s *Session) SessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sessionID
}

// Database returns the resolved database.
func (s *Session) Database() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.database
}

// Schema returns the resolved schema.
func (s *Session) Schema() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.schema
}

// Warehouse returns the resolved warehouse.
func (s *Session) Warehouse() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warehouse
}

// Role returns the resolved role.
func (s *Session) Role() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// AutoCommit returns the resolved autocommit setting.
func (s *Session) AutoCommit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoCommit
}

// Warnings returns the non-fatal warnings recorded during Open.
func (s *Session) Warnings() []*Error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Error(nil), s.warnings...)
}

// ServerURL returns the configured server URL.
func (s *Session) ServerURL() string {
	return s.stringProperty(PropServerURL)
}

// LoginTimeout returns the configured login timeout.
func (s *Session) LoginTimeout() time.Duration { return s.loginTimeout }

// NetworkTimeout returns the configured network timeout.
func (s *Session) NetworkTimeout() time.Duration { return s.networkTimeout }

// SocketTimeout returns the effective per-request socket timeout.
func (s *Session) SocketTimeout() time.Duration { return s.socketTimeout }

// ConnectionTimeout returns the configured connect timeout.
func (s *Session) ConnectionTimeout() time.Duration { return s.connectionTimeout }

// InjectSocketTimeout returns the injected test socket timeout.
func (s *Session) InjectSocketTimeout() time.Duration { return s.injectSocketTimeout }

func (s *Session) stringProperty(key PropertyKey) string {
	v, _ := s.properties[key].(string)
	return v
}

func (s *Session) intProperty(key PropertyKey) int {
	v, _ := s.properties[key].(int)
	return v
}

func (s *Session) boolProperty(key PropertyKey) bool {
	v, _ := s.properties[key].(bool)
	return v
}

func errorsIsReauth(err error) bool {
	return errors.Is(err, ErrReauthenticationRequired)
}

func asBool(value any) bool {
	switch v := value.(type) {
	case bool:
		return v
	case string:
		b, err := strconv.ParseBool(strings.ToLower(v))
		return err == nil && b
	}
	return false
}

func asInt64(value any) int64 {
	switch v := value.(type) {
	case int:
		return int64(v)
	case int64:
		return v
	case float64:
		return int64(v)
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return 0
		}
		return n
	}
	return 0
}
