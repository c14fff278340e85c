package session

import (
	"context"
	"strings"
	"time"
)

// AuthType selects the authenticator variant used to establish the session.
// Federated (Okta-style) identity providers are referenced by their endpoint
// URL rather than a named constant.
type AuthType string

const (
	// AuthTypeDefault is username/password authentication.
	AuthTypeDefault AuthType = "TUNDRA"
	// AuthTypeExternalBrowser delegates authentication to a browser flow.
	// It is the only variant allowed to recover from a
	// re-authentication-required failure by re-running Open.
	AuthTypeExternalBrowser AuthType = "EXTERNALBROWSER"
	// AuthTypeUsernamePasswordMFA is username/password plus a second factor.
	AuthTypeUsernamePasswordMFA AuthType = "USERNAME_PASSWORD_MFA"
	// AuthTypeOAuth authenticates with a bearer token from an OAuth flow.
	AuthTypeOAuth AuthType = "OAUTH"
	// AuthTypeKeyPair authenticates with a JWT signed by a registered
	// private key.
	AuthTypeKeyPair AuthType = "TUNDRA_JWT"
)

// isFederatedURL reports whether the authenticator names a federated
// identity provider endpoint.
func (a AuthType) isFederatedURL() bool {
	return strings.HasPrefix(strings.ToLower(string(a)), "https://")
}

// UsesPassword reports whether the variant requires username and password
// to be present before any network call.
func (a AuthType) UsesPassword() bool {
	return a == AuthTypeDefault || a == AuthTypeUsernamePasswordMFA || a.isFederatedURL()
}

// LoginInput carries everything an Authenticator needs for a login, renewal
// or close exchange. Fields irrelevant to a given exchange are left zero.
type LoginInput struct {
	ServerURL          string
	AccountName        string
	UserName           string
	Password           string
	Passcode           string
	PasscodeInPassword bool
	Token              string
	Authenticator      AuthType
	OktaUserName       string

	DatabaseName string
	SchemaName   string
	Warehouse    string
	Role         string

	ValidateDefaultParameters bool
	Application               string
	AppID                     string
	AppVersion                string

	LoginTimeout      time.Duration
	AuthTimeout       time.Duration
	ConnectionTimeout time.Duration
	SocketTimeout     time.Duration

	SessionParameters map[string]any

	PrivateKeyFile         string
	PrivateKeyFilePassword string

	ProxyHost string
	ProxyPort int

	// Renewal and close exchanges carry the current credentials.
	SessionToken string
	MasterToken  string
	IDToken      string
	MFAToken     string
}

// LoginOutput is the structured result of a successful login or renewal
// exchange.
type LoginOutput struct {
	SessionToken        string
	MasterToken         string
	IDToken             string
	MFAToken            string
	SessionID           string
	MasterTokenValidity time.Duration

	Database   string
	Schema     string
	Warehouse  string
	Role       string
	AutoCommit bool

	SocketTimeout time.Duration

	// CommonParameters are server-driven session parameter values applied
	// to the session configuration after a successful open.
	CommonParameters map[string]any
}

// Authenticator is the wire-level login collaborator. Implementations own
// request construction and response parsing; the session layer only
// orchestrates when each exchange runs.
type Authenticator interface {
	Authenticate(ctx context.Context, in *LoginInput) (*LoginOutput, error)
	// Renew exchanges the master token for fresh session credentials. It
	// returns an error wrapping ErrReauthenticationRequired when renewal
	// alone cannot recover.
	Renew(ctx context.Context, in *LoginInput) (*LoginOutput, error)
	Close(ctx context.Context, in *LoginInput) error
}

// TokenAuthHeader formats the Authorization header value carrying a session
// token.
func TokenAuthHeader(token string) string {
	return `Tundra Token="` + token + `"`
}
