// Package auth implements the wire-level login, renewal and close exchanges
// consumed by the session layer.
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/oauth2"

	"github.com/tundradb/tundra-go/pkg/session"
	"github.com/tundradb/tundra-go/pkg/transport"
)

const (
	loginPath = "/session/v1/login-request"
	renewPath = "/session/token-request"
	closePath = "/session"

	renewRequestType = "RENEW"
)

// Server codes on the renewal endpoint that demand a full
// re-authentication rather than a renewal.
var reauthCodes = map[int]bool{
	390104: true, // session no longer exists
	390195: true, // identity token invalid
}

// Client performs the authentication exchanges over a generic transport.
type Client struct {
	transport   transport.Transport
	tokenSource oauth2.TokenSource
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithOAuthTokenSource supplies the token source used when the session's
// authenticator is the OAuth variant and no static token is configured.
func WithOAuthTokenSource(ts oauth2.TokenSource) ClientOption {
	return func(c *Client) { c.tokenSource = ts }
}

// NewClient creates an authentication client.
func NewClient(tr transport.Transport, opts ...ClientOption) *Client {
	c := &Client{transport: tr}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

var _ session.Authenticator = (*Client)(nil)

type wireResponse struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Code    json.Number `json:"code"`
	Data    loginData   `json:"data"`
}

type loginData struct {
	Token                   string      `json:"token"`
	MasterToken             string      `json:"masterToken"`
	IDToken                 string      `json:"idToken"`
	MFAToken                string      `json:"mfaToken"`
	SessionID               json.Number `json:"sessionId"`
	MasterValidityInSeconds int64       `json:"masterValidityInSeconds"`
	AutoCommit              bool        `json:"autoCommit"`
	SessionInfo             struct {
		Database  string `json:"databaseName"`
		Schema    string `json:"schemaName"`
		Warehouse string `json:"warehouseName"`
		Role      string `json:"roleName"`
	} `json:"sessionInfo"`
	Parameters []struct {
		Name  string `json:"name"`
		Value any    `json:"value"`
	} `json:"parameters"`
}

// Authenticate performs the login exchange and returns the structured
// session credentials and resolved configuration.
func (c *Client) Authenticate(ctx context.Context, in *session.LoginInput) (*session.LoginOutput, error) {
	token, err := c.resolveToken(in)
	if err != nil {
		return nil, err
	}

	data := map[string]any{
		"LOGIN_NAME":         in.UserName,
		"ACCOUNT_NAME":       in.AccountName,
		"AUTHENTICATOR":      string(in.Authenticator),
		"CLIENT_APP_ID":      in.AppID,
		"CLIENT_APP_VERSION": in.AppVersion,
		"SESSION_PARAMETERS": in.SessionParameters,
	}
	if in.Authenticator.UsesPassword() {
		data["PASSWORD"] = in.Password
	}
	if token != "" {
		data["TOKEN"] = token
	}
	if in.Passcode != "" && !in.PasscodeInPassword {
		data["PASSCODE"] = in.Passcode
	}
	if in.OktaUserName != "" {
		data["RAW_SAML_RESPONSE_LOGIN_NAME"] = in.OktaUserName
	}

	body, err := json.Marshal(map[string]any{"data": data})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal login request: %w", err)
	}

	loginURL, err := buildURL(in.ServerURL, loginPath, map[string]string{
		"requestId":    uuid.NewString(),
		"databaseName": in.DatabaseName,
		"schemaName":   in.SchemaName,
		"warehouse":    in.Warehouse,
		"roleName":     in.Role,
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, loginURL, body, map[string]string{
		"Content-Type": "application/json",
	}, in)
	if err != nil {
		return nil, err
	}

	if !resp.Success {
		return nil, fmt.Errorf("login rejected: %s (code %s)", resp.Message, resp.Code)
	}

	out := toLoginOutput(&resp.Data)
	log.Debug().
		Str("session_id", out.SessionID).
		Str("database", out.Database).
		Str("schema", out.Schema).
		Str("warehouse", out.Warehouse).
		Str("role", out.Role).
		Msg("login exchange succeeded")

	return out, nil
}

// Renew exchanges the master token for fresh session credentials.
func (c *Client) Renew(ctx context.Context, in *session.LoginInput) (*session.LoginOutput, error) {
	body, err := json.Marshal(map[string]any{
		"oldSessionToken": in.SessionToken,
		"requestType":     renewRequestType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal renewal request: %w", err)
	}

	renewURL, err := buildURL(in.ServerURL, renewPath, map[string]string{
		"requestId": uuid.NewString(),
	})
	if err != nil {
		return nil, err
	}

	resp, err := c.post(ctx, renewURL, body, map[string]string{
		"Content-Type":  "application/json",
		"Authorization": session.TokenAuthHeader(in.MasterToken),
	}, in)
	if err != nil {
		return nil, err
	}

	if !resp.Success {
		if code, _ := resp.Code.Int64(); reauthCodes[int(code)] {
			return nil, fmt.Errorf("renewal rejected with code %d: %w", code, session.ErrReauthenticationRequired)
		}
		return nil, fmt.Errorf("renewal rejected: %s (code %s)", resp.Message, resp.Code)
	}

	return toLoginOutput(&resp.Data), nil
}

// Close performs the wire-level session close. A session-expired response
// means the server already discarded the session and is not an error.
func (c *Client) Close(ctx context.Context, in *session.LoginInput) error {
	closeURL, err := buildURL(in.ServerURL, closePath, map[string]string{
		"delete":    "true",
		"requestId": uuid.NewString(),
	})
	if err != nil {
		return err
	}

	resp, err := c.post(ctx, closeURL, nil, map[string]string{
		"Authorization": session.TokenAuthHeader(in.SessionToken),
	}, in)
	if err != nil {
		return err
	}

	if !resp.Success {
		if code, _ := resp.Code.Int64(); code == session.SessionExpiredCode {
			return nil
		}
		return fmt.Errorf("close rejected: %s (code %s)", resp.Message, resp.Code)
	}
	return nil
}

// resolveToken picks the bearer token for the login exchange based on the
// authenticator variant.
func (c *Client) resolveToken(in *session.LoginInput) (string, error) {
	switch in.Authenticator {
	case session.AuthTypeOAuth:
		if in.Token != "" {
			return in.Token, nil
		}
		if c.tokenSource == nil {
			return "", fmt.Errorf("OAuth authenticator requires a token or a token source")
		}
		tok, err := c.tokenSource.Token()
		if err != nil {
			return "", fmt.Errorf("failed to obtain OAuth token: %w", err)
		}
		return tok.AccessToken, nil
	case session.AuthTypeKeyPair:
		return BuildKeyPairToken(in.PrivateKeyFile, in.PrivateKeyFilePassword, in.AccountName, in.UserName)
	default:
		return in.Token, nil
	}
}

func (c *Client) post(ctx context.Context, requestURL string, body []byte, headers map[string]string, in *session.LoginInput) (*wireResponse, error) {
	raw, err := c.transport.Execute(ctx, &transport.Request{
		Method:  http.MethodPost,
		URL:     requestURL,
		Headers: headers,
		Body:    body,
	}, transport.Options{
		ConnectTimeout: in.ConnectionTimeout,
		AuthTimeout:    in.AuthTimeout,
		SocketTimeout:  loginSocketTimeout(in),
	})
	if err != nil {
		return nil, fmt.Errorf("exchange failed: %w", err)
	}

	var resp wireResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	return &resp, nil
}

func loginSocketTimeout(in *session.LoginInput) time.Duration {
	if in.LoginTimeout > 0 {
		return in.LoginTimeout
	}
	return in.SocketTimeout
}

func toLoginOutput(d *loginData) *session.LoginOutput {
	params := make(map[string]any, len(d.Parameters))
	for _, p := range d.Parameters {
		params[p.Name] = p.Value
	}
	return &session.LoginOutput{
		SessionToken:        d.Token,
		MasterToken:         d.MasterToken,
		IDToken:             d.IDToken,
		MFAToken:            d.MFAToken,
		SessionID:           d.SessionID.String(),
		MasterTokenValidity: time.Duration(d.MasterValidityInSeconds) * time.Second,
		Database:            d.SessionInfo.Database,
		Schema:              d.SessionInfo.Schema,
		Warehouse:           d.SessionInfo.Warehouse,
		Role:                d.SessionInfo.Role,
		AutoCommit:          d.AutoCommit,
		CommonParameters:    params,
	}
}

func buildURL(serverURL, path string, query map[string]string) (string, error) {
	u, err := url.Parse(strings.TrimSuffix(serverURL, "/") + path)
	if err != nil {
		return "", fmt.Errorf("invalid server URL %q: %w", serverURL, err)
	}
	q := u.Query()
	for name, value := range query {
		if value != "" {
			q.Set(name, value)
		}
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
