package session

import "time"

// CredentialState is the token triple a live session holds: the short-lived
// session token authorizing individual requests, the longer-lived master
// token used solely to renew it, and the identity/MFA tokens consumed only
// during authentication. It is replaced as a value, under the session mutex,
// by exactly two paths: Open and RenewSession.
type CredentialState struct {
	SessionToken string
	MasterToken  string
	IDToken      string
	MFAToken     string

	// MasterTokenValidity is the window within which the master token can
	// renew the session token; the heartbeat frequency is capped so pings
	// land well inside it.
	MasterTokenValidity time.Duration
}
