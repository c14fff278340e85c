package session

import (
	"errors"
	"fmt"
)

// SessionExpiredCode is the server-assigned code reported when the session
// token backing a request has expired. It is always handled internally by
// renewing the session and never surfaces to callers.
const SessionExpiredCode = 390112

// ErrorCode classifies failures raised by the session layer.
type ErrorCode int

const (
	ErrCodeInternalError                    ErrorCode = 200001
	ErrCodeMissingServerURL                 ErrorCode = 200002
	ErrCodeMissingConnectionProperty        ErrorCode = 200003
	ErrCodeMissingUsername                  ErrorCode = 200011
	ErrCodeMissingPassword                  ErrorCode = 200012
	ErrCodeInvalidProxyProperties           ErrorCode = 200013
	ErrCodeDuplicateProperty                ErrorCode = 200021
	ErrCodeTooManyProperties                ErrorCode = 200022
	ErrCodeInvalidPropertyType              ErrorCode = 200023
	ErrCodeSessionEstablishmentFailed       ErrorCode = 200031
	ErrCodeSessionRenewalFailed             ErrorCode = 200032
	ErrCodeReauthenticationRequired         ErrorCode = 200033
	ErrCodeEstablishedWithDifferentProperty ErrorCode = 200034
	ErrCodeQueryStatusRequestFailed         ErrorCode = 200041
	ErrCodeQueryCanceled                    ErrorCode = 200042
	ErrCodeServerReportedError              ErrorCode = 200051
)

var (
	// ErrReauthenticationRequired is returned by an Authenticator when
	// renewal alone cannot recover the session. Only the external-browser
	// authenticator may recover from it, by re-running the full
	// authentication flow.
	ErrReauthenticationRequired = errors.New("re-authentication required")

	// errSessionExpired tags a server response carrying SessionExpiredCode.
	// It never escapes the session layer.
	errSessionExpired = errors.New("session token expired")
)

// Error is a session failure with a classification code and, where known,
// the session/query it relates to and the raw server code.
type Error struct {
	Code       ErrorCode
	Message    string
	SessionID  string
	QueryID    string
	ServerCode int

	cause error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s (code %d)", e.Message, int(e.Code))
	if e.QueryID != "" {
		msg = fmt.Sprintf("query %s: %s", e.QueryID, msg)
	}
	if e.cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.cause)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.cause }

func newError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code ErrorCode, cause error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), cause: cause}
}

// HasCode reports whether err (or anything it wraps) is a session Error
// carrying the given code.
func HasCode(err error, code ErrorCode) bool {
	var se *Error
	return errors.As(err, &se) && se.Code == code
}
