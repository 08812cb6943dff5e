package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	ErrUnauthorized       = errors.New("unauthorized")
	ErrKeyDisabled        = errors.New("api key disabled")
	ErrAliasNotFound      = errors.New("alias not found")
	ErrNoEnabledTargets   = errors.New("no enabled targets")
	ErrBadRequest         = errors.New("bad request")
	ErrUnsupportedContent = errors.New("unsupported content")
	ErrStreamTruncated    = errors.New("stream truncated")
	ErrSessionNotFound    = errors.New("session not found")
	ErrSessionTerminal    = errors.New("session already terminal")
	ErrCredentialInvalid  = errors.New("credential invalid")
)
