package uma

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound         = errors.New("uma: not found")
	ErrConflict         = errors.New("uma: identifier already exists")
	ErrAlreadyRedeemed  = errors.New("uma: ticket already redeemed")
	ErrExpired          = errors.New("uma: expired")
	ErrStorageExhausted = errors.New("uma: could not allocate a unique identifier")
	ErrSessionExpired   = errors.New("uma: claims gathering session expired")
)

// Kind classifies failures for the wire layer.
type Kind int

const (
	KindValidation Kind = iota + 1
	KindAuthz
	KindTicket
	KindPolicyDenied
	KindCrypto
	KindStorage
)

func (k Kind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindAuthz:
		return "authz"
	case KindTicket:
		return "ticket"
	case KindPolicyDenied:
		return "policy_denied"
	case KindCrypto:
		return "crypto"
	case KindStorage:
		return "storage"
	default:
		return "unknown"
	}
}

// Error codes surfaced to callers.
const (
	CodeInvalidRequest       = "invalid_request"
	CodeInvalidTicket        = "invalid_ticket"
	CodeInvalidGrant         = "invalid_grant"
	CodeInvalidScope         = "invalid_scope"
	CodeInvalidResourceID    = "invalid_resource_id"
	CodeInvalidClaimToken    = "invalid_claim_token"
	CodeInvalidPCT           = "invalid_pct"
	CodeInvalidClient        = "invalid_client"
	CodeAccessDenied         = "access_denied"
	CodeNeedInfo             = "need_info"
	CodeUnsupportedGrantType = "unsupported_grant_type"
	CodeInvalidToken         = "invalid_token"
	CodeServerError          = "server_error"
)

// Error is a classified protocol failure.
type Error struct {
	Kind        Kind
	Code        string
	Description string
	Err         error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Description, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

func (e *Error) Unwrap() error { return e.Err }

func Validation(code, desc string) *Error {
	return &Error{Kind: KindValidation, Code: code, Description: desc}
}

func Authz(code, desc string) *Error {
	return &Error{Kind: KindAuthz, Code: code, Description: desc}
}

func TicketInvalid(desc string, err error) *Error {
	return &Error{Kind: KindTicket, Code: CodeInvalidTicket, Description: desc, Err: err}
}

func PolicyDenied(desc string) *Error {
	return &Error{Kind: KindPolicyDenied, Code: CodeInvalidGrant, Description: desc}
}

func Crypto(err error) *Error {
	return &Error{Kind: KindCrypto, Code: CodeInvalidToken, Description: "token is not valid", Err: err}
}

func Storage(op string, err error) *Error {
	return &Error{Kind: KindStorage, Code: CodeServerError, Description: op, Err: err}
}

// AsError extracts a classified error.
func AsError(err error) (*Error, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e, true
	}
	return nil, false
}
