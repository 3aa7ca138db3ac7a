package provider

// Decline and request error codes shared by provider implementations.
const (
	CodeInvalidRequest    = "invalid_request"
	CodeCardDeclined      = "card_declined"
	CodeInsufficientFunds = "insufficient_funds"
	CodeIncorrectCVC      = "incorrect_cvc"
	CodeNotFound          = "resource_missing"
	CodeUnsupported       = "unsupported_operation"
	CodeUpstream          = "upstream_error"
)

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

func (e *Error) Error() string {
	if e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}

func NewError(code, message string) *Error {
	return &Error{Code: code, Message: message}
}
