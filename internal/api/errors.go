package api

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrSessionExpired is returned once a refresh-token exchange fails; the
	// stored tokens have been cleared by then.
	ErrSessionExpired    = errors.New("session expired")
	ErrNotAuthenticated  = errors.New("not authenticated")
	ErrMalformedResponse = errors.New("malformed response")
)

// Server error codes the agent reacts to.
const (
	CodeOrderAlreadyAssigned    = "ORDER_ALREADY_ASSIGNED"
	CodeMaxOrdersReached        = "MAX_ORDERS_REACHED"
	CodeOrderNotAvailable       = "ORDER_NOT_AVAILABLE"
	CodeOrderNotFound           = "ORDER_NOT_FOUND"
	CodeInvalidOrderStatus      = "INVALID_ORDER_STATUS"
	CodeInvalidConfirmationCode = "INVALID_CONFIRMATION_CODE"
	CodeInsufficientBalance     = "INSUFFICIENT_BALANCE"
	CodeWithdrawalLimitExceeded = "WITHDRAWAL_LIMIT_EXCEEDED"
	CodePaymentDetailsMissing   = "PAYMENT_DETAILS_MISSING"
	CodeConversationReadOnly    = "CONVERSATION_READ_ONLY"
	CodeInvalidCredentials      = "INVALID_CREDENTIALS"
	CodeInvalidOTP              = "INVALID_OTP"
	CodeOTPExpired              = "OTP_EXPIRED"
	CodeRiderNotVerified        = "RIDER_NOT_VERIFIED"
)

// Error is a non-2xx response from the rider API.
type Error struct {
	Status  int
	Code    string
	Message string
}

func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d %s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d: %s", e.Status, e.Message)
}

// NetworkError wraps a failure to reach the API at all. Callers may retry.
type NetworkError struct {
	Op  string
	Err error
}

func (e *NetworkError) Error() string { return e.Op + ": " + e.Err.Error() }
func (e *NetworkError) Unwrap() error { return e.Err }

// IsCode reports whether err is an API error carrying one of the codes.
func IsCode(err error, codes ...string) bool {
	var apiErr *Error
	if !errors.As(err, &apiErr) {
		return false
	}
	for _, c := range codes {
		if apiErr.Code == c {
			return true
		}
	}
	return false
}

// IsTransient reports whether the error came from the network rather than
// from the server's answer.
func IsTransient(err error) bool {
	var netErr *NetworkError
	return errors.As(err, &netErr)
}

const genericMessage = "Something went wrong. Please try again."

var userMessages = map[string]string{
	CodeOrderAlreadyAssigned:    "This order has already been picked by another rider.",
	CodeMaxOrdersReached:        "You can only have 3 active orders at a time. Deliver one before picking another.",
	CodeOrderNotAvailable:       "This order is no longer available.",
	CodeOrderNotFound:           "We couldn't find this order.",
	CodeInvalidOrderStatus:      "This order can't be updated right now.",
	CodeInvalidConfirmationCode: "The confirmation code is incorrect. Ask the customer for the 4-digit code and try again.",
	CodeInsufficientBalance:     "Your wallet balance is too low for this withdrawal.",
	CodeWithdrawalLimitExceeded: "This withdrawal exceeds your limit.",
	CodePaymentDetailsMissing:   "Add your bank details before withdrawing.",
	CodeConversationReadOnly:    "This chat is closed because the order has been delivered.",
	CodeInvalidCredentials:      "Incorrect phone number or password.",
	CodeInvalidOTP:              "The code you entered is incorrect.",
	CodeOTPExpired:              "The code has expired. Request a new one.",
	CodeRiderNotVerified:        "Your account is still being verified.",
}

// UserMessage turns any error into copy fit to show a rider. Unknown codes
// fall back to a generic message.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		if msg, ok := userMessages[apiErr.Code]; ok {
			return msg
		}
		return genericMessage
	}
	switch {
	case errors.Is(err, ErrSessionExpired), errors.Is(err, ErrNotAuthenticated):
		return "Your session has expired. Please log in again."
	case errors.Is(err, context.DeadlineExceeded), IsTransient(err):
		return "Network error. Check your connection and try again."
	}
	var coded interface{ UserMessage() string }
	if errors.As(err, &coded) {
		return coded.UserMessage()
	}
	return genericMessage
}

// errorBody is the API's error envelope. message is either a string or a
// list of validation messages.
type errorBody struct {
	StatusCode int         `json:"statusCode"`
	Code       string      `json:"code"`
	Error      string      `json:"error"`
	Message    interface{} `json:"message"`
}

func (b errorBody) text() string {
	switch m := b.Message.(type) {
	case string:
		return m
	case []interface{}:
		parts := make([]string, 0, len(m))
		for _, p := range m {
			parts = append(parts, fmt.Sprint(p))
		}
		return strings.Join(parts, "; ")
	}
	return b.Error
}
