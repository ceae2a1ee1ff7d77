package channel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/aws/smithy-go"
)

// Kind classifies a connector failure.
type Kind string

const (
	KindConfigMissing    Kind = "CONFIG_MISSING"
	KindAuthFailed       Kind = "AUTH_FAILED"
	KindInvalidRecipient Kind = "INVALID_RECIPIENT"
	KindConnectionFailed Kind = "CONNECTION_FAILED"
	KindRateLimited      Kind = "RATE_LIMITED"
	KindSendFailed       Kind = "SEND_FAILED"
	KindUnknown          Kind = "UNKNOWN"
)

// Error is a classified connector failure.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// Errorf builds an *Error with a formatted message.
func Errorf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind to err.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf("%s: %v", msg, err), Err: err}
}

// Classify maps any error to a classified *Error. It returns nil for nil.
func Classify(err error) *Error {
	if err == nil {
		return nil
	}

	var ce *Error
	if errors.As(err, &ce) {
		return ce
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(KindConnectionFailed, err, "provider timed out")
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(KindConnectionFailed, err, "send cancelled")
	}

	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		return Wrap(kindForAWSCode(apiErr.ErrorCode()), err, "provider rejected request")
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return Wrap(KindConnectionFailed, err, "provider unreachable")
	}

	return Wrap(KindUnknown, err, "unexpected error")
}

// KindForStatus maps a provider HTTP status to a failure kind.
func KindForStatus(code int) Kind {
	switch {
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return KindAuthFailed
	case code == http.StatusTooManyRequests:
		return KindRateLimited
	case code == http.StatusNotFound || code == http.StatusUnprocessableEntity:
		return KindInvalidRecipient
	case code == http.StatusRequestTimeout || code == http.StatusBadGateway ||
		code == http.StatusServiceUnavailable || code == http.StatusGatewayTimeout:
		return KindConnectionFailed
	default:
		return KindSendFailed
	}
}

func kindForAWSCode(code string) Kind {
	switch code {
	case "Throttling", "ThrottlingException", "TooManyRequestsException", "ThrottledException":
		return KindRateLimited
	case "InvalidClientTokenId", "UnrecognizedClientException", "SignatureDoesNotMatch",
		"AccessDenied", "AccessDeniedException", "AuthorizationError", "ExpiredToken":
		return KindAuthFailed
	case "InvalidParameter", "InvalidParameterValue", "OptedOut":
		return KindInvalidRecipient
	case "MailFromDomainNotVerifiedException", "ConfigurationSetDoesNotExist", "NotFound":
		return KindConfigMissing
	default:
		return KindSendFailed
	}
}
