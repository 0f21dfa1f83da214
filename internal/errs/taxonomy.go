package errs

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// Category is the closed set of failure classes a provider error falls in.
type Category int

const (
	CategorySystem Category = iota
	CategoryAuthentication
	CategoryRateLimiting
	CategoryValidation
	CategoryNetwork
	CategoryService
	CategoryConfiguration
	CategoryUser
)

func (c Category) String() string {
	switch c {
	case CategoryAuthentication:
		return "authentication"
	case CategoryRateLimiting:
		return "rate_limiting"
	case CategoryValidation:
		return "validation"
	case CategoryNetwork:
		return "network"
	case CategoryService:
		return "service"
	case CategoryConfiguration:
		return "configuration"
	case CategoryUser:
		return "user_error"
	default:
		return "system_error"
	}
}

// Action is the default handling for a category.
type Action string

const (
	ActionNoRetry          Action = "no_retry"
	ActionRetryAfterDelay  Action = "retry_after_delay"
	ActionRetryWithBackoff Action = "retry_with_backoff"
	ActionEscalate         Action = "escalate"
	ActionFallback         Action = "fallback"
	ActionSingleRetry      Action = "single_retry"
)

// Policy is the default treatment of a category. AttemptCap bounds the
// number of attempts regardless of the configured max retries; zero
// means no extra bound.
type Policy struct {
	Action     Action
	AttemptCap int
}

var policies = map[Category]Policy{
	CategoryAuthentication: {Action: ActionNoRetry, AttemptCap: 1},
	CategoryRateLimiting:   {Action: ActionRetryAfterDelay},
	CategoryValidation:     {Action: ActionNoRetry, AttemptCap: 1},
	CategoryNetwork:        {Action: ActionRetryWithBackoff},
	CategoryService:        {Action: ActionRetryWithBackoff, AttemptCap: 2},
	CategoryConfiguration:  {Action: ActionEscalate, AttemptCap: 1},
	CategoryUser:           {Action: ActionFallback, AttemptCap: 1},
	CategorySystem:         {Action: ActionSingleRetry, AttemptCap: 2},
}

func PolicyFor(c Category) Policy {
	return policies[c]
}

const (
	CodeInvalidAPIKey       = "INVALID_API_KEY"
	CodeUnauthorized        = "UNAUTHORIZED"
	CodeForbidden           = "FORBIDDEN"
	CodeRateLimitExceeded   = "RATE_LIMIT_EXCEEDED"
	CodeQuotaExceeded       = "QUOTA_EXCEEDED"
	CodeInvalidPhoneNumber  = "INVALID_PHONE_NUMBER"
	CodeInvalidTemplate     = "INVALID_TEMPLATE"
	CodeInvalidParameters   = "INVALID_PARAMETERS"
	CodeMessageTooLong      = "MESSAGE_TOO_LONG"
	CodeNetworkError        = "NETWORK_ERROR"
	CodeTimeout             = "TIMEOUT"
	CodeServiceUnavailable  = "SERVICE_UNAVAILABLE"
	CodeInternalServerError = "INTERNAL_SERVER_ERROR"
	CodeTemporaryFailure    = "TEMPORARY_FAILURE"
	CodeInvalidConfig       = "INVALID_CONFIG"
	CodeMissingCredentials  = "MISSING_CREDENTIALS"
	CodeSenderIDNotApproved = "SENDER_ID_NOT_APPROVED"
	CodeInsufficientBalance = "INSUFFICIENT_BALANCE"
	CodeUserNotOptedIn      = "USER_NOT_OPTED_IN"
	CodeUserBlocked         = "USER_BLOCKED"
	CodeDNDNumber           = "DND_NUMBER"
	CodeContentBlocked      = "CONTENT_BLOCKED"
	CodeUnknown             = "UNKNOWN_ERROR"
)

var codeCategories = map[string]Category{
	CodeInvalidAPIKey:       CategoryAuthentication,
	CodeUnauthorized:        CategoryAuthentication,
	CodeForbidden:           CategoryAuthentication,
	CodeRateLimitExceeded:   CategoryRateLimiting,
	CodeQuotaExceeded:       CategoryRateLimiting,
	CodeInvalidPhoneNumber:  CategoryValidation,
	CodeInvalidTemplate:     CategoryValidation,
	CodeInvalidParameters:   CategoryValidation,
	CodeMessageTooLong:      CategoryValidation,
	CodeNetworkError:        CategoryNetwork,
	CodeTimeout:             CategoryNetwork,
	CodeServiceUnavailable:  CategoryService,
	CodeInternalServerError: CategoryService,
	CodeTemporaryFailure:    CategoryService,
	CodeInvalidConfig:       CategoryConfiguration,
	CodeMissingCredentials:  CategoryConfiguration,
	CodeSenderIDNotApproved: CategoryConfiguration,
	CodeInsufficientBalance: CategoryConfiguration,
	CodeUserNotOptedIn:      CategoryUser,
	CodeUserBlocked:         CategoryUser,
	CodeDNDNumber:           CategoryUser,
	CodeContentBlocked:      CategoryUser,
	CodeUnknown:             CategorySystem,
}

// CategoryOf returns the category of a known code, SystemError otherwise.
func CategoryOf(code string) Category {
	if c, ok := codeCategories[strings.ToUpper(code)]; ok {
		return c
	}
	return CategorySystem
}

// GatewayError is a categorized failure of a single send attempt.
type GatewayError struct {
	Category   Category
	Code       string
	Message    string
	StatusCode int
	RetryAfter time.Duration
	Err        error
}

func New(code, message string) *GatewayError {
	code = strings.ToUpper(code)
	return &GatewayError{Category: CategoryOf(code), Code: code, Message: message}
}

func (e *GatewayError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("gateway %s (%s)", e.Code, e.Category)
	}
	return fmt.Sprintf("gateway %s (%s): %s", e.Code, e.Category, e.Message)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

func (e *GatewayError) Policy() Policy {
	return PolicyFor(e.Category)
}

// Classify turns any send error into a GatewayError. Gateway errors pass
// through with their category taken from the code when the code is known,
// context and transport errors map to the network codes and
// everything else is matched on its text before falling back to
// UNKNOWN_ERROR.
func Classify(err error) *GatewayError {
	if err == nil {
		return nil
	}

	var ge *GatewayError
	if errors.As(err, &ge) {
		code := strings.ToUpper(ge.Code)
		if c, known := codeCategories[code]; known && (c != ge.Category || code != ge.Code) {
			fixed := *ge
			fixed.Code = code
			fixed.Category = c
			return &fixed
		}
		return ge
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return wrap(CodeTimeout, err)
	case errors.Is(err, context.Canceled):
		return wrap(CodeTemporaryFailure, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return wrap(CodeTimeout, err)
		}
		return wrap(CodeNetworkError, err)
	}

	if code := codeFromText(err.Error()); code != "" {
		return wrap(code, err)
	}
	return wrap(CodeUnknown, err)
}

// FromHTTPStatus maps a provider HTTP response onto a gateway error. A
// provider supplied code wins when it is one we know.
func FromHTTPStatus(status int, providerCode, message string) *GatewayError {
	code := strings.ToUpper(strings.TrimSpace(providerCode))
	if _, known := codeCategories[code]; !known {
		code = codeFromText(providerCode + " " + message)
	}
	if code == "" {
		switch {
		case status == http.StatusUnauthorized:
			code = CodeUnauthorized
		case status == http.StatusForbidden:
			code = CodeForbidden
		case status == http.StatusTooManyRequests:
			code = CodeRateLimitExceeded
		case status == http.StatusPaymentRequired:
			code = CodeInsufficientBalance
		case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
			code = CodeTimeout
		case status == http.StatusServiceUnavailable || status == http.StatusBadGateway:
			code = CodeServiceUnavailable
		case status >= 500:
			code = CodeInternalServerError
		case status >= 400:
			code = CodeInvalidParameters
		default:
			code = CodeUnknown
		}
	}

	e := New(code, message)
	e.StatusCode = status
	return e
}

func wrap(code string, err error) *GatewayError {
	e := New(code, err.Error())
	e.Err = err
	return e
}

var textRules = []struct {
	needle string
	code   string
}{
	{"invalid api key", CodeInvalidAPIKey},
	{"unauthorized", CodeUnauthorized},
	{"forbidden", CodeForbidden},
	{"rate limit", CodeRateLimitExceeded},
	{"too many requests", CodeRateLimitExceeded},
	{"quota", CodeQuotaExceeded},
	{"invalid phone", CodeInvalidPhoneNumber},
	{"invalid destination", CodeInvalidPhoneNumber},
	{"invalid template", CodeInvalidTemplate},
	{"template not found", CodeInvalidTemplate},
	{"invalid param", CodeInvalidParameters},
	{"too long", CodeMessageTooLong},
	{"timeout", CodeTimeout},
	{"timed out", CodeTimeout},
	{"connection refused", CodeNetworkError},
	{"connection reset", CodeNetworkError},
	{"network", CodeNetworkError},
	{"service unavailable", CodeServiceUnavailable},
	{"internal server error", CodeInternalServerError},
	{"temporar", CodeTemporaryFailure},
	{"invalid config", CodeInvalidConfig},
	{"missing credentials", CodeMissingCredentials},
	{"sender id", CodeSenderIDNotApproved},
	{"insufficient balance", CodeInsufficientBalance},
	{"not opted in", CodeUserNotOptedIn},
	{"opt-in", CodeUserNotOptedIn},
	{"blocked by user", CodeUserBlocked},
	{"user blocked", CodeUserBlocked},
	{"dnd", CodeDNDNumber},
	{"content blocked", CodeContentBlocked},
}

var knownCodes = []string{
	CodeInvalidAPIKey, CodeUnauthorized, CodeForbidden,
	CodeRateLimitExceeded, CodeQuotaExceeded,
	CodeInvalidPhoneNumber, CodeInvalidTemplate, CodeInvalidParameters, CodeMessageTooLong,
	CodeNetworkError, CodeTimeout,
	CodeServiceUnavailable, CodeInternalServerError, CodeTemporaryFailure,
	CodeInvalidConfig, CodeMissingCredentials, CodeSenderIDNotApproved, CodeInsufficientBalance,
	CodeUserNotOptedIn, CodeUserBlocked, CodeDNDNumber, CodeContentBlocked,
}

func codeFromText(text string) string {
	upper := strings.ToUpper(text)
	for _, code := range knownCodes {
		if strings.Contains(upper, code) {
			return code
		}
	}
	t := strings.ToLower(text)
	for _, r := range textRules {
		if strings.Contains(t, r.needle) {
			return r.code
		}
	}
	return ""
}
