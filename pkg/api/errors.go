package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// ErrNotFound matches any APIError with a 404 status
var ErrNotFound = errors.New("not found")

// APIError is a non-2xx response from the backend
type APIError struct {
	StatusCode int
	Code       string // machine-readable error code, when the backend sends one
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("request failed with status %d", e.StatusCode)
}

// Is lets errors.Is(err, ErrNotFound) match 404 responses
func (e *APIError) Is(target error) bool {
	return target == ErrNotFound && e.StatusCode == http.StatusNotFound
}

// BillingKind distinguishes the billing/limit failures the UI routes to an
// upgrade path instead of a generic error.
type BillingKind string

const (
	BillingPaymentRequired BillingKind = "payment_required"
	BillingRunLimit        BillingKind = "agent_run_limit"
	BillingProjectLimit    BillingKind = "project_limit"
)

// BillingError is a billing or usage-limit rejection
type BillingError struct {
	Kind    BillingKind
	Message string
	Err     *APIError
}

func (e *BillingError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("billing error (%s): %s", e.Kind, e.Message)
	}
	return fmt.Sprintf("billing error (%s)", e.Kind)
}

func (e *BillingError) Unwrap() error {
	if e.Err == nil {
		return nil
	}
	return e.Err
}

// AsBillingError extracts a *BillingError from an error chain
func AsBillingError(err error) (*BillingError, bool) {
	var be *BillingError
	if errors.As(err, &be) {
		return be, true
	}
	return nil, false
}

// Classifier maps a raw backend failure onto the error returned to callers.
// Implementations return the APIError itself when it needs no special type.
type Classifier interface {
	Classify(err *APIError) error
}

// ClassifierFunc adapts a function to Classifier
type ClassifierFunc func(err *APIError) error

// Classify implements Classifier
func (f ClassifierFunc) Classify(err *APIError) error {
	return f(err)
}

var limitCodes = map[string]BillingKind{
	"agent_run_limit_exceeded": BillingRunLimit,
	"project_limit_exceeded":   BillingProjectLimit,
	"billing_limit_exceeded":   BillingPaymentRequired,
	"insufficient_credits":     BillingPaymentRequired,
}

// DefaultClassifier treats HTTP 402 and known limit codes as billing errors
var DefaultClassifier Classifier = ClassifierFunc(func(err *APIError) error {
	if kind, ok := limitCodes[err.Code]; ok {
		return &BillingError{Kind: kind, Message: err.Message, Err: err}
	}
	if err.StatusCode == http.StatusPaymentRequired {
		return &BillingError{Kind: BillingPaymentRequired, Message: err.Message, Err: err}
	}
	return err
})

// parseAPIError builds an APIError from a response body. It understands
// {"detail": "..."}, {"detail": {"message": "...", "error_code": "..."}}
// and {"error": "..."}; anything else is kept verbatim as the message.
func parseAPIError(status int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: status, Body: string(body)}

	var envelope struct {
		Detail  json.RawMessage `json:"detail"`
		Error   string          `json:"error"`
		Message string          `json:"message"`
		Code    string          `json:"error_code"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		apiErr.Message = strings.TrimSpace(string(body))
		return apiErr
	}

	apiErr.Code = envelope.Code
	apiErr.Message = firstNonEmpty(envelope.Message, envelope.Error)

	if len(envelope.Detail) > 0 {
		var detailText string
		if err := json.Unmarshal(envelope.Detail, &detailText); err == nil {
			apiErr.Message = firstNonEmpty(detailText, apiErr.Message)
		} else {
			var detail struct {
				Message   string `json:"message"`
				ErrorCode string `json:"error_code"`
				Code      string `json:"code"`
			}
			if err := json.Unmarshal(envelope.Detail, &detail); err == nil {
				apiErr.Message = firstNonEmpty(detail.Message, apiErr.Message)
				apiErr.Code = firstNonEmpty(detail.ErrorCode, detail.Code, apiErr.Code)
			}
		}
	}

	return apiErr
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
