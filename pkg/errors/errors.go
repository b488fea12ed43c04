package errors

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/util/validation/field"
)

// Reason 是返回给事件生产者的机器可读原因
type Reason string

const (
	ReasonNotFound            Reason = "NotFound"
	ReasonValidationFailed    Reason = "ValidationFailed"
	ReasonForbidden           Reason = "Forbidden"
	ReasonConfigurationError  Reason = "ConfigurationError"
	ReasonUpstreamUnavailable Reason = "UpstreamUnavailable"
	ReasonUnknown             Reason = "Unknown"
)

// ErrForbidden indicates the event was denied by an authorization policy. It is never retried.
var ErrForbidden = errors.New("forbidden")

// ErrValidationFailed indicates structural or schema violations in the event.
var ErrValidationFailed = errors.New("validation failed")

// ErrConfiguration indicates a defect in a policy document, such as an unknown rule type
// or decision strategy. It must fail loudly instead of defaulting to allow or deny.
var ErrConfiguration = errors.New("configuration error")

// ErrUpstreamUnavailable indicates that the resource repository, the schema registry or the
// watch transport could not be reached. Callers may retry.
var ErrUpstreamUnavailable = errors.New("upstream unavailable")

// ValidationError 按字段聚合校验失败信息
type ValidationError struct {
	Errors map[string][]string
}

var _ error = &ValidationError{}

// NewValidationError 从 field.ErrorList 构造 ValidationError，列表为空时返回 nil。
func NewValidationError(errs field.ErrorList) *ValidationError {
	if len(errs) == 0 {
		return nil
	}
	v := &ValidationError{Errors: make(map[string][]string)}
	for _, err := range errs {
		v.Add(err.Field, err.ErrorBody())
	}
	return v
}

// Add 为某个字段追加一条信息
func (v *ValidationError) Add(fieldPath, message string) {
	if v.Errors == nil {
		v.Errors = make(map[string][]string)
	}
	v.Errors[fieldPath] = append(v.Errors[fieldPath], message)
}

func (v *ValidationError) Error() string {
	fields := make([]string, 0, len(v.Errors))
	for f := range v.Errors {
		fields = append(fields, f)
	}
	sort.Strings(fields)

	parts := make([]string, 0, len(fields))
	for _, f := range fields {
		parts = append(parts, fmt.Sprintf("%s: %s", f, strings.Join(v.Errors[f], "; ")))
	}
	return fmt.Sprintf("%s: %s", ErrValidationFailed, strings.Join(parts, ", "))
}

func (v *ValidationError) Unwrap() error {
	return ErrValidationFailed
}

// Forbiddenf 构造一个授权拒绝错误
func Forbiddenf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrForbidden, fmt.Sprintf(format, args...))
}

// Configurationf 构造一个配置错误
func Configurationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrConfiguration, fmt.Sprintf(format, args...))
}

// WrapUpstreamUnavailable wraps an error as retryable upstream unavailability.
// If the error is already marked, it is returned as-is.
func WrapUpstreamUnavailable(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrUpstreamUnavailable) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrUpstreamUnavailable, err)
}

// IsForbidden checks if an error is an authorization denial.
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}

// IsConfiguration checks if an error is a policy configuration defect.
func IsConfiguration(err error) bool {
	return errors.Is(err, ErrConfiguration)
}

// IsValidationFailed checks if an error carries validation failures.
func IsValidationFailed(err error) bool {
	return errors.Is(err, ErrValidationFailed)
}

// IsUpstreamUnavailable checks if an error is retryable upstream unavailability.
// apimachinery status errors for timeouts, throttling and unavailable servers count as well.
func IsUpstreamUnavailable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrUpstreamUnavailable) {
		return true
	}
	return apierrors.IsServiceUnavailable(err) ||
		apierrors.IsServerTimeout(err) ||
		apierrors.IsTimeout(err) ||
		apierrors.IsTooManyRequests(err)
}

// ReasonFor 把错误归类到 Reason
func ReasonFor(err error) Reason {
	switch {
	case err == nil:
		return ""
	case IsValidationFailed(err):
		return ReasonValidationFailed
	case IsForbidden(err):
		return ReasonForbidden
	case IsConfiguration(err):
		return ReasonConfigurationError
	case IsUpstreamUnavailable(err):
		return ReasonUpstreamUnavailable
	case apierrors.IsNotFound(err):
		return ReasonNotFound
	default:
		return ReasonUnknown
	}
}
