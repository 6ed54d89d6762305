package tablepoll

import (
	"errors"
	"fmt"
)

var (
	// ErrConfiguration is returned when a partition or client is misconfigured.
	ErrConfiguration = errors.New("invalid configuration")

	// ErrRetryExhausted is returned when a request failed on every allowed attempt.
	ErrRetryExhausted = errors.New("retries exhausted")

	// ErrMissingField is returned when a row lacks its timestamp or identifier.
	ErrMissingField = errors.New("row is missing a required field")

	// ErrWatermarkRegression is returned when a row would move a watermark backwards.
	ErrWatermarkRegression = errors.New("watermark regression")

	// errInvalidResponse is returned when a response body has no result array.
	errInvalidResponse = errors.New("invalid response body")
)

// ConfigurationError describes a missing or invalid setting.
type ConfigurationError struct {
	Partition string
	Setting   string
	Message   string
}

func (e *ConfigurationError) Error() string {
	if e.Partition != "" {
		return fmt.Sprintf("partition %q: %s: %s", e.Partition, e.Setting, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Setting, e.Message)
}

func (e *ConfigurationError) Is(target error) bool {
	return target == ErrConfiguration
}

// MissingFieldError is returned when a fetched row cannot be placed in the
// (timestamp, identifier) order.
type MissingFieldError struct {
	Table string
	Field string
	Index int
	Err   error
}

func (e *MissingFieldError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("table %q: row %d: field %q: %v", e.Table, e.Index, e.Field, e.Err)
	}
	return fmt.Sprintf("table %q: row %d: field %q is missing or empty", e.Table, e.Index, e.Field)
}

func (e *MissingFieldError) Is(target error) bool {
	return target == ErrMissingField
}

func (e *MissingFieldError) Unwrap() error {
	return e.Err
}

// StatusError is returned for a non-2xx response.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}
