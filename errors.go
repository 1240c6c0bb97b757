package limitstream

import (
	"errors"
	"fmt"
)

var (
	ErrSizeLimitExceeded = errors.New("byte size limit exceeded")
	ErrInvalidConfig     = errors.New("invalid limit configuration")
	ErrStreamClosed      = errors.New("stream closed")
	ErrCancelled         = errors.New("stream cancelled")
)

// SizeLimitError is returned under the Fail policy by the chunk that would
// cross the limit.
type SizeLimitError struct {
	Limit int64
}

func (e *SizeLimitError) Error() string {
	return fmt.Sprintf("exceeded byte size limit of '%d'", e.Limit)
}

func (e *SizeLimitError) Is(target error) bool {
	return target == ErrSizeLimitExceeded
}

// ConfigError reports an invalid construction parameter.
type ConfigError struct {
	Field string
	Value interface{}
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Value)
}

func (e *ConfigError) Is(target error) bool {
	return target == ErrInvalidConfig
}

func IsErrSizeLimitExceeded(err error) bool {
	return errors.Is(err, ErrSizeLimitExceeded)
}

func IsErrInvalidConfig(err error) bool {
	return errors.Is(err, ErrInvalidConfig)
}

func IsErrStreamClosed(err error) bool {
	return errors.Is(err, ErrStreamClosed)
}
