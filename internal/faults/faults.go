// Package faults classifies engine failures into the small taxonomy the
// scheduler, batcher and report agree on. Classification rides on
// github.com/jmgilman/go/errors codes so retry decisions stay a property of
// the error itself.
package faults

import (
	"context"
	"errors"
	"time"

	perrors "github.com/jmgilman/go/errors"
)

// Codes that the platform error library does not define.
const (
	CodeCacheCorruption   perrors.ErrorCode = "CACHE_CORRUPTION"
	CodeResourceExhausted perrors.ErrorCode = "RESOURCE_EXHAUSTED"
)

const retryAfterKey = "retry_after"

// Kind is the coarse failure category reported per item.
type Kind string

const (
	KindNone               Kind = ""
	KindTransientIO        Kind = "transient_io"
	KindRateLimit          Kind = "rate_limit"
	KindPermanentRequest   Kind = "permanent_request"
	KindCacheCorruption    Kind = "cache_corruption"
	KindResourceExhaustion Kind = "resource_exhaustion"
	KindCancelled          Kind = "cancelled"
	KindUnknown            Kind = "unknown"
)

// Transient wraps a retryable I/O failure (network, server error).
func Transient(err error, message string) error {
	if err == nil {
		return perrors.New(perrors.CodeNetwork, message)
	}
	return perrors.WithClassification(perrors.Wrap(err, perrors.CodeNetwork, message), perrors.ClassificationRetryable)
}

// Unavailable marks a server-side failure (5xx).
func Unavailable(err error, message string) error {
	if err == nil {
		return perrors.New(perrors.CodeUnavailable, message)
	}
	return perrors.WithClassification(perrors.Wrap(err, perrors.CodeUnavailable, message), perrors.ClassificationRetryable)
}

// Timeout marks a request that ran out of time.
func Timeout(err error, message string) error {
	if err == nil {
		return perrors.New(perrors.CodeTimeout, message)
	}
	return perrors.WithClassification(perrors.Wrap(err, perrors.CodeTimeout, message), perrors.ClassificationRetryable)
}

// RateLimited reports an explicit upstream rejection. retryAfter may be zero
// when the upstream did not say.
func RateLimited(retryAfter time.Duration, message string) error {
	err := perrors.New(perrors.CodeRateLimit, message)
	if retryAfter > 0 {
		return perrors.WithContext(err, retryAfterKey, retryAfter)
	}
	return err
}

// Permanent builds a non-retryable request failure. code should be one of
// CodeUnauthorized, CodeForbidden, CodeNotFound or CodeInvalidInput.
func Permanent(code perrors.ErrorCode, message string) error {
	return perrors.WithClassification(perrors.New(code, message), perrors.ClassificationPermanent)
}

// CacheCorruption wraps a decode failure of a persisted cache entry.
func CacheCorruption(err error, key string) error {
	return perrors.WithContext(perrors.Wrap(err, CodeCacheCorruption, "corrupted cache entry"), "key", key)
}

// ResourceExhausted reports sustained memory pressure.
func ResourceExhausted(message string) error {
	return perrors.New(CodeResourceExhausted, message)
}

// KindOf maps any error onto the taxonomy.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	switch perrors.GetCode(err) {
	case perrors.CodeNetwork, perrors.CodeTimeout, perrors.CodeUnavailable:
		return KindTransientIO
	case perrors.CodeRateLimit:
		return KindRateLimit
	case perrors.CodeUnauthorized, perrors.CodeForbidden, perrors.CodeNotFound, perrors.CodeInvalidInput:
		return KindPermanentRequest
	case CodeCacheCorruption:
		return KindCacheCorruption
	case CodeResourceExhausted:
		return KindResourceExhaustion
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransientIO
	}
	return KindUnknown
}

// Retryable reports whether the batcher may retry err.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	switch KindOf(err) {
	case KindTransientIO, KindRateLimit:
		return true
	case KindPermanentRequest:
		return false
	}
	return perrors.IsRetryable(err)
}

// RetryAfter returns the upstream-provided wait attached by RateLimited.
func RetryAfter(err error) (time.Duration, bool) {
	var pe perrors.PlatformError
	if !errors.As(err, &pe) {
		return 0, false
	}
	d, ok := pe.Context()[retryAfterKey].(time.Duration)
	return d, ok && d > 0
}

// Code returns the platform error code as a string, "UNKNOWN" for plain errors.
func Code(err error) string {
	return string(perrors.GetCode(err))
}
