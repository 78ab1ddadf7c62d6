// Package errors derives low-cardinality error labels for metrics and logs.
package errors

import (
	"context"
	goerrors "errors"
	"reflect"
	"strings"

	"github.com/target/mmk-fanout/internal/core"
	"github.com/target/mmk-fanout/internal/domain/analysis"
)

var sentinelClasses = []struct {
	err   error
	class string
}{
	{context.DeadlineExceeded, "deadline_exceeded"},
	{context.Canceled, "canceled"},
	{core.ErrJobNotFound, "job_not_found"},
	{core.ErrVersionConflict, "version_conflict"},
	{analysis.ErrShardNotFound, "shard_not_found"},
	{analysis.ErrInvalidTransition, "invalid_transition"},
	{analysis.ErrSmartRetryUnavailable, "smart_retry_unavailable"},
}

// Classify returns a normalized error label suitable for tagging metrics and logs.
// Known sentinels and analysis error types map to fixed labels. Anything else is named
// after the innermost concrete type, e.g. "net_operror".
func Classify(err error) string {
	if err == nil {
		return ""
	}
	for _, s := range sentinelClasses {
		if goerrors.Is(err, s.err) {
			return s.class
		}
	}
	if class := domainClass(err); class != "" {
		return class
	}
	return typeName(err)
}

func domainClass(err error) string {
	var (
		collectionErr *analysis.CollectionError
		launchErr     *analysis.LaunchError
		interpretErr  *analysis.InterpretationError
		abortErr      *analysis.JobAbortError
		conflictErr   *analysis.MergeConflictError
	)
	switch {
	case goerrors.As(err, &collectionErr):
		if collectionErr.Transient {
			return "collection_transient"
		}
		return "collection_permanent"
	case goerrors.As(err, &abortErr):
		return "job_abort"
	case goerrors.As(err, &conflictErr):
		return "merge_conflict"
	case goerrors.As(err, &launchErr):
		if launchErr.StatusCode > 0 {
			return "launch_http_" + statusFamily(launchErr.StatusCode)
		}
		return "launch_transport"
	case goerrors.As(err, &interpretErr):
		return "interpretation"
	}
	return ""
}

func statusFamily(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	default:
		return "other"
	}
}

func typeName(err error) string {
	for {
		unwrapped := goerrors.Unwrap(err)
		if unwrapped == nil {
			break
		}
		err = unwrapped
	}

	t := reflect.TypeOf(err)
	for t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	if t == nil {
		return "unknown"
	}

	name := strings.ReplaceAll(strings.ToLower(t.String()), ".", "_")
	if name == "" {
		return "unknown"
	}
	return name
}
