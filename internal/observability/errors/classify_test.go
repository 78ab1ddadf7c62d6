package errors

import (
	"context"
	goerrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/target/mmk-fanout/internal/core"
	"github.com/target/mmk-fanout/internal/domain/analysis"
)

type statusError struct{ code int }

func (e *statusError) Error() string { return fmt.Sprintf("status %d", e.code) }

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{name: "nil", err: nil, want: ""},
		{name: "deadline", err: fmt.Errorf("call: %w", context.DeadlineExceeded), want: "deadline_exceeded"},
		{name: "canceled", err: context.Canceled, want: "canceled"},
		{name: "job not found", err: fmt.Errorf("load: %w", core.ErrJobNotFound), want: "job_not_found"},
		{name: "version conflict", err: core.ErrVersionConflict, want: "version_conflict"},
		{name: "smart retry", err: analysis.ErrSmartRetryUnavailable, want: "smart_retry_unavailable"},
		{
			name: "transient collection",
			err:  &analysis.CollectionError{ShardIndex: 1, Message: "upstream 503", Transient: true},
			want: "collection_transient",
		},
		{
			name: "permanent collection",
			err:  fmt.Errorf("callback: %w", &analysis.CollectionError{ShardIndex: 0, Message: "bad input"}),
			want: "collection_permanent",
		},
		{
			name: "launch status",
			err:  &analysis.LaunchError{ShardIndex: 2, StatusCode: 503, Err: goerrors.New("unavailable")},
			want: "launch_http_5xx",
		},
		{
			name: "launch transport",
			err:  &analysis.LaunchError{ShardIndex: 0, Err: &statusError{code: 0}},
			want: "launch_transport",
		},
		{
			name: "launch wrapping a deadline",
			err:  &analysis.LaunchError{ShardIndex: 0, Err: context.DeadlineExceeded},
			want: "deadline_exceeded",
		},
		{name: "abort", err: &analysis.JobAbortError{JobID: "j", Attempts: 3}, want: "job_abort"},
		{name: "merge conflict", err: &analysis.MergeConflictError{Key: "k"}, want: "merge_conflict"},
		{name: "innermost pointer type", err: fmt.Errorf("outer: %w", &statusError{code: 502}), want: "errors_statuserror"},
		{name: "plain error", err: goerrors.New("boom"), want: "errors_errorstring"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}
