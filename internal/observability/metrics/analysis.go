// Package metrics holds the metric names and tag conventions for analysis jobs.
package metrics

import (
	"time"

	obserrors "github.com/target/mmk-fanout/internal/observability/errors"
	"github.com/target/mmk-fanout/internal/observability/statsd"
)

// Result constants for metric tagging.
const (
	ResultSuccess = "success"
	ResultError   = "error"
	ResultNoop    = "noop"
)

// Stage constants for shard metrics.
const (
	StageLaunch    = "launch"
	StageCallback  = "callback"
	StageInterpret = "interpret"
	StageTimeout   = "timeout"
)

// JobMetric captures one job-level transition such as merged, failed or retried.
type JobMetric struct {
	Transition string
	Result     string
	Duration   time.Duration
	Err        error
}

// ShardMetric captures one shard-level step.
type ShardMetric struct {
	Stage    string
	Shard    string
	Result   string
	Duration time.Duration
	Err      error
}

// EmitJobTransition emits analysis.job.transition and, when timed, analysis.job.duration.
func EmitJobTransition(sink statsd.Sink, in JobMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"transition": in.Transition,
		"result":     in.Result,
	}
	addErrorClass(tags, in.Result, in.Err)

	sink.Count("analysis.job.transition", 1, tags)
	if in.Duration > 0 {
		sink.Timing("analysis.job.duration", in.Duration, CloneTags(tags))
	}
}

// EmitShard emits analysis.shard.<stage> counters and timings tagged by shard name.
func EmitShard(sink statsd.Sink, in ShardMetric) {
	if sink == nil {
		return
	}

	tags := map[string]string{
		"shard":  in.Shard,
		"result": in.Result,
	}
	addErrorClass(tags, in.Result, in.Err)

	sink.Count("analysis.shard."+in.Stage, 1, tags)
	if in.Duration > 0 {
		sink.Timing("analysis.shard."+in.Stage+".duration", in.Duration, CloneTags(tags))
	}
}

// ResultFor maps an error to ResultSuccess or ResultError.
func ResultFor(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}

func addErrorClass(tags map[string]string, result string, err error) {
	if err == nil || result != ResultError {
		return
	}
	if class := obserrors.Classify(err); class != "" {
		tags["error_class"] = class
	}
}

// CloneTags creates a shallow copy of a tag map.
func CloneTags(src map[string]string) map[string]string {
	if len(src) == 0 {
		return nil
	}
	out := make(map[string]string, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}
