package analysis

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/target/mmk-fanout/internal/domain/model"
)

// ShardResult is one interpreted partial result keyed by shard identity.
type ShardResult struct {
	ShardIndex int
	ShardName  string
	Result     json.RawMessage
}

// Merger combines shard results into the final report.
type Merger interface {
	Merge(results []ShardResult) (json.RawMessage, error)
}

// KeyUnionMerger merges top-level object keys of every shard result. Each shard is
// expected to own a disjoint set of keys. A key written by two shards with different
// values is a MergeConflictError; identical values are accepted. Results that are not
// JSON objects are stored under the shard name.
type KeyUnionMerger struct{}

type keyOwner struct {
	shard string
	value json.RawMessage
}

// Merge implements Merger.
func (KeyUnionMerger) Merge(results []ShardResult) (json.RawMessage, error) {
	owners := make(map[string]keyOwner)
	out := make(map[string]json.RawMessage)

	put := func(key, shard string, value json.RawMessage) error {
		if prev, ok := owners[key]; ok {
			same, err := jsonEqual(prev.value, value)
			if err != nil {
				return err
			}
			if !same {
				return &MergeConflictError{Key: key, First: prev.shard, Second: shard}
			}
			return nil
		}
		owners[key] = keyOwner{shard: shard, value: value}
		out[key] = value
		return nil
	}

	for _, r := range results {
		trimmed := bytes.TrimSpace(r.Result)
		if len(trimmed) == 0 {
			return nil, fmt.Errorf("shard %s: empty result", r.ShardName)
		}
		if trimmed[0] != '{' {
			if !json.Valid(trimmed) {
				return nil, fmt.Errorf("shard %s: result is not valid JSON", r.ShardName)
			}
			if err := put(r.ShardName, r.ShardName, trimmed); err != nil {
				return nil, err
			}
			continue
		}
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(trimmed, &obj); err != nil {
			return nil, fmt.Errorf("shard %s: decode result: %w", r.ShardName, err)
		}
		for k, v := range obj {
			if err := put(k, r.ShardName, v); err != nil {
				return nil, err
			}
		}
	}

	merged, err := json.Marshal(out)
	if err != nil {
		return nil, fmt.Errorf("encode merged result: %w", err)
	}
	return merged, nil
}

// jsonEqual compares two JSON values after normalising key order and whitespace.
func jsonEqual(a, b json.RawMessage) (bool, error) {
	na, err := normalizeJSON(a)
	if err != nil {
		return false, err
	}
	nb, err := normalizeJSON(b)
	if err != nil {
		return false, err
	}
	return bytes.Equal(na, nb), nil
}

func normalizeJSON(b json.RawMessage) ([]byte, error) {
	var v any
	if err := json.Unmarshal(b, &v); err != nil {
		return nil, fmt.Errorf("decode value: %w", err)
	}
	return json.Marshal(v)
}

// CompletedResults returns interpreted shard results in shard order.
func CompletedResults(job *model.Job) []ShardResult {
	out := make([]ShardResult, 0, len(job.Shards))
	for i := range job.Shards {
		s := &job.Shards[i]
		if s.InterpretationStatus != model.InterpretationStatusCompleted {
			continue
		}
		out = append(out, ShardResult{ShardIndex: s.ShardIndex, ShardName: s.ShardName, Result: s.InterpretationResult})
	}
	return out
}
