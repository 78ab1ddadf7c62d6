package analysis

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyUnionMerger_Merge(t *testing.T) {
	var m KeyUnionMerger

	t.Run("disjoint keys are unioned", func(t *testing.T) {
		out, err := m.Merge([]ShardResult{
			{ShardIndex: 0, ShardName: "profile", Result: json.RawMessage(`{"profile":{"name":"Acme"}}`)},
			{ShardIndex: 1, ShardName: "news", Result: json.RawMessage(` {"news":[1,2]} `)},
		})
		require.NoError(t, err)
		assert.JSONEq(t, `{"profile":{"name":"Acme"},"news":[1,2]}`, string(out))
	})

	t.Run("identical duplicate values are accepted", func(t *testing.T) {
		out, err := m.Merge([]ShardResult{
			{ShardName: "a", Result: json.RawMessage(`{"target":{"x":1,"y":2}}`)},
			{ShardName: "b", Result: json.RawMessage(`{"target":{"y":2, "x":1}}`)},
		})
		require.NoError(t, err)
		assert.JSONEq(t, `{"target":{"x":1,"y":2}}`, string(out))
	})

	t.Run("conflicting values fail", func(t *testing.T) {
		_, err := m.Merge([]ShardResult{
			{ShardName: "a", Result: json.RawMessage(`{"summary":"one"}`)},
			{ShardName: "b", Result: json.RawMessage(`{"summary":"two"}`)},
		})
		var conflict *MergeConflictError
		require.ErrorAs(t, err, &conflict)
		assert.Equal(t, "summary", conflict.Key)
		assert.Equal(t, "a", conflict.First)
		assert.Equal(t, "b", conflict.Second)
	})

	t.Run("non-object results nest under shard name", func(t *testing.T) {
		out, err := m.Merge([]ShardResult{
			{ShardName: "news", Result: json.RawMessage(`["headline"]`)},
		})
		require.NoError(t, err)
		assert.JSONEq(t, `{"news":["headline"]}`, string(out))
	})

	t.Run("invalid json fails", func(t *testing.T) {
		_, err := m.Merge([]ShardResult{{ShardName: "x", Result: json.RawMessage(`{"a":`)}})
		require.Error(t, err)
		_, err = m.Merge([]ShardResult{{ShardName: "x"}})
		require.Error(t, err)
	})

	t.Run("no results yields empty object", func(t *testing.T) {
		out, err := m.Merge(nil)
		require.NoError(t, err)
		assert.JSONEq(t, `{}`, string(out))
	})
}

func TestCompletedResults(t *testing.T) {
	job := collectedJob(t, 3)
	for _, i := range []int{2, 0} {
		require.NoError(t, BeginInterpretation(job, i, testNow))
		require.NoError(t, CompleteInterpretation(job, i, json.RawMessage(`{"k":1}`), testNow))
	}
	res := CompletedResults(job)
	require.Len(t, res, 2)
	assert.Equal(t, 0, res[0].ShardIndex)
	assert.Equal(t, 2, res[1].ShardIndex)
}
