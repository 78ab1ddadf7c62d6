package analysis

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/target/mmk-fanout/internal/domain/model"
)

func TestDefaultPlan(t *testing.T) {
	p := DefaultPlan()
	require.Equal(t, 7, p.Len())

	records := p.NewShardRecords()
	require.Len(t, records, 7)
	for i, r := range records {
		assert.Equal(t, i, r.ShardIndex)
		assert.Equal(t, model.CollectionStatusPending, r.CollectionStatus)
		assert.Equal(t, model.InterpretationStatusPending, r.InterpretationStatus)
	}

	def, ok := p.Shard(1)
	require.True(t, ok)
	assert.Equal(t, "news", def.Name)
	payload, err := def.BuildRequest("Acme Corp")
	require.NoError(t, err)
	assert.JSONEq(t, `{"target":"Acme Corp","shard":"news","focus":"recent news coverage and press releases"}`,
		string(payload))

	_, err = def.BuildRequest("")
	assert.Error(t, err)

	_, ok = p.Shard(7)
	assert.False(t, ok)
}

func TestPlan_WithSelectors(t *testing.T) {
	base := DefaultPlan()
	p, err := base.WithSelectors(map[string]string{"news": "records[].title"})
	require.NoError(t, err)

	news, ok := p.Shard(1)
	require.True(t, ok)
	assert.Equal(t, "records[].title", news.Selector)
	profile, _ := p.Shard(0)
	assert.Empty(t, profile.Selector)

	orig, _ := base.Shard(1)
	assert.Empty(t, orig.Selector, "the source plan is not modified")

	_, err = base.WithSelectors(map[string]string{"weather": "x"})
	assert.EqualError(t, err, `selector for unknown shard "weather"`)
}

func TestNewPlan_Validation(t *testing.T) {
	build := FocusRequest("x", "y")
	tests := []struct {
		name    string
		defs    []ShardDefinition
		wantErr string
	}{
		{name: "empty", wantErr: "at least one shard"},
		{
			name:    "gap in indices",
			defs:    []ShardDefinition{{Index: 0, Name: "a", BuildRequest: build}, {Index: 2, Name: "b", BuildRequest: build}},
			wantErr: "expected 1",
		},
		{
			name:    "duplicate name",
			defs:    []ShardDefinition{{Index: 0, Name: "a", BuildRequest: build}, {Index: 1, Name: "a", BuildRequest: build}},
			wantErr: "duplicate shard name",
		},
		{
			name:    "missing builder",
			defs:    []ShardDefinition{{Index: 0, Name: "a"}},
			wantErr: "request builder is required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewPlan(tt.defs...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestKeywordClassifier(t *testing.T) {
	c := DefaultClassifier()
	assert.Equal(t, model.CollectionStatusRetryNeeded, c.Classify("Request Timeout after 30s"))
	assert.Equal(t, model.CollectionStatusRetryNeeded, c.Classify("HTTP 429"))
	assert.Equal(t, model.CollectionStatusFailed, c.Classify("invalid dataset id"))

	custom := NewKeywordClassifier(" Quota ", "")
	assert.Equal(t, model.CollectionStatusRetryNeeded, custom.Classify("quota exceeded"))
	assert.Equal(t, model.CollectionStatusFailed, custom.Classify("timeout"))
}
