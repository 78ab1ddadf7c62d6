package analysis

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/target/mmk-fanout/internal/domain/model"
)

// RequestBuilder computes the opaque collection payload for one shard.
type RequestBuilder func(prompt string) (json.RawMessage, error)

// ShardDefinition describes one unit of the fan-out.
type ShardDefinition struct {
	Index int
	Name  string
	// PromptTemplate is forwarded verbatim to the interpretation worker.
	PromptTemplate string
	// Selector is an optional JMESPath expression applied to the raw collection
	// output before interpretation.
	Selector     string
	BuildRequest RequestBuilder
}

// Plan is the ordered, immutable list of shards every job fans out into.
type Plan struct {
	shards []ShardDefinition
}

// NewPlan validates the definitions and returns a Plan.
func NewPlan(defs ...ShardDefinition) (*Plan, error) {
	if len(defs) == 0 {
		return nil, ErrEmptyPlan
	}
	seen := make(map[string]struct{}, len(defs))
	shards := make([]ShardDefinition, len(defs))
	for i, d := range defs {
		if d.Index != i {
			return nil, fmt.Errorf("shard %q has index %d, expected %d", d.Name, d.Index, i)
		}
		if d.Name == "" {
			return nil, fmt.Errorf("shard %d: name is required", i)
		}
		if _, dup := seen[d.Name]; dup {
			return nil, fmt.Errorf("duplicate shard name %q", d.Name)
		}
		if d.BuildRequest == nil {
			return nil, fmt.Errorf("shard %q: request builder is required", d.Name)
		}
		seen[d.Name] = struct{}{}
		shards[i] = d
	}
	return &Plan{shards: shards}, nil
}

// MustNewPlan is like NewPlan but panics on error.
func MustNewPlan(defs ...ShardDefinition) *Plan {
	p, err := NewPlan(defs...)
	if err != nil {
		panic(err)
	}
	return p
}

// Len returns the number of shards.
func (p *Plan) Len() int { return len(p.shards) }

// Shards returns a copy of the definitions in index order.
func (p *Plan) Shards() []ShardDefinition {
	out := make([]ShardDefinition, len(p.shards))
	copy(out, p.shards)
	return out
}

// Shard returns the definition at index.
func (p *Plan) Shard(index int) (ShardDefinition, bool) {
	if index < 0 || index >= len(p.shards) {
		return ShardDefinition{}, false
	}
	return p.shards[index], true
}

// WithSelectors returns a copy of the plan with the selectors, keyed by shard name,
// replacing each named shard's Selector. Unknown names are an error.
func (p *Plan) WithSelectors(selectors map[string]string) (*Plan, error) {
	byName := make(map[string]int, len(p.shards))
	for i, d := range p.shards {
		byName[d.Name] = i
	}
	shards := p.Shards()
	for name, expr := range selectors {
		i, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("selector for unknown shard %q", name)
		}
		shards[i].Selector = expr
	}
	return &Plan{shards: shards}, nil
}

// NewShardRecords returns one pre-launch record per shard.
func (p *Plan) NewShardRecords() []model.ShardRecord {
	out := make([]model.ShardRecord, len(p.shards))
	for i, d := range p.shards {
		out[i] = model.NewShardRecord(d.Index, d.Name)
	}
	return out
}

type collectionRequest struct {
	Target string `json:"target"`
	Shard  string `json:"shard"`
	Focus  string `json:"focus"`
}

// FocusRequest builds the standard collection payload for a shard focused on one topic.
func FocusRequest(shard, focus string) RequestBuilder {
	return func(prompt string) (json.RawMessage, error) {
		if prompt == "" {
			return nil, errors.New("target is required")
		}
		return json.Marshal(collectionRequest{Target: prompt, Shard: shard, Focus: focus})
	}
}

// DefaultPlan returns the seven-shard plan used in production.
func DefaultPlan() *Plan {
	defs := []struct {
		name, focus string
	}{
		{"profile", "company overview, headquarters, founding and ownership"},
		{"news", "recent news coverage and press releases"},
		{"financials", "revenue, funding rounds and financial filings"},
		{"leadership", "executives, board members and key people"},
		{"products", "products, services and pricing"},
		{"reputation", "customer reviews and public sentiment"},
		{"regulatory", "litigation, sanctions and regulatory actions"},
	}
	shards := make([]ShardDefinition, len(defs))
	for i, d := range defs {
		shards[i] = ShardDefinition{
			Index: i,
			Name:  d.name,
			PromptTemplate: fmt.Sprintf(
				"Extract %s from the evidence. Respond with a JSON object under the single key %q.",
				d.focus, d.name,
			),
			BuildRequest: FocusRequest(d.name, d.focus),
		}
	}
	return MustNewPlan(shards...)
}
