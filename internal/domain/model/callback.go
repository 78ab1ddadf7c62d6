package model

import (
	"bytes"
	"encoding/json"
	"errors"
)

// CollectionCallback is the body the collection worker posts when a shard finishes.
type CollectionCallback struct {
	Success bool            `json:"success"`
	Raw     json.RawMessage `json:"raw,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// Validate validates the callback body.
func (c *CollectionCallback) Validate() error {
	if c.Success && c.Error != "" {
		return errors.New("error must be empty when success is true")
	}
	if !c.Success && c.Error == "" {
		return errors.New("error is required when success is false")
	}
	if c.Success && !rawPresent(c.Raw) {
		return errors.New("raw is required when success is true")
	}
	return nil
}

// rawPresent reports whether raw holds a JSON value other than null.
func rawPresent(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) > 0 && !bytes.Equal(trimmed, []byte("null"))
}

// CallbackOutcome describes what a callback did to shard state.
type CallbackOutcome string

const (
	// CallbackApplied means the callback moved the shard to a new collection state.
	CallbackApplied CallbackOutcome = "applied"
	// CallbackDuplicate means the shard was already in the reported terminal state.
	CallbackDuplicate CallbackOutcome = "duplicate"
	// CallbackIgnored means the callback was stale or conflicted with a terminal state.
	CallbackIgnored CallbackOutcome = "ignored"
)

// CallbackResponse is returned to the collection worker.
type CallbackResponse struct {
	Outcome CallbackOutcome `json:"outcome"`
	Status  JobStatus       `json:"status"`
}
