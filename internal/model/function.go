package model

import (
	"encoding/json"
	"strings"
)

// InputSpec describes one input file a function accepts.
type InputSpec struct {
	ID          string `json:"id"`
	Description string `json:"description,omitempty"`
}

// FunctionConfig is the capability document returned when a function is
// initialized. Fields the client does not interpret are kept in Raw.
type FunctionConfig struct {
	Name        string          `json:"name,omitempty"`
	Description string          `json:"description,omitempty"`
	Input       []InputSpec     `json:"input"`
	Raw         json.RawMessage `json:"-"`
}

// InputIDs returns the declared input identifiers in server order.
func (c *FunctionConfig) InputIDs() []string {
	ids := make([]string, len(c.Input))
	for i, in := range c.Input {
		ids[i] = in.ID
	}
	return ids
}

// ParseUID splits a function identifier of the form "author/id" or "id".
// The author is empty for the bare form.
func ParseUID(uid string) (author, id string) {
	parts := strings.Split(uid, "/")
	if len(parts) == 2 {
		return parts[0], parts[1]
	}
	return "", parts[0]
}

// KeyLimits are the optional resource caps attached to a scoped API key.
type KeyLimits struct {
	MaxMemory       *int `json:"max_memory,omitempty"`
	MaxTime         *int `json:"max_time,omitempty"`
	MaxParallelJobs *int `json:"max_parallel_jobs,omitempty"`
}

// APIKey is the server's description of a scoped API key.
type APIKey struct {
	Name            string `json:"name"`
	Key             string `json:"key,omitempty"`
	MaxMemory       *int   `json:"max_memory,omitempty"`
	MaxTime         *int   `json:"max_time,omitempty"`
	MaxParallelJobs *int   `json:"max_parallel_jobs,omitempty"`
}
