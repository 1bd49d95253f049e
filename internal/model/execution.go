package model

import (
	"path"
	"strings"
	"time"
)

// ExecutionInfo is the status snapshot returned by the function service for
// initialization and polling requests.
type ExecutionInfo struct {
	ID     string   `json:"id"`
	Status string   `json:"status,omitempty"`
	Stdout string   `json:"stdout,omitempty"`
	Output []Output `json:"output,omitempty"`
}

// ContentKind records how far a downloaded output has been decoded.
type ContentKind int

const (
	ContentNone ContentKind = iota
	ContentBinary
	ContentText
	ContentJSON
)

// ContentKindFor picks the decoding applied to an output file by extension.
func ContentKindFor(p string) ContentKind {
	switch strings.ToLower(path.Ext(p)) {
	case ".json":
		return ContentJSON
	case ".csv", ".txt":
		return ContentText
	default:
		return ContentBinary
	}
}

// Output describes one file produced by an execution. Content fields are
// filled in once the file has been downloaded.
type Output struct {
	ID   string `json:"id"`
	Path string `json:"path"`

	Blob []byte      `json:"-"`
	Text string      `json:"-"`
	JSON any         `json:"-"`
	Kind ContentKind `json:"-"`
}

// HasJSON reports whether the output carries parsed JSON content.
func (o *Output) HasJSON() bool {
	return o.Kind == ContentJSON
}

// ExecutionRecord is the local journal entry for one execution.
type ExecutionRecord struct {
	ID           string     `json:"id" yaml:"id"`
	RemoteID     string     `json:"remote_id,omitempty" yaml:"remote_id,omitempty"`
	Function     string     `json:"function" yaml:"function"`
	State        string     `json:"state" yaml:"state"`
	RemoteStatus string     `json:"remote_status,omitempty" yaml:"remote_status,omitempty"`
	Result       []byte     `json:"result,omitempty" yaml:"-"`
	Error        string     `json:"error,omitempty" yaml:"error,omitempty"`
	Operation    string     `json:"operation,omitempty" yaml:"operation,omitempty"`
	DurationMS   *int       `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty"`
	CreatedAt    time.Time  `json:"created_at" yaml:"created_at"`
	StartedAt    *time.Time `json:"started_at,omitempty" yaml:"started_at,omitempty"`
	FinishedAt   *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// LogLine is a single persisted stdout line from an execution.
type LogLine struct {
	ID          int64     `json:"id"`
	ExecutionID string    `json:"execution_id"`
	Seq         int       `json:"seq"`
	Line        string    `json:"line"`
	CreatedAt   time.Time `json:"created_at"`
}
