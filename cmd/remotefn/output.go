package main

import (
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/seantiz/remotefn/internal/model"
	"github.com/seantiz/remotefn/internal/store"
)

type format string

const (
	formatTable format = "table"
	formatJSON  format = "json"
	formatYAML  format = "yaml"
)

func parseFormat(s string) format {
	switch strings.ToLower(s) {
	case "json":
		return formatJSON
	case "yaml", "yml":
		return formatYAML
	default:
		return formatTable
	}
}

// printer renders command results as a table, JSON or YAML.
type printer struct {
	format format
	w      io.Writer
}

func newPrinter(w io.Writer, f format) *printer {
	return &printer{format: f, w: w}
}

func (p *printer) structured() bool {
	return p.format == formatJSON || p.format == formatYAML
}

func (p *printer) print(v any) error {
	if p.format == formatYAML {
		enc := yaml.NewEncoder(p.w)
		enc.SetIndent(2)
		if err := enc.Encode(v); err != nil {
			return err
		}
		return enc.Close()
	}
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func (p *printer) table() *tabwriter.Writer {
	return tabwriter.NewWriter(p.w, 0, 0, 2, ' ', 0)
}

func (p *printer) executions(recs []*model.ExecutionRecord, total int) error {
	if p.structured() {
		return p.print(map[string]any{"executions": recs, "total": total})
	}
	if len(recs) == 0 {
		fmt.Fprintln(p.w, "No executions found")
		return nil
	}

	w := p.table()
	fmt.Fprintln(w, "ID\tFUNCTION\tSTATE\tREMOTE ID\tDURATION\tCREATED")
	for _, r := range recs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
			r.ID, r.Function, r.State, dash(r.RemoteID), duration(r.DurationMS),
			r.CreatedAt.Local().Format(time.DateTime))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if total > len(recs) {
		fmt.Fprintf(p.w, "(%d of %d)\n", len(recs), total)
	}
	return nil
}

// executionDetail is the printable form of a journal record.
type executionDetail struct {
	model.ExecutionRecord `yaml:",inline"`
	Result                any      `json:"result,omitempty" yaml:"result,omitempty"`
	Stdout                []string `json:"stdout" yaml:"stdout"`
}

func (p *printer) execution(rec *model.ExecutionRecord, lines []model.LogLine) error {
	d := executionDetail{ExecutionRecord: *rec, Stdout: make([]string, len(lines))}
	for i, l := range lines {
		d.Stdout[i] = l.Line
	}
	if len(rec.Result) > 0 {
		var v any
		if err := json.Unmarshal(rec.Result, &v); err == nil {
			d.Result = v
		}
	}
	if p.structured() {
		return p.print(d)
	}

	w := p.table()
	fmt.Fprintf(w, "ID:\t%s\n", rec.ID)
	fmt.Fprintf(w, "Function:\t%s\n", rec.Function)
	fmt.Fprintf(w, "State:\t%s\n", rec.State)
	fmt.Fprintf(w, "Remote ID:\t%s\n", dash(rec.RemoteID))
	fmt.Fprintf(w, "Remote status:\t%s\n", dash(rec.RemoteStatus))
	fmt.Fprintf(w, "Duration:\t%s\n", duration(rec.DurationMS))
	fmt.Fprintf(w, "Created:\t%s\n", rec.CreatedAt.Local().Format(time.DateTime))
	if rec.Error != "" {
		fmt.Fprintf(w, "Error:\t%s (%s)\n", rec.Error, dash(rec.Operation))
	}
	if len(rec.Result) > 0 {
		fmt.Fprintf(w, "Result:\t%s\n", truncate(string(rec.Result), 120))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if len(lines) > 0 {
		fmt.Fprintln(p.w, "\nStdout:")
		for _, l := range lines {
			fmt.Fprintf(p.w, "  %s\n", l.Line)
		}
	}
	return nil
}

func (p *printer) stats(s *store.ExecutionStats) error {
	if p.structured() {
		return p.print(s)
	}
	w := p.table()
	fmt.Fprintf(w, "Total:\t%d\n", s.Total)
	fmt.Fprintf(w, "Average duration:\t%.0fms\n", s.AvgDurationMS)
	if err := w.Flush(); err != nil {
		return err
	}

	for _, section := range []struct {
		title  string
		counts map[string]int
	}{
		{"STATE", s.CountByState},
		{"FUNCTION", s.CountByFunction},
	} {
		if len(section.counts) == 0 {
			continue
		}
		fmt.Fprintln(p.w)
		w := p.table()
		fmt.Fprintf(w, "%s\tCOUNT\n", section.title)
		for _, k := range slices.Sorted(maps.Keys(section.counts)) {
			fmt.Fprintf(w, "%s\t%d\n", k, section.counts[k])
		}
		if err := w.Flush(); err != nil {
			return err
		}
	}
	return nil
}

func (p *printer) apiKey(key *model.APIKey) error {
	if p.structured() {
		return p.print(key)
	}
	w := p.table()
	fmt.Fprintf(w, "Name:\t%s\n", key.Name)
	fmt.Fprintf(w, "Key:\t%s\n", key.Key)
	fmt.Fprintf(w, "Max memory:\t%s\n", optInt(key.MaxMemory))
	fmt.Fprintf(w, "Max time:\t%s\n", optInt(key.MaxTime))
	fmt.Fprintf(w, "Max parallel jobs:\t%s\n", optInt(key.MaxParallelJobs))
	return w.Flush()
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func duration(ms *int) string {
	if ms == nil {
		return "-"
	}
	return (time.Duration(*ms) * time.Millisecond).String()
}

func optInt(v *int) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprint(*v)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
