package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/seantiz/remotefn/internal/model"
	"github.com/seantiz/remotefn/pkg/remotefn"
)

const terminateGrace = 10 * time.Second

// inputArg is one --input id=path pair.
type inputArg struct {
	id   string
	path string
}

func parseInputArgs(values []string) ([]inputArg, error) {
	args := make([]inputArg, 0, len(values))
	for _, v := range values {
		id, path, ok := strings.Cut(v, "=")
		if !ok || id == "" || path == "" {
			return nil, fmt.Errorf("invalid --input %q: want id=path", v)
		}
		args = append(args, inputArg{id: id, path: path})
	}
	return args, nil
}

func readInput(path string, stdin io.Reader) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(stdin)
	}
	return os.ReadFile(path)
}

// runResult is the structured output of the run command.
type runResult struct {
	JournalID string `json:"journal_id" yaml:"journal_id"`
	ID        string `json:"id" yaml:"id"`
	Result    any    `json:"result" yaml:"result"`
}

func runCmd(a *app) *cobra.Command {
	var (
		inputs    []string
		timeout   time.Duration
		follow    bool
		saveDir   string
		noJournal bool
	)

	cmd := &cobra.Command{
		Use:   "run <author/function> [input-file|-]",
		Short: "Execute a function and wait for its result",
		Long: `Execute a function and wait for its result.

A positional input file is uploaded as the function's only input. Functions
with several inputs take --input id=path for each of them. "-" reads stdin.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := a.apiKey()
			if err != nil {
				return err
			}
			named, err := parseInputArgs(inputs)
			if err != nil {
				return err
			}

			var journal remotefn.Journal
			if !noJournal {
				db, err := a.openJournal()
				if err != nil {
					return err
				}
				defer db.Close()
				journal = db
			}

			client := a.newClient(journal)
			defer client.Close()

			e := client.InitFunction(args[0], key, a.cfg.MasterKey).NewExecution().Drive()
			if len(args) == 2 {
				content, err := readInput(args[1], cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read input: %w", err)
				}
				e.WithInput(content)
			}
			for _, in := range named {
				content, err := readInput(in.path, cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read input %s: %w", in.id, err)
				}
				e.SetInput(in.id, content)
			}

			if follow {
				lines, unsubscribe := e.Stdout()
				defer unsubscribe()
				go func() {
					for line := range lines {
						fmt.Fprintln(cmd.ErrOrStderr(), line)
					}
				}()
			}
			e.Initialize()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}

			res, err := e.Wait(ctx)
			if ctxErr := ctx.Err(); ctxErr != nil {
				a.logger.Warn("terminating execution", "journal_id", e.JournalID(), "reason", ctxErr)
				e.Terminate()
				select {
				case <-e.Done():
				case <-time.After(terminateGrace):
				}
				return fmt.Errorf("execution %s interrupted: %w", e.JournalID(), ctxErr)
			}
			if err != nil {
				return fmt.Errorf("execution %s failed: %w", e.JournalID(), err)
			}

			if saveDir != "" {
				if err := saveOutputs(saveDir, e.GeneratedOutputs()); err != nil {
					return err
				}
			}
			return printResult(a.printer(cmd.OutOrStdout()), runResult{JournalID: e.JournalID(), ID: e.ID(), Result: res})
		},
	}

	cmd.Flags().StringArrayVarP(&inputs, "input", "i", nil, "named input as id=path (repeatable)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "terminate the execution after this long (0 waits forever)")
	cmd.Flags().BoolVarP(&follow, "follow", "f", false, "stream the execution's stdout to stderr")
	cmd.Flags().StringVar(&saveDir, "save-dir", "", "write generated output files to this directory")
	cmd.Flags().BoolVar(&noJournal, "no-journal", false, "do not record the execution in the journal")

	return cmd
}

func saveOutputs(dir string, outputs []*model.Output) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	for _, o := range outputs {
		name := o.Path
		if name == "" {
			name = o.ID
		}
		name = filepath.Base(filepath.Clean("/" + name))
		if err := os.WriteFile(filepath.Join(dir, name), o.Blob, 0o644); err != nil {
			return fmt.Errorf("write output %s: %w", o.ID, err)
		}
	}
	return nil
}

func printResult(p *printer, r runResult) error {
	if outputs, ok := r.Result.(map[string]*model.Output); ok {
		return printOutputs(p, r, outputs)
	}
	if p.structured() {
		return p.print(r)
	}
	enc := json.NewEncoder(p.w)
	enc.SetIndent("", "  ")
	return enc.Encode(r.Result)
}

// outputRow summarizes a generated file without its content.
type outputRow struct {
	ID   string `json:"id" yaml:"id"`
	Path string `json:"path" yaml:"path"`
	Size int    `json:"size" yaml:"size"`
}

func printOutputs(p *printer, r runResult, outputs map[string]*model.Output) error {
	rows := make([]outputRow, 0, len(outputs))
	for _, id := range slices.Sorted(maps.Keys(outputs)) {
		o := outputs[id]
		rows = append(rows, outputRow{ID: o.ID, Path: o.Path, Size: len(o.Blob)})
	}
	if p.structured() {
		r.Result = rows
		return p.print(r)
	}
	if len(rows) == 0 {
		fmt.Fprintln(p.w, "Execution produced no outputs")
		return nil
	}
	w := p.table()
	fmt.Fprintln(w, "OUTPUT\tPATH\tSIZE")
	for _, row := range rows {
		fmt.Fprintf(w, "%s\t%s\t%d\n", row.ID, row.Path, row.Size)
	}
	return w.Flush()
}

