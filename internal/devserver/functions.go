package devserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/seantiz/remotefn/internal/model"
)

// DefaultAuthor owns the built-in stub functions.
const DefaultAuthor = "dev"

// Echo returns a function with a single JSON input that it copies verbatim to
// output.json.
func Echo() Function {
	return &StubFunction{
		Config: model.FunctionConfig{
			Name:        "echo",
			Description: "Copies input.json to output.json.",
			Input:       []model.InputSpec{{ID: "input.json"}},
		},
		RunFunc: func(_ context.Context, job Job) (Result, error) {
			in, ok := job.Inputs["input.json"]
			if !ok {
				return Result{}, errors.New("input.json was not uploaded")
			}
			if !json.Valid(in) {
				return Result{}, errors.New("input.json is not valid JSON")
			}
			job.Stdout(fmt.Sprintf("received %d bytes", len(in)))
			return Result{Outputs: []File{{ID: "output.json", Path: "output.json", Content: in}}}, nil
		},
	}
}

// WordCount returns a two-input function that counts the words of text.txt,
// ignoring those listed in stopwords.txt. It produces count.json and words.txt.
func WordCount() Function {
	return &StubFunction{
		Config: model.FunctionConfig{
			Name:        "wordcount",
			Description: "Counts words in text.txt.",
			Input: []model.InputSpec{
				{ID: "text.txt", Description: "Text to count."},
				{ID: "stopwords.txt", Description: "Words to ignore, one per line."},
			},
		},
		RunFunc: func(_ context.Context, job Job) (Result, error) {
			stop := make(map[string]bool)
			for _, w := range strings.Fields(string(job.Inputs["stopwords.txt"])) {
				stop[strings.ToLower(w)] = true
			}

			counts := make(map[string]int)
			total := 0
			for _, w := range strings.Fields(string(job.Inputs["text.txt"])) {
				w = strings.ToLower(strings.Trim(w, ".,;:!?\"'()"))
				if w == "" || stop[w] {
					continue
				}
				counts[w]++
				total++
			}
			job.Stdout(fmt.Sprintf("counted %d words", total))

			words := make([]string, 0, len(counts))
			for w := range counts {
				words = append(words, w)
			}
			sort.Strings(words)

			summary, err := json.Marshal(map[string]int{"words": total, "unique": len(words)})
			if err != nil {
				return Result{}, fmt.Errorf("encode summary: %w", err)
			}
			var list bytes.Buffer
			for _, w := range words {
				fmt.Fprintf(&list, "%s %d\n", w, counts[w])
			}
			return Result{Outputs: []File{
				{ID: "count.json", Path: "count.json", Content: summary},
				{ID: "words.txt", Path: "words.txt", Content: list.Bytes()},
			}}, nil
		},
	}
}

// Ticker returns a function without inputs that prints n lines, one every
// interval, and produces no outputs.
func Ticker(n int, interval time.Duration) Function {
	return &StubFunction{
		Config: model.FunctionConfig{
			Name:        "ticker",
			Description: "Prints a line per tick.",
			Input:       []model.InputSpec{},
		},
		RunFunc: func(ctx context.Context, job Job) (Result, error) {
			t := time.NewTicker(interval)
			defer t.Stop()
			for i := 1; i <= n; i++ {
				select {
				case <-ctx.Done():
					return Result{}, ctx.Err()
				case <-t.C:
					job.Stdout(fmt.Sprintf("tick %d", i))
				}
			}
			return Result{}, nil
		},
	}
}

// Failing returns a function that always fails with msg.
func Failing(msg string) Function {
	return &StubFunction{
		Config: model.FunctionConfig{Name: "fail", Input: []model.InputSpec{}},
		RunFunc: func(_ context.Context, job Job) (Result, error) {
			job.Stdout("about to fail")
			return Result{}, errors.New(msg)
		},
	}
}

// RegisterDefaults registers the built-in stub functions under author.
func RegisterDefaults(reg *Registry, author string) {
	reg.Register(author+"/echo", Echo())
	reg.Register(author+"/wordcount", WordCount())
	reg.Register(author+"/ticker", Ticker(5, 200*time.Millisecond))
	reg.Register(author+"/fail", Failing("stub failure"))
}
