package runner

import (
	"context"
	"strings"
	"sync"
)

// Fake is a Runner for tests. It records every command and answers with
// Handler, or an empty successful Result when Handler is nil.
type Fake struct {
	Handler func(cmd Command) (Result, error)

	mu    sync.Mutex
	calls []Command
}

// Run records cmd and delegates to Handler.
func (f *Fake) Run(ctx context.Context, cmd Command) (Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, cmd)
	handler := f.Handler
	f.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	if handler == nil {
		return Result{}, nil
	}
	return handler(cmd)
}

// Calls returns a copy of the recorded commands.
func (f *Fake) Calls() []Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Command(nil), f.calls...)
}

// CallsMatching returns recorded commands whose rendered form contains substr.
func (f *Fake) CallsMatching(substr string) []Command {
	var out []Command
	for _, c := range f.Calls() {
		if strings.Contains(c.String(), substr) {
			out = append(out, c)
		}
	}
	return out
}

var _ Runner = (*Fake)(nil)
var _ Runner = (*Exec)(nil)
