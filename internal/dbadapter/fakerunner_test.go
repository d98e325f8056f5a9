package dbadapter

import (
	"context"
	"sync"
)

// fakeRunner is a CommandRunner that records every invocation instead of
// executing a real binary.
type fakeRunner struct {
	mu    sync.Mutex
	calls []string
	err   error
}

func (f *fakeRunner) Run(ctx context.Context, env []string, name string, args ...string) ([]byte, error) {
	f.record(name, args)
	return nil, f.err
}

func (f *fakeRunner) RunStreaming(ctx context.Context, env []string, name string, args ...string) error {
	f.record(name, args)
	return f.err
}

func (f *fakeRunner) record(name string, args []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
}

func (f *fakeRunner) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c == name {
			n++
		}
	}
	return n
}
