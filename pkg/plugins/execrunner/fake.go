package execrunner

import (
	"context"
	"fmt"
	"strings"
	"sync"
)

// Fake is a scripted Runner for tests. Responses are keyed by the full
// command line; Handler, if set, sees every call first.
type Fake struct {
	mu        sync.Mutex
	Responses map[string]*Result
	Handler   func(cmdline string) (*Result, bool)
	Calls     []string
}

// NewFake returns an empty Fake.
func NewFake() *Fake {
	return &Fake{Responses: make(map[string]*Result)}
}

// On scripts stdout for a command line.
func (f *Fake) On(cmdline, stdout string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Responses[cmdline] = &Result{Stdout: stdout}
	return f
}

// Fail scripts a non-zero exit for a command line.
func (f *Fake) Fail(cmdline, stderr string) *Fake {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Responses[cmdline] = &Result{Stderr: stderr, ExitCode: 1}
	return f
}

// Run records the call and returns the scripted result.
func (f *Fake) Run(ctx context.Context, name string, args ...string) (*Result, error) {
	cmdline := strings.Join(append([]string{name}, args...), " ")

	f.mu.Lock()
	f.Calls = append(f.Calls, cmdline)
	handler := f.Handler
	res, ok := f.Responses[cmdline]
	f.mu.Unlock()

	if handler != nil {
		if r, handled := handler(cmdline); handled {
			return r, nil
		}
	}
	if !ok {
		return nil, fmt.Errorf("unexpected command: %s", cmdline)
	}
	copied := *res
	return &copied, nil
}

// Executed returns the command lines run so far.
func (f *Fake) Executed() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Calls...)
}
