package sysexec

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// FakeRunner is a scripted Runner for tests. Outputs are keyed by the full
// command line ("lsblk -J -b"); unknown commands fail.
type FakeRunner struct {
	mu      sync.Mutex
	Outputs map[string]string
	Errors  map[string]error
	Paths   map[string]string
	Calls   []string
}

func (f *FakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	line := strings.TrimSpace(name + " " + strings.Join(args, " "))

	f.mu.Lock()
	f.Calls = append(f.Calls, line)
	f.mu.Unlock()

	if err, ok := f.Errors[line]; ok {
		return nil, err
	}
	if out, ok := f.Outputs[line]; ok {
		return []byte(out), nil
	}
	return nil, &CommandError{Command: line, ExitCode: 127, Stderr: "command not scripted", Err: fmt.Errorf("unscripted command")}
}

func (f *FakeRunner) LookPath(name string) (string, error) {
	if p, ok := f.Paths[name]; ok {
		return p, nil
	}
	return "", exec.ErrNotFound
}

// Called reports whether the given command line was run.
func (f *FakeRunner) Called(line string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.Calls {
		if c == line {
			return true
		}
	}
	return false
}
