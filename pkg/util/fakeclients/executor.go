package fakeclients

import (
	"strings"
	"sync"
)

// FakeExecutor records commands instead of running them. Outputs and Errors
// are keyed by command name.
type FakeExecutor struct {
	lock     sync.Mutex
	Outputs  map[string][]byte
	Errors   map[string]error
	NotReady error

	calls []string
}

func NewFakeExecutor() *FakeExecutor {
	return &FakeExecutor{
		Outputs: make(map[string][]byte),
		Errors:  make(map[string]error),
	}
}

func (f *FakeExecutor) Run(cmd string, args []string) ([]byte, error) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls = append(f.calls, strings.TrimSpace(cmd+" "+strings.Join(args, " ")))
	return f.Outputs[cmd], f.Errors[cmd]
}

func (f *FakeExecutor) CheckReady() error {
	return f.NotReady
}

// Calls returns every command line run so far.
func (f *FakeExecutor) Calls() []string {
	f.lock.Lock()
	defer f.lock.Unlock()
	return append([]string(nil), f.calls...)
}
