package project

import (
	"fmt"
	"strings"
)

const buildTailLines = 40

// buildTail keeps the last lines of build output for failure diagnostics.
// Consecutive duplicate lines collapse into one entry with a repeat count.
type buildTail struct {
	last    string
	repeats int
	buffer  []string
	size    int
}

func newBuildTail(size int) *buildTail {
	return &buildTail{size: size}
}

// AddOutput splits command output into lines and records them.
func (t *buildTail) AddOutput(outputs ...string) {
	for _, out := range outputs {
		for _, line := range strings.Split(out, "\n") {
			t.Add(strings.TrimRight(line, "\r"))
		}
	}
}

func (t *buildTail) Add(line string) {
	if t == nil || strings.TrimSpace(line) == "" {
		return
	}
	if line == t.last {
		t.repeats++
		return
	}
	t.flushRepeats()
	t.last = line
	t.record(line)
}

func (t *buildTail) flushRepeats() {
	if t.repeats == 0 || t.last == "" {
		return
	}
	t.record(fmt.Sprintf("%s (repeated %d more times)", t.last, t.repeats))
	t.repeats = 0
}

func (t *buildTail) record(line string) {
	if t.size <= 0 {
		return
	}
	if len(t.buffer) < t.size {
		t.buffer = append(t.buffer, line)
		return
	}
	t.buffer = append(t.buffer[1:], line)
}

// Snapshot returns the retained lines, oldest first.
func (t *buildTail) Snapshot() []string {
	if t == nil {
		return nil
	}
	t.flushRepeats()
	if len(t.buffer) == 0 {
		return nil
	}
	return append([]string(nil), t.buffer...)
}
