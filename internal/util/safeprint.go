package util

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

type SafePrinter struct {
	mu        sync.Mutex
	out       io.Writer
	suspended bool
}

// Default is the shared SafePrinter used across the application to
// ensure all packages serialize their output to the terminal and avoid
// interleaving between goroutines.
var Default = NewSafePrinter(os.Stdout)

func NewSafePrinter(out io.Writer) *SafePrinter {
	return &SafePrinter{out: out}
}

func (s *SafePrinter) Printf(format string, a ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended {
		return
	}
	fmt.Fprintf(s.out, format, a...)
}

func (s *SafePrinter) Println(a ...interface{}) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended {
		return
	}
	fmt.Fprintln(s.out, a...)
}

// PrintBlock prints a potentially multi-line block atomically. If clearLine is true
// it will first clear the current line and then print the block exactly as provided.
func (s *SafePrinter) PrintBlock(block string, clearLine bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.suspended {
		return
	}
	if clearLine {
		fmt.Fprint(s.out, "\r\x1b[K")
	}
	fmt.Fprint(s.out, block)
	if !strings.HasSuffix(block, "\n") {
		fmt.Fprint(s.out, "\n")
	}
}

// Suspend silences all subsequent prints until Resume is called.
// Used while an interactive prompt owns the terminal.
func (s *SafePrinter) Suspend() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended = true
}

func (s *SafePrinter) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.suspended = false
}
