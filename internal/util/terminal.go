package util

import (
	"os"
	"sync"

	"golang.org/x/term"
)

// SaveTerminal captures the state of f when it is a terminal and returns a
// function that restores it. Restore is safe to call multiple times.
func SaveTerminal(f *os.File) func() {
	fd := int(f.Fd())
	if !term.IsTerminal(fd) {
		return func() {}
	}
	st, err := term.GetState(fd)
	if err != nil {
		return func() {}
	}
	var once sync.Once
	return func() {
		once.Do(func() { _ = term.Restore(fd, st) })
	}
}

// TruncateToBytes truncates s to at most max bytes without splitting UTF-8 runes.
func TruncateToBytes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	var b []byte
	for _, r := range s {
		rb := []byte(string(r))
		if len(b)+len(rb) > max {
			break
		}
		b = append(b, rb...)
	}
	if len(b) == 0 {
		return s[:max]
	}
	return string(b)
}
