package ui

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
)

// Input reads answers from the user one line at a time.
type Input struct {
	mu     sync.Mutex
	reader *bufio.Reader
	w      io.Writer
}

// NewInput reads stdin and prompts on stdout.
func NewInput() *Input {
	return NewInputFrom(os.Stdin, os.Stdout)
}

func NewInputFrom(r io.Reader, w io.Writer) *Input {
	return &Input{reader: bufio.NewReader(r), w: w}
}

// ReadLine prints prompt and returns the trimmed line. A final line
// without a newline is returned; EOF on an empty line is an error.
func (in *Input) ReadLine(prompt string) (string, error) {
	in.mu.Lock()
	defer in.mu.Unlock()
	fmt.Fprint(in.w, prompt)
	line, err := in.reader.ReadString('\n')
	if err != nil && (err != io.EOF || line == "") {
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// Confirm asks a yes/no question. An empty answer takes the default.
func (in *Input) Confirm(prompt string, defaultYes bool) (bool, error) {
	suffix := " [y/N]: "
	if defaultYes {
		suffix = " [Y/n]: "
	}
	response, err := in.ReadLine(prompt + suffix)
	if err != nil {
		return false, err
	}
	switch strings.ToLower(response) {
	case "":
		return defaultYes, nil
	case "y", "yes":
		return true, nil
	default:
		return false, nil
	}
}

// Select asks for a 1-based choice until it gets a valid one and returns
// the 0-based index.
func (in *Input) Select(prompt string, options []string) (int, error) {
	fmt.Fprintln(in.w, prompt)
	for i, opt := range options {
		fmt.Fprintf(in.w, "  [%d] %s\n", i+1, opt)
	}
	for {
		response, err := in.ReadLine("Enter choice: ")
		if err != nil {
			return -1, err
		}
		var choice int
		if _, err := fmt.Sscanf(response, "%d", &choice); err != nil {
			fmt.Fprintln(in.w, "Please enter a number.")
			continue
		}
		if choice < 1 || choice > len(options) {
			fmt.Fprintf(in.w, "Please enter a number between 1 and %d.\n", len(options))
			continue
		}
		return choice - 1, nil
	}
}
