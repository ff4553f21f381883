// Package prompt asks the user yes/no questions on the terminal.
// Destructive provider actions (deleting an incompatible instance when
// auto-clean is off) confirm through here.
package prompt

import (
	"bufio"
	"fmt"
	"io"
	"strings"
)

// Confirm asks a yes/no question on out and reads the answer from in.
// defaultYes selects the answer for a bare Enter.
func Confirm(in io.Reader, out io.Writer, question string, defaultYes bool) (bool, error) {
	suffix := "[y/N]"
	if defaultYes {
		suffix = "[Y/n]"
	}
	fmt.Fprintf(out, "%s %s ", question, suffix)

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && err != io.EOF {
		return false, fmt.Errorf("failed to read answer: %w", err)
	}

	switch strings.ToLower(strings.TrimSpace(line)) {
	case "y", "yes":
		return true, nil
	case "n", "no":
		return false, nil
	case "":
		return defaultYes, nil
	default:
		return false, nil
	}
}
