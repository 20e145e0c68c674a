package apprunner

import (
	"os"

	"github.com/mattn/go-isatty"
	"golang.org/x/term"
)

// terminalState holds the previous stdin terminal state for restoration
// after a run that altered it (raw mode, as some dev-server CLIs do).
type terminalState struct {
	fd       int
	oldState *term.State
}

// isInteractive reports whether stdin is an interactive terminal.
func isInteractive() bool {
	fd := os.Stdin.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// saveTerminalState captures stdin's current termios so it can be
// restored after the child exits, in case the child left it altered.
func saveTerminalState() *terminalState {
	if !isInteractive() {
		return nil
	}
	fd := int(os.Stdin.Fd())
	state, err := term.GetState(fd)
	if err != nil {
		return nil
	}
	return &terminalState{fd: fd, oldState: state}
}

func restoreTerminalState(s *terminalState) {
	if s == nil {
		return
	}
	term.Restore(s.fd, s.oldState)
}
