package tray

import (
	"fmt"
	"os/exec"
)

// Terminals tried in order by OpenInTerminal. The Debian alternative comes
// first; the rest cover common desktops without it.
var Terminals = []string{"x-terminal-emulator", "gnome-terminal", "konsole", "xterm"}

// OpenInTerminal starts args in a new terminal window and returns without
// waiting for it.
func OpenInTerminal(args ...string) error {
	for _, term := range Terminals {
		path, err := exec.LookPath(term)
		if err != nil {
			continue
		}
		cmdArgs := append([]string{"-e"}, args...)
		if term == "gnome-terminal" {
			cmdArgs = append([]string{"--"}, args...)
		}
		cmd := exec.Command(path, cmdArgs...)
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("start %s: %w", term, err)
		}
		go cmd.Wait()
		return nil
	}
	return fmt.Errorf("no terminal emulator found (tried %v)", Terminals)
}
