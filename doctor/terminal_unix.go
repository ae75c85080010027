//go:build !windows

package doctor

import (
	"os/exec"
)

// resetTerminal undoes raw mode left behind by an interrupted device picker.
func resetTerminal() {
	exec.Command("stty", "sane").Run()
}
