package llmproc

import (
	"os"
	"syscall"
)

// terminateSignal returns the signal used to ask a subprocess to exit
// cleanly before Kill escalates to an unconditional kill.
func terminateSignal() os.Signal {
	return syscall.SIGTERM
}
