//go:build !windows

package lifecycle

import (
	"os"
	"syscall"
)

// SIGHUP usually means the MCP client that spawned us has gone.
func TerminationSignals() []os.Signal {
	return []os.Signal{os.Interrupt, syscall.SIGTERM, syscall.SIGHUP}
}
