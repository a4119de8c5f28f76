//go:build !unix

package executor

import "os/exec"

// isolate keeps the default cancellation, which kills only the runner.
func isolate(*exec.Cmd) {}
