//go:build !windows

package process

import (
	"bytes"
	"os"
	"runtime"
	"strconv"
)

// isZombie reports whether /proc says pid has exited but is not yet reaped (Linux only).
func isZombie(pid int) bool {
	if runtime.GOOS != "linux" {
		return false
	}
	b, err := os.ReadFile("/proc/" + strconv.Itoa(pid) + "/status")
	if err != nil {
		return false
	}
	return bytes.Contains(b, []byte("State:\tZ"))
}
