//go:build unix

package uci

import "syscall"

// sysProcAttr puts the engine in its own process group so terminal
// signals aimed at the client never reach it.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setpgid: true}
}
