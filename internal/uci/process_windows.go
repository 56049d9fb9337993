//go:build windows

package uci

import "syscall"

// sysProcAttr puts the engine in its own process group so console
// signals aimed at the client never reach it.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP}
}
