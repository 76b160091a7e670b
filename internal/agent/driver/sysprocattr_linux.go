//go:build linux

package driver

import "syscall"

// sysProcAttr puts the agent in its own process group and asks the kernel to
// SIGTERM it if the gateway dies without cleanup.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid:   true,
		Pdeathsig: syscall.SIGTERM,
	}
}
