//go:build windows

package main

import (
	"os/exec"
	"syscall"
)

const (
	createNoWindow    = 0x08000000
	stillActive       = 259
	processQueryLimit = 0x1000
)

func detach(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{
		CreationFlags: syscall.CREATE_NEW_PROCESS_GROUP | createNoWindow,
	}
}

func processAlive(pid int) bool {
	h, err := syscall.OpenProcess(processQueryLimit, false, uint32(pid))
	if err != nil {
		return false
	}
	defer func() { _ = syscall.CloseHandle(h) }()
	var code uint32
	if err := syscall.GetExitCodeProcess(h, &code); err != nil {
		return false
	}
	return code == stillActive
}
