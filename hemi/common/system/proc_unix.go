// Copyright (c) 2020-2025 Zhang Jingcheng <diogin@gmail.com>.
// Copyright (c) 2022-2024 HexInfra Co., Ltd.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

//go:build unix

// Process for Unix-like systems.

package system

import (
	"syscall"

	"golang.org/x/sys/unix"
)

// ChildSysAttr returns attributes for a child process which runs in its own process group,
// so that KillGroup reaches its descendants too.
func ChildSysAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{
		Setpgid: true,
	}
}

// KillGroup kills the process group led by pid.
func KillGroup(pid int) error {
	if pid <= 0 {
		return unix.EINVAL
	}
	err := unix.Kill(-pid, unix.SIGKILL)
	if err == unix.ESRCH { // already gone
		return nil
	}
	return err
}
