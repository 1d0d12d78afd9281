// Copyright 2026 The OTA Client authors. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package device restarts the device once a new firmware image has been
// installed, or rejected.
package device

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"k8s.io/klog/v2"
)

// Restart modes accepted by New.
const (
	ModeSyscall = "syscall"
	ModeCommand = "command"
	ModeExit    = "exit"
)

// Restarter restarts the device.
type Restarter interface {
	Restart() error
}

// New returns the Restarter for mode. command is only used by ModeCommand.
func New(mode string, command []string) (Restarter, error) {
	switch mode {
	case ModeSyscall:
		return Syscall{}, nil
	case ModeCommand:
		if len(command) == 0 {
			return nil, errors.New("restart command not set")
		}
		return Command{Path: command[0], Args: command[1:]}, nil
	case ModeExit, "":
		return Exit{}, nil
	}
	return nil, fmt.Errorf("unknown restart mode %q", mode)
}

// Command restarts by running an external command, such as reboot(8).
type Command struct {
	Path string
	Args []string
}

func (c Command) Restart() error {
	klog.Infof("Restarting: %s %s", c.Path, strings.Join(c.Args, " "))
	out, err := exec.Command(c.Path, c.Args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("%s failed: %v: %s", c.Path, err, out)
	}
	return nil
}

// Exit restarts by exiting the process, leaving it to a supervisor to start
// it again. It is used where the agent runs against a simulated device.
type Exit struct {
	// Code is the exit status.
	Code int

	exit func(int)
}

func (e Exit) Restart() error {
	klog.Infof("Exiting with status %d to restart", e.Code)
	klog.Flush()
	exit := e.exit
	if exit == nil {
		exit = os.Exit
	}
	exit(e.Code)
	return nil
}
