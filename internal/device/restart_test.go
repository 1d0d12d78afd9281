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

package device

import (
	"fmt"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestNew(t *testing.T) {
	for _, test := range []struct {
		mode    string
		command []string
		want    Restarter
		wantErr bool
	}{
		{mode: ModeSyscall, want: Syscall{}},
		{mode: ModeExit, want: Exit{}},
		{mode: "", want: Exit{}},
		{mode: ModeCommand, command: []string{"/sbin/reboot", "-f"}, want: Command{Path: "/sbin/reboot", Args: []string{"-f"}}},
		{mode: ModeCommand, wantErr: true},
		{mode: "kexec", wantErr: true},
	} {
		t.Run(test.mode, func(t *testing.T) {
			got, err := New(test.mode, test.command)
			if gotErr := err != nil; gotErr != test.wantErr {
				t.Fatalf("New() = %v, want err %t", err, test.wantErr)
			}
			if test.wantErr {
				return
			}
			if g, w := fmt.Sprintf("%T", got), fmt.Sprintf("%T", test.want); g != w {
				t.Fatalf("New() returned %s, want %s", g, w)
			}
			if c, ok := got.(Command); ok {
				if diff := cmp.Diff(test.want, c); diff != "" {
					t.Fatalf("Got diff: %s", diff)
				}
			}
		})
	}
}

func TestCommand(t *testing.T) {
	if err := (Command{Path: "true"}).Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if err := (Command{Path: "false"}).Restart(); err == nil {
		t.Fatal("Restart succeeded for failing command")
	}
}

func TestExit(t *testing.T) {
	var code int
	e := Exit{Code: 3, exit: func(c int) { code = c }}
	if err := e.Restart(); err != nil {
		t.Fatalf("Restart: %v", err)
	}
	if code != 3 {
		t.Fatalf("exit status %d, want 3", code)
	}
}
