// Copyright Pigeonworks LLC
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

package procinspect

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"os/signal"
	"runtime"
	"syscall"
	"testing"
	"time"

	gnet "github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestHelperProcess is not a real test; it is re-executed as a child process.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	if os.Getenv("HELPER_IGNORE_TERM") == "1" {
		signal.Ignore(syscall.SIGTERM)
	}
	fmt.Println("ready")
	time.Sleep(time.Minute)
	os.Exit(0)
}

func startHelper(t *testing.T, env ...string) *exec.Cmd {
	t.Helper()

	cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcess")
	cmd.Env = append(os.Environ(), append([]string{"GO_WANT_HELPER_PROCESS=1"}, env...)...)
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())

	// Wait until the helper has installed its signal handling
	buf := make([]byte, 16)
	_, err = stdout.Read(buf)
	require.NoError(t, err)

	go func() { _ = cmd.Wait() }()
	t.Cleanup(func() { _ = cmd.Process.Kill() })
	return cmd
}

func TestListenersOn(t *testing.T) {
	conns := []gnet.ConnectionStat{
		{Status: "LISTEN", Laddr: gnet.Addr{IP: "0.0.0.0", Port: 8080}, Pid: 303},
		{Status: "LISTEN", Laddr: gnet.Addr{IP: "::", Port: 8080}, Pid: 101},
		{Status: "LISTEN", Laddr: gnet.Addr{IP: "127.0.0.1", Port: 8080}, Pid: 101},
		{Status: "ESTABLISHED", Laddr: gnet.Addr{IP: "127.0.0.1", Port: 8080}, Pid: 202},
		{Status: "LISTEN", Laddr: gnet.Addr{IP: "0.0.0.0", Port: 80}, Pid: 404},
		{Status: "LISTEN", Laddr: gnet.Addr{IP: "0.0.0.0", Port: 8080}, Pid: 0},
	}

	assert.Equal(t, []int{101, 303}, listenersOn(conns, 8080))
	assert.Equal(t, []int{404}, listenersOn(conns, 80))
	assert.Empty(t, listenersOn(conns, 9999))
}

func TestSystem_ListeningPIDs(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer listener.Close()

	port := listener.Addr().(*net.TCPAddr).Port
	pids, err := New().ListeningPIDs(context.Background(), port)
	require.NoError(t, err)
	assert.Contains(t, pids, os.Getpid())

	require.NoError(t, listener.Close())
	pids, err = New().ListeningPIDs(context.Background(), port)
	require.NoError(t, err)
	assert.NotContains(t, pids, os.Getpid())
}

func TestSystem_Alive(t *testing.T) {
	insp := New()

	t.Run("own process", func(t *testing.T) {
		assert.True(t, insp.Alive(os.Getpid()))
	})

	t.Run("invalid pids", func(t *testing.T) {
		assert.False(t, insp.Alive(0))
		assert.False(t, insp.Alive(-1))
		assert.False(t, insp.Alive(4194303))
	})

	t.Run("zombies are not alive", func(t *testing.T) {
		if runtime.GOOS != "linux" {
			t.Skip("zombie status is reported on linux")
		}

		cmd := exec.Command(os.Args[0], "-test.run=TestHelperProcess")
		cmd.Env = append(os.Environ(), "GO_WANT_HELPER_PROCESS=1")
		require.NoError(t, cmd.Start())
		require.NoError(t, cmd.Process.Kill())

		// Not reaped yet, so the process lingers as a zombie.
		assert.Eventually(t, func() bool {
			return !insp.Alive(cmd.Process.Pid)
		}, 2*time.Second, 20*time.Millisecond)
		_ = cmd.Wait()
	})
}

func TestTerminate(t *testing.T) {
	insp := New()

	t.Run("graceful signal is enough", func(t *testing.T) {
		cmd := startHelper(t)

		forced, err := Terminate(context.Background(), insp, cmd.Process.Pid, 2*time.Second)
		require.NoError(t, err)
		assert.False(t, forced)
		assert.False(t, insp.Alive(cmd.Process.Pid))
	})

	t.Run("escalates to kill", func(t *testing.T) {
		cmd := startHelper(t, "HELPER_IGNORE_TERM=1")

		forced, err := Terminate(context.Background(), insp, cmd.Process.Pid, 200*time.Millisecond)
		require.NoError(t, err)
		assert.True(t, forced)
		assert.False(t, insp.Alive(cmd.Process.Pid))
	})

	t.Run("refuses own pid", func(t *testing.T) {
		_, err := Terminate(context.Background(), insp, os.Getpid(), time.Millisecond)
		assert.Error(t, err)
	})
}

func TestProcessName(t *testing.T) {
	assert.NotEmpty(t, ProcessName(os.Getpid()))
	assert.Empty(t, ProcessName(4194303))
}
