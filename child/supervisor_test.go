package child

import (
	"bytes"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func newTestSupervisor(t *testing.T, opts ...Option) *Supervisor {
	opts = append([]Option{WithLogger(zaptest.NewLogger(t).Sugar())}, opts...)
	s := NewSupervisor(opts...)
	t.Cleanup(func() {
		require.NoError(t, s.Close())
	})
	return s
}

// drive runs the same steps the relay loop does until the child is reported, returning its output
// and exit status.
func drive(t *testing.T, s *Supervisor, timeout time.Duration) (string, int) {
	var out bytes.Buffer
	deadline := time.After(timeout)
	for {
		select {
		case <-s.Ready():
		case <-deadline:
			t.Fatalf("child not reported within %s, output so far %q", timeout, out.String())
		}
		out.Write(s.ReadOutput(64))
		if status, ok := s.PollExit(); ok {
			return out.String(), status
		}
	}
}

func TestRunCommands(t *testing.T) {
	cases := []struct {
		name      string
		cmd       string
		args      string
		expOutput string
		expStatus int
	}{
		{
			name:      "echo",
			cmd:       "echo",
			args:      "hello",
			expOutput: "hello\n",
		},
		{
			name:      "no args",
			cmd:       "true",
			expOutput: "",
		},
		{
			name:      "quoted args",
			cmd:       "sh",
			args:      `-c 'printf "%s|%s" "a b" c'`,
			expOutput: "a b|c",
		},
		{
			name:      "stderr is merged",
			cmd:       "sh",
			args:      `-c 'printf out; printf err 1>&2'`,
			expOutput: "outerr",
		},
		{
			name:      "exit status",
			cmd:       "sh",
			args:      `-c 'exit 3'`,
			expStatus: 3,
		},
		{
			name:      "binary output",
			cmd:       "printf",
			args:      `'a\000b\377'`,
			expOutput: "a\x00b\xff",
		},
		{
			name:      "output larger than a read",
			cmd:       "sh",
			args:      `-c 'head -c 10000 /dev/zero | tr "\000" x'`,
			expOutput: strings.Repeat("x", 10000),
		},
		{
			name:      "multibyte output larger than a read",
			cmd:       "printf",
			args:      "'" + strings.Repeat("世界é", 300) + "'",
			expOutput: strings.Repeat("世界é", 300),
		},
		{
			name:      "truncated sequence at end of output",
			cmd:       "printf",
			args:      `'ok\344\270'`,
			expOutput: "ok\xe4\xb8",
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := newTestSupervisor(t, WithReadChunk(func() int { return 100 }))

			pid, err := s.Start(c.cmd, c.args)
			require.NoError(t, err)
			assert.NotZero(t, pid)
			assert.True(t, s.Running())

			out, status := drive(t, s, 10*time.Second)
			assert.Equal(t, c.expOutput, out)
			assert.Equal(t, c.expStatus, status)
			assert.False(t, s.Running())
		})
	}
}

func TestReadOutputKeepsSequencesWhole(t *testing.T) {
	text := strings.Repeat("世界é€🚀", 400)
	s := newTestSupervisor(t, WithReadChunk(func() int { return 101 }))
	_, err := s.Start("printf", "'"+text+"'")
	require.NoError(t, err)

	var out bytes.Buffer
	deadline := time.After(10 * time.Second)
	for {
		select {
		case <-s.Ready():
		case <-deadline:
			t.Fatalf("child not reported, output so far %d bytes", out.Len())
		}
		b := s.ReadOutput(50)
		assert.True(t, utf8.Valid(b), "read split a sequence: %q", b)
		out.Write(b)
		if _, ok := s.PollExit(); ok {
			break
		}
	}
	assert.Equal(t, text, out.String())
}

func TestIncompleteTail(t *testing.T) {
	cases := []struct {
		name string
		b    string
		exp  int
	}{
		{name: "empty", b: "", exp: 0},
		{name: "ascii", b: "abc", exp: 0},
		{name: "complete rune", b: "a世", exp: 0},
		{name: "one byte of three", b: "a\xe4", exp: 1},
		{name: "two bytes of three", b: "a\xe4\xb8", exp: 2},
		{name: "three bytes of four", b: "\xf0\x9f\x9a", exp: 3},
		{name: "invalid byte", b: "a\xff", exp: 0},
		{name: "lead followed by ascii", b: "\xe4a", exp: 0},
		{name: "stray continuation bytes", b: "\x80\x80\x80", exp: 0},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			assert.Equal(t, c.exp, incompleteTail([]byte(c.b)))
		})
	}
}

func TestExitReportedOnce(t *testing.T) {
	s := newTestSupervisor(t)
	_, err := s.Start("true", "")
	require.NoError(t, err)

	_, status := drive(t, s, 10*time.Second)
	assert.Equal(t, 0, status)

	_, ok := s.PollExit()
	assert.False(t, ok)
	assert.Nil(t, s.ReadOutput(10))
}

func TestStartWhileRunning(t *testing.T) {
	s := newTestSupervisor(t)
	_, err := s.Start("sleep", "10")
	require.NoError(t, err)
	pid := s.PID()

	_, err = s.Start("echo", "hi")
	require.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Equal(t, pid, s.PID())
}

func TestSpawnError(t *testing.T) {
	s := newTestSupervisor(t)

	_, err := s.Start("/nonexistent/command", "")
	var spawnErr *SpawnError
	require.ErrorAs(t, err, &spawnErr)
	assert.Equal(t, "/nonexistent/command", spawnErr.Command)
	assert.False(t, s.Running())

	_, err = s.Start("echo", `"unterminated`)
	require.ErrorAs(t, err, &spawnErr)
	assert.False(t, s.Running())
}

func TestStdinPassthrough(t *testing.T) {
	s := newTestSupervisor(t)
	_, err := s.Start("sh", `-c 'head -c 13'`)
	require.NoError(t, err)

	require.NoError(t, s.Write([]byte("hello ")))
	require.NoError(t, s.Write([]byte("\x00\xffworld")))

	out, status := drive(t, s, 10*time.Second)
	assert.Equal(t, "hello \x00\xffworld", out)
	assert.Equal(t, 0, status)
}

func TestWriteWithoutChild(t *testing.T) {
	s := newTestSupervisor(t)
	require.ErrorIs(t, s.Write([]byte("x")), ErrNotRunning)
	assert.Nil(t, s.ReadOutput(10))
}

func TestStdinQueueLimit(t *testing.T) {
	s := newTestSupervisor(t, WithStdinLimit(func() int { return 0 }))
	_, err := s.Start("sleep", "10")
	require.NoError(t, err)

	require.Error(t, s.Write([]byte("x")))
}

func TestTerminate(t *testing.T) {
	cases := []struct {
		name      string
		force     bool
		args      string
		expStatus int
	}{
		{
			name:      "force",
			force:     true,
			args:      "-c 'sleep 10'",
			expStatus: 137,
		},
		{
			name:      "graceful",
			args:      "-c 'sleep 10'",
			expStatus: 143,
		},
		{
			name:      "graceful handled by child",
			args:      `-c 'trap "exit 7" TERM; while true; do sleep 0.1; done'`,
			expStatus: 7,
		},
		{
			name:      "graceful ignored falls back to kill",
			args:      `-c 'trap "" TERM; while true; do sleep 0.1; done'`,
			expStatus: 137,
		},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			s := newTestSupervisor(t, WithKillGrace(500*time.Millisecond))
			_, err := s.Start("sh", c.args)
			require.NoError(t, err)

			// let the shell install its traps
			time.Sleep(200 * time.Millisecond)

			start := time.Now()
			require.NoError(t, s.Terminate(c.force))
			assert.Less(t, time.Since(start), 100*time.Millisecond)

			_, status := drive(t, s, 10*time.Second)
			assert.Equal(t, c.expStatus, status)
		})
	}
}

func TestTerminateWithoutChild(t *testing.T) {
	s := newTestSupervisor(t)
	require.NoError(t, s.Terminate(true))
	require.NoError(t, s.Terminate(false))
	_, ok := s.PollExit()
	assert.False(t, ok)
}

func TestDrainTimeoutWithLingeringDescendant(t *testing.T) {
	s := newTestSupervisor(t, WithDrainTimeout(200*time.Millisecond))

	// the background sleep inherits the output pipe and outlives the shell
	_, err := s.Start("sh", `-c 'sleep 5 & echo done'`)
	require.NoError(t, err)

	out, status := drive(t, s, 3*time.Second)
	assert.Equal(t, "done\n", out)
	assert.Equal(t, 0, status)
}

func TestClose(t *testing.T) {
	s := NewSupervisor(WithLogger(zaptest.NewLogger(t).Sugar()), WithKillGrace(200*time.Millisecond))
	_, err := s.Start("sleep", "10")
	require.NoError(t, err)

	require.NoError(t, s.Close())
	assert.False(t, s.Running())
	require.NoError(t, s.Close())
}
