package sandbox

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var sandboxNamePattern = regexp.MustCompile(`^python_sandbox_[0-9a-f]{8}$`)

func newTestSandbox(t *testing.T, engine *fakeEngine, opts ...Option) *Sandbox {
	t.Helper()

	opts = append([]Option{WithTeardownPolicy(fastTeardown())}, opts...)
	s, err := New(context.Background(), engine, zaptest.NewLogger(t), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestNew(t *testing.T) {
	t.Run("BaseImageOnly", func(t *testing.T) {
		engine := newFakeEngine()
		s := newTestSandbox(t, engine)

		assert.Regexp(t, sandboxNamePattern, s.ID())
		assert.Equal(t, "container-1", s.ContainerID())
		assert.Empty(t, s.ImageID())
		assert.False(t, s.Closed())

		assert.Equal(t, []string{"ensure python:3.9-slim", "run python:3.9-slim"}, engine.recorded())
		assert.Equal(t, ContainerSpec{
			Name:        s.ID(),
			Image:       DefaultBaseImage,
			Cmd:         KeepAliveCmd,
			NetworkMode: "none",
			MemoryLimit: "100m",
			CPUPeriod:   100000,
			CPUQuota:    50000,
			Labels:      map[string]string{LabelManaged: "true", LabelSandbox: s.ID()},
		}, engine.lastRun)
	})

	t.Run("WithPackages", func(t *testing.T) {
		engine := newFakeEngine()
		s := newTestSandbox(t, engine, WithPackages("numpy", "pandas"))

		assert.Equal(t, engine.builtImageID, s.ImageID())
		assert.Equal(t, engine.builtImageID, engine.lastRun.Image)
		assert.Equal(t, s.ID(), engine.lastBuild.Tag)
		assert.Equal(t,
			"FROM python:3.9-slim\nRUN [\"pip\",\"install\",\"numpy\",\"pandas\"]\n",
			string(engine.lastBuild.Dockerfile))
		assert.NotContains(t, engine.recorded(), "ensure python:3.9-slim")
	})

	t.Run("CustomSettings", func(t *testing.T) {
		engine := newFakeEngine()
		s := newTestSandbox(t, engine,
			WithBaseImage("python:3.12-alpine"),
			WithNetworkMode("bridge"),
			WithMemoryLimit("256m"),
			WithCPU(200000, 100000),
			WithContainerPrefix("job"),
		)

		assert.Regexp(t, `^job_[0-9a-f]{8}$`, s.ID())
		assert.Equal(t, "python:3.12-alpine", engine.lastRun.Image)
		assert.Equal(t, "bridge", engine.lastRun.NetworkMode)
		assert.Equal(t, "256m", engine.lastRun.MemoryLimit)
		assert.Equal(t, int64(200000), engine.lastRun.CPUPeriod)
		assert.Equal(t, int64(100000), engine.lastRun.CPUQuota)
	})

	t.Run("UniqueNames", func(t *testing.T) {
		engine := newFakeEngine()
		a := newTestSandbox(t, engine)
		b := newTestSandbox(t, engine)
		assert.NotEqual(t, a.ID(), b.ID())
	})

	t.Run("BuildFailure", func(t *testing.T) {
		engine := newFakeEngine()
		engine.buildErr = errors.New("pip exploded")

		s, err := New(context.Background(), engine, zaptest.NewLogger(t),
			WithPackages("nonexistent-pkg"), WithTeardownPolicy(fastTeardown()))
		require.Error(t, err)
		assert.Nil(t, s)

		var provErr *ProvisioningError
		require.ErrorAs(t, err, &provErr)
		assert.Equal(t, "build image", provErr.Op)
		assert.ErrorContains(t, err, "pip exploded")
		assert.Equal(t, []string{"build " + engine.lastBuild.Tag}, engine.recorded())
	})

	t.Run("RunFailureRemovesImage", func(t *testing.T) {
		engine := newFakeEngine()
		engine.runErr = errors.New("no space left")

		_, err := New(context.Background(), engine, zaptest.NewLogger(t),
			WithPackages("numpy"), WithTeardownPolicy(fastTeardown()))

		var provErr *ProvisioningError
		require.ErrorAs(t, err, &provErr)
		assert.Equal(t, "start container", provErr.Op)
		assert.Contains(t, engine.recorded(), "rmi "+engine.builtImageID)
	})

	t.Run("PullFailure", func(t *testing.T) {
		engine := newFakeEngine()
		engine.ensureErr = errors.New("manifest unknown")

		_, err := New(context.Background(), engine, zaptest.NewLogger(t), WithBaseImage("python:0.0"))

		var provErr *ProvisioningError
		require.ErrorAs(t, err, &provErr)
		assert.Equal(t, "pull image", provErr.Op)
		assert.Equal(t, []string{"ensure python:0.0"}, engine.recorded())
	})

	t.Run("InvalidOptions", func(t *testing.T) {
		tests := []struct {
			name string
			opt  Option
		}{
			{"MemoryLimit", WithMemoryLimit("lots")},
			{"CPU", WithCPU(0, 50000)},
			{"Prefix", WithContainerPrefix("Bad Prefix")},
			{"Interpreter", WithInterpreter("")},
			{"BaseImage", WithBaseImage(" ")},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				engine := newFakeEngine()
				_, err := New(context.Background(), engine, zaptest.NewLogger(t), tt.opt)

				var provErr *ProvisioningError
				require.ErrorAs(t, err, &provErr)
				assert.Equal(t, "validate options", provErr.Op)
				assert.Empty(t, engine.recorded())
			})
		}
	})

	t.Run("NilEngine", func(t *testing.T) {
		_, err := New(context.Background(), nil, nil)
		require.Error(t, err)
	})
}

func TestSandboxFiles(t *testing.T) {
	t.Run("RoundTripNestedPath", func(t *testing.T) {
		engine := newFakeEngine()
		s := newTestSandbox(t, engine)
		ctx := context.Background()

		require.NoError(t, s.WriteFile(ctx, "a/b/c.txt", "hello"))
		assert.Contains(t, engine.recorded(), "exec mkdir -p a/b")
		assert.Equal(t, "/", engine.lastExec.WorkingDir)

		content, err := s.ReadFile(ctx, "a/b/c.txt")
		require.NoError(t, err)
		assert.Equal(t, "hello", content)
	})

	t.Run("TopLevelFileSkipsMkdir", func(t *testing.T) {
		engine := newFakeEngine()
		s := newTestSandbox(t, engine)

		require.NoError(t, s.WriteFile(context.Background(), "data.csv", "x,y\n1,2\n"))
		for _, call := range engine.recorded() {
			assert.NotContains(t, call, "mkdir")
		}
	})

	t.Run("OverwriteAndEmptyContent", func(t *testing.T) {
		engine := newFakeEngine()
		s := newTestSandbox(t, engine)
		ctx := context.Background()

		require.NoError(t, s.WriteFile(ctx, "/tmp/x.txt", "first"))
		require.NoError(t, s.WriteFile(ctx, "/tmp/x.txt", ""))

		content, err := s.ReadFile(ctx, "/tmp/x.txt")
		require.NoError(t, err)
		assert.Empty(t, content)
	})

	t.Run("ReadMissingFile", func(t *testing.T) {
		engine := newFakeEngine()
		s := newTestSandbox(t, engine)

		_, err := s.ReadFile(context.Background(), "missing.txt")

		var ftErr *FileTransferError
		require.ErrorAs(t, err, &ftErr)
		assert.Equal(t, "read file", ftErr.Op)
		assert.Equal(t, "missing.txt", ftErr.Path)
		assert.ErrorContains(t, err, "No such file or directory")
	})

	t.Run("CopyFailure", func(t *testing.T) {
		engine := newFakeEngine()
		engine.copyErr = errors.New("container is paused")
		s := newTestSandbox(t, engine)

		err := s.WriteFile(context.Background(), "x.txt", "data")

		var ftErr *FileTransferError
		require.ErrorAs(t, err, &ftErr)
		assert.ErrorContains(t, err, "container is paused")
	})

	t.Run("InvalidPath", func(t *testing.T) {
		engine := newFakeEngine()
		s := newTestSandbox(t, engine)

		assert.ErrorIs(t, s.WriteFile(context.Background(), "", "x"), ErrInvalidPath)
		assert.ErrorIs(t, s.WriteFile(context.Background(), "dir/", "x"), ErrInvalidPath)
		_, err := s.ReadFile(context.Background(), "")
		assert.ErrorIs(t, err, ErrInvalidPath)
	})
}

func TestSandboxExecute(t *testing.T) {
	t.Run("HelloWorld", func(t *testing.T) {
		engine := newFakeEngine()
		engine.execFn = func(context.Context, ExecCommand) (ExecOutput, error) {
			return ExecOutput{Stdout: []byte("Hello, World!\n")}, nil
		}
		s := newTestSandbox(t, engine)

		result, err := s.Execute(context.Background(), ExecuteRequest{Code: "print('Hello, World!')"})
		require.NoError(t, err)

		assert.True(t, result.OK())
		assert.Equal(t, "Hello, World!\n", result.String())
		assert.Equal(t, []string{"python", "-c", "print('Hello, World!')"}, engine.lastExec.Argv)
		assert.Empty(t, engine.lastExec.Env)
	})

	t.Run("DedentsCode", func(t *testing.T) {
		engine := newFakeEngine()
		s := newTestSandbox(t, engine)

		_, err := s.Execute(context.Background(), ExecuteRequest{Code: "\n    x = 1\n    print(x)\n"})
		require.NoError(t, err)
		assert.Equal(t, "\nx = 1\nprint(x)\n", engine.lastExec.Argv[2])
	})

	t.Run("CustomInterpreter", func(t *testing.T) {
		engine := newFakeEngine()
		s := newTestSandbox(t, engine, WithInterpreter("python3 -u"))

		_, err := s.Execute(context.Background(), ExecuteRequest{Code: "pass"})
		require.NoError(t, err)
		assert.Equal(t, []string{"python3", "-u", "-c", "pass"}, engine.lastExec.Argv)
	})

	t.Run("NonZeroExit", func(t *testing.T) {
		engine := newFakeEngine()
		engine.execFn = func(context.Context, ExecCommand) (ExecOutput, error) {
			return ExecOutput{Stderr: []byte("boom\n"), ExitCode: 1}, nil
		}
		s := newTestSandbox(t, engine)

		result, err := s.Execute(context.Background(), ExecuteRequest{
			Code: "import sys; sys.stderr.write('boom\\n'); sys.exit(1)",
		})
		require.NoError(t, err)

		assert.False(t, result.OK())
		assert.Equal(t, 1, result.ExitCode)
		assert.Equal(t, "Error (exit code 1): boom\n", result.String())

		var execErr *ExecutionError
		require.ErrorAs(t, result.Err(), &execErr)
		assert.Equal(t, "boom\n", execErr.Stderr)
	})

	t.Run("EnvIsPassedSorted", func(t *testing.T) {
		engine := newFakeEngine()
		s := newTestSandbox(t, engine)

		_, err := s.Execute(context.Background(), ExecuteRequest{
			Code: "import os; print(os.environ['B'])",
			Env:  map[string]string{"B": "two words; $(rm -rf /)", "A": "1"},
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"A=1", "B=two words; $(rm -rf /)"}, engine.lastExec.Env)
	})

	t.Run("InvalidEnv", func(t *testing.T) {
		engine := newFakeEngine()
		s := newTestSandbox(t, engine)
		before := len(engine.recorded())

		_, err := s.Execute(context.Background(), ExecuteRequest{
			Code: "pass",
			Env:  map[string]string{"1BAD": "x"},
		})
		require.ErrorIs(t, err, ErrInvalidEnv)
		assert.Len(t, engine.recorded(), before)
	})

	t.Run("Timeout", func(t *testing.T) {
		engine := newFakeEngine()
		engine.execFn = func(ctx context.Context, _ ExecCommand) (ExecOutput, error) {
			<-ctx.Done()
			return ExecOutput{Stdout: []byte("partial"), ExitCode: -1}, ctx.Err()
		}
		s := newTestSandbox(t, engine)

		result, err := s.Execute(context.Background(), ExecuteRequest{
			Code:    "while True: pass",
			Timeout: 50 * time.Millisecond,
		})
		require.ErrorIs(t, err, ErrExecutionTimeout)
		assert.True(t, result.TimedOut)
		assert.Equal(t, -1, result.ExitCode)
		assert.Equal(t, "partial", result.Stdout)
		assert.False(t, result.OK())
	})

	t.Run("DefaultTimeoutApplied", func(t *testing.T) {
		engine := newFakeEngine()
		var deadline time.Time
		var hasDeadline bool
		engine.execFn = func(ctx context.Context, _ ExecCommand) (ExecOutput, error) {
			deadline, hasDeadline = ctx.Deadline()
			return ExecOutput{}, nil
		}
		s := newTestSandbox(t, engine)

		_, err := s.Execute(context.Background(), ExecuteRequest{Code: "pass"})
		require.NoError(t, err)
		require.True(t, hasDeadline)
		assert.WithinDuration(t, time.Now().Add(DefaultExecTimeout), deadline, 2*time.Second)
	})

	t.Run("NoTimeout", func(t *testing.T) {
		engine := newFakeEngine()
		hasDeadline := true
		engine.execFn = func(ctx context.Context, _ ExecCommand) (ExecOutput, error) {
			_, hasDeadline = ctx.Deadline()
			return ExecOutput{}, nil
		}
		s := newTestSandbox(t, engine, WithExecTimeout(NoTimeout))

		_, err := s.Execute(context.Background(), ExecuteRequest{Code: "pass"})
		require.NoError(t, err)
		assert.False(t, hasDeadline)
	})

	t.Run("EngineFailure", func(t *testing.T) {
		engine := newFakeEngine()
		engine.execFn = func(context.Context, ExecCommand) (ExecOutput, error) {
			return ExecOutput{}, errors.New("connection reset")
		}
		s := newTestSandbox(t, engine)

		_, err := s.Execute(context.Background(), ExecuteRequest{Code: "pass"})
		require.Error(t, err)
		assert.NotErrorIs(t, err, ErrExecutionTimeout)
		assert.ErrorContains(t, err, "connection reset")
	})

	t.Run("CallerCancellationIsNotTimeout", func(t *testing.T) {
		engine := newFakeEngine()
		engine.execFn = func(ctx context.Context, _ ExecCommand) (ExecOutput, error) {
			<-ctx.Done()
			return ExecOutput{ExitCode: -1}, ctx.Err()
		}
		s := newTestSandbox(t, engine)

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		result, err := s.Execute(ctx, ExecuteRequest{Code: "pass"})
		require.ErrorIs(t, err, context.Canceled)
		assert.False(t, result.TimedOut)
	})
}

func TestSandboxTeardown(t *testing.T) {
	t.Run("ReleasesInOrder", func(t *testing.T) {
		engine := newFakeEngine()
		s := newTestSandbox(t, engine, WithPackages("numpy"))
		start := len(engine.recorded())

		report := s.Teardown(context.Background())
		require.NoError(t, report.Err())

		assert.Equal(t, []string{
			"stop container-1",
			"rm container-1",
			"rmi " + engine.builtImageID,
		}, engine.recorded()[start:])
		assert.Equal(t, "container-1", report.ContainerID)
		assert.Equal(t, engine.builtImageID, report.ImageID)
		assert.Equal(t, 1, report.ImageAttempts)
		assert.True(t, s.Closed())
		assert.Empty(t, s.ContainerID())
		assert.Empty(t, s.ImageID())
	})

	t.Run("BaseImageIsKept", func(t *testing.T) {
		engine := newFakeEngine()
		s := newTestSandbox(t, engine)

		report := s.Teardown(context.Background())
		require.NoError(t, report.Err())
		for _, call := range engine.recorded() {
			assert.NotContains(t, call, "rmi")
		}
	})

	t.Run("Idempotent", func(t *testing.T) {
		engine := newFakeEngine()
		s := newTestSandbox(t, engine, WithPackages("numpy"))

		s.Teardown(context.Background())
		calls := engine.recorded()

		report := s.Teardown(context.Background())
		assert.Equal(t, TeardownReport{}, report)
		assert.NoError(t, s.Close())
		assert.NoError(t, s.Close())
		assert.Equal(t, calls, engine.recorded())
	})

	t.Run("OperationsAfterClose", func(t *testing.T) {
		engine := newFakeEngine()
		s := newTestSandbox(t, engine)
		require.NoError(t, s.Close())

		_, err := s.Execute(context.Background(), ExecuteRequest{Code: "pass"})
		assert.ErrorIs(t, err, ErrClosed)
		assert.ErrorIs(t, s.WriteFile(context.Background(), "a.txt", "x"), ErrClosed)
		_, err = s.ReadFile(context.Background(), "a.txt")
		assert.ErrorIs(t, err, ErrClosed)
	})

	t.Run("StopFailureStillRemoves", func(t *testing.T) {
		engine := newFakeEngine()
		engine.stopErr = errors.New("stop timed out")
		s := newTestSandbox(t, engine, WithPackages("numpy"))

		report := s.Teardown(context.Background())
		require.Error(t, report.ContainerErr)
		assert.NoError(t, report.ImageErr)
		assert.Contains(t, engine.recorded(), "rm container-1")
		assert.Contains(t, engine.recorded(), "rmi "+engine.builtImageID)
	})

	t.Run("ImageRemovalRetries", func(t *testing.T) {
		engine := newFakeEngine()
		engine.removeImageErrs = []error{errors.New("image is in use"), errors.New("image is in use")}
		s := newTestSandbox(t, engine, WithPackages("numpy"))

		report := s.Teardown(context.Background())
		require.NoError(t, report.Err())
		assert.Equal(t, 3, report.ImageAttempts)
	})

	t.Run("ImageRemovalGivesUp", func(t *testing.T) {
		engine := newFakeEngine()
		engine.removeImageErr = errors.New("image is in use")
		s := newTestSandbox(t, engine, WithPackages("numpy"))

		report := s.Teardown(context.Background())
		assert.Equal(t, 3, report.ImageAttempts)
		require.Error(t, report.ImageErr)
		assert.ErrorContains(t, report.Err(), "image is in use")
		assert.NoError(t, s.Close())
	})

	t.Run("SettleDelayHonorsContext", func(t *testing.T) {
		engine := newFakeEngine()
		policy := fastTeardown()
		policy.SettleDelay = time.Hour
		s := newTestSandbox(t, engine, WithPackages("numpy"), WithTeardownPolicy(policy))

		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()

		report := s.Teardown(ctx)
		require.NoError(t, report.ImageErr)
		assert.Equal(t, 1, report.ImageAttempts)
		assert.Contains(t, engine.recorded(), "rmi "+engine.builtImageID)
	})

	t.Run("SettleDelayInterruptedRemovesOnce", func(t *testing.T) {
		engine := newFakeEngine()
		engine.removeImageErr = errors.New("image is in use")
		policy := fastTeardown()
		policy.SettleDelay = time.Hour
		s := newTestSandbox(t, engine, WithPackages("numpy"), WithTeardownPolicy(policy))

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		report := s.Teardown(ctx)
		assert.Equal(t, 1, report.ImageAttempts)
		assert.ErrorContains(t, report.ImageErr, "image is in use")
	})

	t.Run("NilSandboxClose", func(t *testing.T) {
		var s *Sandbox
		assert.NoError(t, s.Close())
	})
}

func TestWith(t *testing.T) {
	t.Run("TearsDownAfterSuccess", func(t *testing.T) {
		engine := newFakeEngine()
		var seen *Sandbox

		err := With(context.Background(), engine, zaptest.NewLogger(t), func(s *Sandbox) error {
			seen = s
			return s.WriteFile(context.Background(), "x.txt", "1")
		}, WithTeardownPolicy(fastTeardown()))
		require.NoError(t, err)
		assert.True(t, seen.Closed())
	})

	t.Run("TearsDownAfterFailure", func(t *testing.T) {
		engine := newFakeEngine()
		wantErr := errors.New("analysis failed")

		err := With(context.Background(), engine, zaptest.NewLogger(t), func(*Sandbox) error {
			return wantErr
		}, WithPackages("numpy"), WithTeardownPolicy(fastTeardown()))
		require.ErrorIs(t, err, wantErr)
		assert.Contains(t, engine.recorded(), "rm container-1")
		assert.Contains(t, engine.recorded(), "rmi "+engine.builtImageID)
	})
}
