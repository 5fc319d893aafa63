package sandbox

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"strings"
	"sync"
	"time"
)

type commandResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

// MockCommandRunner implements CommandRunner for testing
type MockCommandRunner struct {
	mu             sync.Mutex
	commandResults map[string]commandResult
	defaultResult  commandResult
	calls          [][]string
	stdin          map[string][]byte
}

func (m *MockCommandRunner) RunCommand(_ context.Context, stdin io.Reader, args []string) (stdout, stderr string, exitCode int, err error) {
	cmdKey := strings.Join(args, " ")

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, append([]string(nil), args...))
	if stdin != nil {
		data, readErr := io.ReadAll(stdin)
		if readErr != nil {
			return "", "", 0, readErr
		}
		if m.stdin == nil {
			m.stdin = make(map[string][]byte)
		}
		m.stdin[cmdKey] = data
	}

	if result, exists := m.commandResults[cmdKey]; exists {
		return result.stdout, result.stderr, result.exitCode, result.err
	}

	return m.defaultResult.stdout, m.defaultResult.stderr, m.defaultResult.exitCode, m.defaultResult.err
}

func (m *MockCommandRunner) commands() []string {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]string, 0, len(m.calls))
	for _, call := range m.calls {
		out = append(out, strings.Join(call, " "))
	}
	return out
}

// MockFileSystem implements FileSystem for testing
type MockFileSystem struct {
	tempDir         string
	mkdirTempErr    error
	writeFileErrors map[string]error
	writeFileData   map[string][]byte
	removed         []string
}

func (m *MockFileSystem) MkdirTemp(_, _ string) (string, error) {
	if m.mkdirTempErr != nil {
		return "", m.mkdirTempErr
	}
	if m.tempDir != "" {
		return m.tempDir, nil
	}
	return "/tmp/test", nil
}

func (m *MockFileSystem) WriteFile(filename string, data []byte, _ os.FileMode) error {
	if err, exists := m.writeFileErrors[filename]; exists {
		return err
	}
	if m.writeFileData == nil {
		m.writeFileData = make(map[string][]byte)
	}
	m.writeFileData[filename] = data
	return nil
}

func (m *MockFileSystem) RemoveAll(path string) error {
	m.removed = append(m.removed, path)
	return nil
}

// fakeEngine implements Engine in memory. Files copied into the container are
// kept in a map so write/read round trips can be checked, and interpreter
// execs are answered by execFn.
type fakeEngine struct {
	mu    sync.Mutex
	calls []string
	files map[string]string

	ensureErr          error
	buildErr           error
	runErr             error
	copyErr            error
	stopErr            error
	removeContainerErr error
	removeImageErr     error
	// removeImageErrs is consumed one per attempt before removeImageErr applies
	removeImageErrs []error

	builtImageID string
	execFn       func(ctx context.Context, cmd ExecCommand) (ExecOutput, error)

	lastBuild  BuildSpec
	lastRun    ContainerSpec
	lastExec   ExecCommand
	containers int
	imageCalls int
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		files:        make(map[string]string),
		builtImageID: "sha256:0123456789abcdef0123",
	}
}

func (f *fakeEngine) record(format string, args ...any) {
	f.calls = append(f.calls, fmt.Sprintf(format, args...))
}

func (f *fakeEngine) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeEngine) Ping(context.Context) error {
	return nil
}

func (f *fakeEngine) EnsureImage(_ context.Context, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("ensure %s", ref)
	return f.ensureErr
}

func (f *fakeEngine) BuildImage(_ context.Context, spec BuildSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("build %s", spec.Tag)
	f.lastBuild = spec
	if f.buildErr != nil {
		return "", f.buildErr
	}
	return f.builtImageID, nil
}

func (f *fakeEngine) RunContainer(_ context.Context, spec ContainerSpec) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("run %s", spec.Image)
	f.lastRun = spec
	if f.runErr != nil {
		return "", f.runErr
	}
	f.containers++
	return fmt.Sprintf("container-%d", f.containers), nil
}

func (f *fakeEngine) Exec(ctx context.Context, _ string, cmd ExecCommand) (ExecOutput, error) {
	f.mu.Lock()
	f.lastExec = cmd
	f.record("exec %s", strings.Join(cmd.Argv, " "))

	switch cmd.Argv[0] {
	case "mkdir":
		f.mu.Unlock()
		return ExecOutput{}, nil
	case "test":
		_, ok := f.files[resolve(cmd.Argv[len(cmd.Argv)-1])]
		f.mu.Unlock()
		if !ok {
			return ExecOutput{ExitCode: 1}, nil
		}
		return ExecOutput{}, nil
	case "cat":
		name := cmd.Argv[1]
		content, ok := f.files[resolve(name)]
		f.mu.Unlock()
		if !ok {
			return ExecOutput{
				Stderr:   []byte("cat: " + name + ": No such file or directory\n"),
				ExitCode: 1,
			}, nil
		}
		return ExecOutput{Stdout: []byte(content)}, nil
	}

	execFn := f.execFn
	f.mu.Unlock()

	if execFn == nil {
		return ExecOutput{}, nil
	}
	return execFn(ctx, cmd)
}

func (f *fakeEngine) CopyTo(_ context.Context, _ string, dstPath string, archive io.Reader) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("copy %s", dstPath)
	if f.copyErr != nil {
		return f.copyErr
	}

	tr := tar.NewReader(archive)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		data, err := io.ReadAll(tr)
		if err != nil {
			return err
		}
		f.files[path.Join(dstPath, hdr.Name)] = string(data)
	}
}

func (f *fakeEngine) StopContainer(_ context.Context, containerID string, _ time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop %s", containerID)
	return f.stopErr
}

func (f *fakeEngine) RemoveContainer(_ context.Context, containerID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("rm %s", containerID)
	return f.removeContainerErr
}

func (f *fakeEngine) RemoveImage(_ context.Context, imageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("rmi %s", imageID)
	f.imageCalls++
	if f.imageCalls <= len(f.removeImageErrs) {
		return f.removeImageErrs[f.imageCalls-1]
	}
	return f.removeImageErr
}

func (f *fakeEngine) Close() error {
	return nil
}

func resolve(name string) string {
	return path.Join("/", name)
}

// fastTeardown keeps retries and settle delays out of test run time
func fastTeardown() TeardownPolicy {
	return TeardownPolicy{
		StopTimeout: time.Second,
		SettleDelay: 0,
		ImageRemove: RetryPolicy{
			Attempts:   3,
			Delay:      time.Millisecond,
			Multiplier: 1,
			MaxDelay:   time.Millisecond,
		},
		CloseTimeout: 5 * time.Second,
	}
}
