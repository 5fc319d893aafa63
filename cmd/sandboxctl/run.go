package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/isdmx/codesandbox/sandbox"
)

// timeoutExitCode matches the status coreutils timeout(1) uses
const timeoutExitCode = 124

type runOptions struct {
	code     string
	packages []string
	env      []string
	memory   string
	network  string
	image    string
	timeout  time.Duration
}

func newRunCmd(root *rootOptions) *cobra.Command {
	opts := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Run a Python file or snippet in a fresh sandbox",
		Long: `Run provisions a sandbox, executes the code and tears the sandbox down.
The code comes from -c, from the given file, or from stdin when the file is "-".
The exit status mirrors the snippet's exit code.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd, root, opts, args)
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&opts.code, "code", "c", "", "code to run")
	flags.StringArrayVarP(&opts.packages, "package", "p", nil, "package to install (repeatable)")
	flags.StringArrayVarP(&opts.env, "env", "e", nil, "environment variable KEY=VALUE (repeatable)")
	flags.StringVar(&opts.memory, "memory", "", "memory limit, e.g. 256m")
	flags.StringVar(&opts.network, "network", "", "network mode, e.g. bridge")
	flags.StringVar(&opts.image, "image", "", "base image")
	flags.DurationVar(&opts.timeout, "timeout", 0, "execution timeout (default from config)")

	return cmd
}

func runRun(cmd *cobra.Command, root *rootOptions, opts *runOptions, args []string) error {
	code, err := readCode(cmd.InOrStdin(), opts.code, args)
	if err != nil {
		return err
	}
	env, err := parseEnv(opts.env)
	if err != nil {
		return err
	}

	e, err := root.setup()
	if err != nil {
		return err
	}
	defer e.close()

	manager := sandbox.NewManager(e.logger, e.engine, sandbox.OptionsFromConfig(e.cfg)...)
	result, err := manager.Run(cmd.Context(), sandbox.ExecuteRequest{
		Code:    code,
		Env:     env,
		Timeout: opts.timeout,
	}, opts.sandboxOptions()...)

	fmt.Fprint(cmd.OutOrStdout(), result.Stdout)
	fmt.Fprint(cmd.ErrOrStderr(), result.Stderr)

	switch {
	case errors.Is(err, sandbox.ErrExecutionTimeout):
		fmt.Fprintln(cmd.ErrOrStderr(), err)
		return &exitCodeError{code: timeoutExitCode}
	case err != nil:
		return err
	case !result.OK():
		return &exitCodeError{code: result.ExitCode}
	}
	return nil
}

func (o *runOptions) sandboxOptions() []sandbox.Option {
	var opts []sandbox.Option
	if len(o.packages) > 0 {
		opts = append(opts, sandbox.WithPackages(o.packages...))
	}
	if o.memory != "" {
		opts = append(opts, sandbox.WithMemoryLimit(o.memory))
	}
	if o.network != "" {
		opts = append(opts, sandbox.WithNetworkMode(o.network))
	}
	if o.image != "" {
		opts = append(opts, sandbox.WithBaseImage(o.image))
	}
	return opts
}

func readCode(stdin io.Reader, inline string, args []string) (string, error) {
	switch {
	case inline != "" && len(args) > 0:
		return "", errors.New("use either -c or a file, not both")
	case inline != "":
		return inline, nil
	case len(args) == 0:
		return "", errors.New("no code given: pass -c or a file")
	case args[0] == "-":
		data, err := io.ReadAll(stdin)
		if err != nil {
			return "", fmt.Errorf("failed to read stdin: %w", err)
		}
		return string(data), nil
	default:
		data, err := os.ReadFile(args[0])
		if err != nil {
			return "", fmt.Errorf("failed to read %s: %w", args[0], err)
		}
		return string(data), nil
	}
}

func parseEnv(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	env := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		name, value, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid --env %q: want KEY=VALUE", pair)
		}
		env[name] = value
	}
	return env, nil
}
