package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/isdmx/codesandbox/sandbox"
)

func newWriteReadCmd(root *rootOptions) *cobra.Command {
	var path, content string

	cmd := &cobra.Command{
		Use:   "write-read",
		Short: "Write a file into a sandbox and read it back",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := root.setup()
			if err != nil {
				return err
			}
			defer e.close()

			return sandbox.With(cmd.Context(), e.engine, e.logger, func(s *sandbox.Sandbox) error {
				if err := s.WriteFile(cmd.Context(), path, content); err != nil {
					return err
				}
				got, err := s.ReadFile(cmd.Context(), path)
				if err != nil {
					return err
				}
				if got != content {
					return fmt.Errorf("read back %q, wrote %q", got, content)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "ok: %s round-tripped %d bytes in %s\n", path, len(content), s.ID())
				return nil
			}, sandbox.OptionsFromConfig(e.cfg)...)
		},
	}

	cmd.Flags().StringVar(&path, "path", "a/b/c.txt", "path inside the container")
	cmd.Flags().StringVar(&content, "content", "hello", "file content")

	return cmd
}
