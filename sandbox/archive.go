package sandbox

import (
	"archive/tar"
	"bytes"
	"fmt"
	"strings"
	"time"
)

// BuildContextDockerfile is the Dockerfile entry name inside a build context.
const BuildContextDockerfile = "Dockerfile"

// CreateFileArchive packs content as a single-entry tar whose entry name is
// exactly name. The engine extracts it relative to the copy destination.
func CreateFileArchive(name string, content []byte) ([]byte, error) {
	if err := validateEntryName(name); err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	tarWriter := tar.NewWriter(&buf)

	header := &tar.Header{
		Name:     name,
		Typeflag: tar.TypeReg,
		Mode:     EntryPermission,
		Size:     int64(len(content)),
		ModTime:  time.Now(),
	}
	if err := tarWriter.WriteHeader(header); err != nil {
		return nil, fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tarWriter.Write(content); err != nil {
		return nil, fmt.Errorf("failed to write tar content: %w", err)
	}
	if err := tarWriter.Close(); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// CreateBuildContext packs a Dockerfile into a build context archive.
func CreateBuildContext(dockerfile []byte) ([]byte, error) {
	return CreateFileArchive(BuildContextDockerfile, dockerfile)
}

func validateEntryName(name string) error {
	switch {
	case strings.TrimSpace(name) == "":
		return fmt.Errorf("%w: empty file name", ErrInvalidPath)
	case strings.ContainsRune(name, 0):
		return fmt.Errorf("%w: file name contains NUL byte", ErrInvalidPath)
	case strings.HasSuffix(name, "/"):
		return fmt.Errorf("%w: %s names a directory", ErrInvalidPath, name)
	}
	return nil
}
