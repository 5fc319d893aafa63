// Package sandbox runs untrusted Python snippets in disposable containers.
//
// A Sandbox owns one long-lived container started from a base image, or from
// a derived image with extra packages installed. Files are copied in as tar
// archives and code is run with exec, keeping stdout, stderr and the exit
// status apart. Teardown stops and removes the container and then removes the
// derived image, retrying while the engine still holds a reference to it.
//
// Containers are reached through the Engine interface. DockerEngine talks to
// the Docker API; CLIEngine drives the docker or podman command line.
//
// Usage:
//
//	engine, err := sandbox.NewDockerEngine(logger, "")
//	err = sandbox.With(ctx, engine, logger, func(s *sandbox.Sandbox) error {
//	    res, err := s.Execute(ctx, sandbox.ExecuteRequest{Code: "print('hi')"})
//	    if err != nil {
//	        return err
//	    }
//	    fmt.Print(res)
//	    return nil
//	}, sandbox.WithPackages("requests"))
package sandbox
