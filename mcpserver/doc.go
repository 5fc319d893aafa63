// Package mcpserver exposes the sandbox over the Model Context Protocol (MCP).
//
// It uses the mark3labs/mcp-go library for the protocol and registers a
// one-shot execute_sandboxed_code tool plus session tools (sandbox_create,
// sandbox_write_file, sandbox_read_file, sandbox_execute, sandbox_close) that
// address a long-lived sandbox by ID through a sandbox.Manager.
//
// The server supports both stdio and streamable HTTP transports as configured
// by the application configuration.
//
// Usage:
//
//	server, err := mcpserver.New(cfg, logger, manager)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio() // or server.ServeHTTP()
package mcpserver
