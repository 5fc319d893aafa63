// Package main is the entry point for the codesandbox MCP server.
//
// The server runs untrusted Python snippets in disposable, resource-limited
// containers with no network access by default, and exposes them as MCP tools
// over stdio or HTTP.
//
// The application uses Uber's fx framework for dependency injection and lifecycle
// management, with zap for structured logging and viper for configuration.
package main
