// Package logger provides structured logging capabilities.
//
// The logger package builds the zap logger shared by the sandbox manager,
// the MCP server and the CLI. Logs always go to stderr so the stdio
// transport keeps stdout for protocol traffic.
//
// Usage:
//
//	log, err := logger.New("production", "info")
//	if err != nil {
//	    panic(err)
//	}
//	log.Info("sandbox created", zap.String("container", name))
package logger
