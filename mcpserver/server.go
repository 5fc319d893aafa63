package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/codesandbox/config"
	"github.com/isdmx/codesandbox/sandbox"
)

// Tool names
const (
	ToolExecuteSandboxedCode = "execute_sandboxed_code"
	ToolSandboxCreate        = "sandbox_create"
	ToolSandboxWriteFile     = "sandbox_write_file"
	ToolSandboxReadFile      = "sandbox_read_file"
	ToolSandboxExecute       = "sandbox_execute"
	ToolSandboxClose         = "sandbox_close"
)

// MCPServer represents the MCP server
type MCPServer struct {
	config     *config.Config
	logger     *zap.Logger
	manager    *sandbox.Manager
	mcpServer  *server.MCPServer
	httpServer *server.StreamableHTTPServer
}

// ExecuteResponse is the JSON body returned by the execute tools
type ExecuteResponse struct {
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	TimedOut   bool   `json:"timed_out"`
	Output     string `json:"output"`
	DurationMS int64  `json:"duration_ms"`
}

// CloseResponse is the JSON body returned by sandbox_close
type CloseResponse struct {
	SandboxID     string `json:"sandbox_id"`
	ContainerID   string `json:"container_id,omitempty"`
	ImageID       string `json:"image_id,omitempty"`
	ImageAttempts int    `json:"image_attempts"`
	Error         string `json:"error,omitempty"`
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, manager *sandbox.Manager) (*MCPServer, error) {
	s := &MCPServer{
		config:  cfg,
		logger:  logger,
		manager: manager,
	}

	// Log configuration parameters on startup
	logger.Info("configuration loaded",
		zap.String("server.transport", cfg.Server.Transport),
		zap.Int("server.http_port", cfg.Server.HTTPPort),
		zap.String("sandbox.backend", cfg.Sandbox.Backend),
		zap.String("sandbox.base_image", cfg.Sandbox.BaseImage),
		zap.String("sandbox.network_mode", cfg.Sandbox.NetworkMode),
		zap.String("sandbox.memory_limit", cfg.Sandbox.MemoryLimit),
		zap.Int64("sandbox.cpu_period", cfg.Sandbox.CPUPeriod),
		zap.Int64("sandbox.cpu_quota", cfg.Sandbox.CPUQuota),
		zap.Int("sandbox.exec_timeout_sec", cfg.Sandbox.ExecTimeoutSec),
	)

	s.mcpServer = server.NewMCPServer("codesandbox", "Python code sandbox server")
	s.httpServer = server.NewStreamableHTTPServer(s.mcpServer)

	s.registerTools()

	return s, nil
}

func (s *MCPServer) registerTools() {
	envSchema := map[string]any{
		"type":                 "object",
		"description":          "Environment variables for this execution only",
		"additionalProperties": map[string]any{"type": "string"},
	}
	packagesSchema := map[string]any{
		"type":        "array",
		"description": "Python packages to install into a derived image",
		"items":       map[string]any{"type": "string"},
	}
	sandboxIDSchema := map[string]any{
		"type":        "string",
		"description": "ID returned by sandbox_create",
	}

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolExecuteSandboxedCode,
		Description: "Run Python code in a fresh sandbox that is removed afterwards",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"code":     map[string]any{"type": "string", "description": "Python source code"},
				"packages": packagesSchema,
				"env":      envSchema,
			},
			Required: []string{"code"},
		},
	}, s.handleExecuteSandboxedCode)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolSandboxCreate,
		Description: "Create a long-lived sandbox for several file and execute calls",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"packages":   packagesSchema,
				"base_image": map[string]any{"type": "string", "description": "Base image override"},
			},
		},
	}, s.handleSandboxCreate)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolSandboxWriteFile,
		Description: "Write a text file inside a sandbox, creating parent directories",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"sandbox_id": sandboxIDSchema,
				"path":       map[string]any{"type": "string", "description": "Path inside the container"},
				"content":    map[string]any{"type": "string", "description": "File content"},
			},
			Required: []string{"sandbox_id", "path", "content"},
		},
	}, s.handleSandboxWriteFile)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolSandboxReadFile,
		Description: "Read a text file from a sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"sandbox_id": sandboxIDSchema,
				"path":       map[string]any{"type": "string", "description": "Path inside the container"},
			},
			Required: []string{"sandbox_id", "path"},
		},
	}, s.handleSandboxReadFile)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolSandboxExecute,
		Description: "Run Python code in an existing sandbox",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"sandbox_id": sandboxIDSchema,
				"code":       map[string]any{"type": "string", "description": "Python source code"},
				"env":        envSchema,
			},
			Required: []string{"sandbox_id", "code"},
		},
	}, s.handleSandboxExecute)

	s.mcpServer.AddTool(mcp.Tool{
		Name:        ToolSandboxClose,
		Description: "Stop and remove a sandbox and its temporary image",
		InputSchema: mcp.ToolInputSchema{
			Type: "object",
			Properties: map[string]any{
				"sandbox_id": sandboxIDSchema,
			},
			Required: []string{"sandbox_id"},
		},
	}, s.handleSandboxClose)
}

func (s *MCPServer) handleExecuteSandboxedCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	code, err := request.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	packages, err := stringSlice(request, "packages")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	env, err := stringMap(request, "env")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s.logger.Info("code execution requested", zap.Strings("packages", packages))

	result, err := s.manager.Run(ctx, sandbox.ExecuteRequest{Code: code, Env: env}, sandbox.WithPackages(packages...))
	return s.executeResult(result, err)
}

func (s *MCPServer) handleSandboxCreate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	packages, err := stringSlice(request, "packages")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	opts := []sandbox.Option{sandbox.WithPackages(packages...)}
	if image := request.GetString("base_image", ""); image != "" {
		opts = append(opts, sandbox.WithBaseImage(image))
	}

	sb, err := s.manager.Create(ctx, opts...)
	if err != nil {
		s.logger.Error("failed to create sandbox", zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Sandbox creation failed: %v", err)), nil
	}

	return jsonResult(map[string]string{"sandbox_id": sb.ID()}, false)
}

func (s *MCPServer) handleSandboxWriteFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sb, errResult := s.lookup(request)
	if errResult != nil {
		return errResult, nil
	}
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	content, err := request.RequireString("content")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	if err := sb.WriteFile(ctx, path, content); err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("wrote %d bytes to %s", len(content), path)), nil
}

func (s *MCPServer) handleSandboxReadFile(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sb, errResult := s.lookup(request)
	if errResult != nil {
		return errResult, nil
	}
	path, err := request.RequireString("path")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	content, err := sb.ReadFile(ctx, path)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	return mcp.NewToolResultText(content), nil
}

func (s *MCPServer) handleSandboxExecute(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	sb, errResult := s.lookup(request)
	if errResult != nil {
		return errResult, nil
	}
	code, err := request.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	env, err := stringMap(request, "env")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	result, err := sb.Execute(ctx, sandbox.ExecuteRequest{Code: code, Env: env})
	return s.executeResult(result, err)
}

func (s *MCPServer) handleSandboxClose(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := request.RequireString("sandbox_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	report, err := s.manager.Close(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("%s: %v", id, err)), nil
	}

	resp := CloseResponse{
		SandboxID:     id,
		ContainerID:   report.ContainerID,
		ImageID:       report.ImageID,
		ImageAttempts: report.ImageAttempts,
	}
	if err := report.Err(); err != nil {
		resp.Error = err.Error()
	}
	return jsonResult(resp, resp.Error != "")
}

func (s *MCPServer) lookup(request mcp.CallToolRequest) (*sandbox.Sandbox, *mcp.CallToolResult) {
	id, err := request.RequireString("sandbox_id")
	if err != nil {
		return nil, mcp.NewToolResultError(err.Error())
	}
	sb, err := s.manager.Get(id)
	if err != nil {
		return nil, mcp.NewToolResultError(fmt.Sprintf("%s: %v", id, err))
	}
	return sb, nil
}

func (s *MCPServer) executeResult(result sandbox.ExecuteResult, err error) (*mcp.CallToolResult, error) {
	if err != nil && !errors.Is(err, sandbox.ErrExecutionTimeout) {
		s.logger.Error("sandbox execution failed", zap.Error(err))
		return mcp.NewToolResultError(fmt.Sprintf("Execution failed: %v", err)), nil
	}

	s.logger.Info("code execution completed",
		zap.Int("exit_code", result.ExitCode),
		zap.Bool("timed_out", result.TimedOut),
		zap.Int("stdout_len", len(result.Stdout)),
		zap.Int("stderr_len", len(result.Stderr)))

	return jsonResult(ExecuteResponse{
		Stdout:     result.Stdout,
		Stderr:     result.Stderr,
		ExitCode:   result.ExitCode,
		TimedOut:   result.TimedOut,
		Output:     result.String(),
		DurationMS: result.Duration.Milliseconds(),
	}, !result.OK())
}

func jsonResult(v any, isError bool) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: string(data),
			},
		},
		IsError: isError,
	}, nil
}

func stringSlice(request mcp.CallToolRequest, key string) ([]string, error) {
	raw, ok := request.GetArguments()[key]
	if !ok || raw == nil {
		return nil, nil
	}

	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an array of strings", key)
	}

	out := make([]string, 0, len(items))
	for _, item := range items {
		str, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("%s must be an array of strings", key)
		}
		out = append(out, str)
	}
	return out, nil
}

func stringMap(request mcp.CallToolRequest, key string) (map[string]string, error) {
	raw, ok := request.GetArguments()[key]
	if !ok || raw == nil {
		return nil, nil
	}

	obj, ok := raw.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s must be an object of strings", key)
	}

	out := make(map[string]string, len(obj))
	for k, v := range obj {
		str, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("%s.%s must be a string", key, k)
		}
		out[k] = str
	}
	return out, nil
}

// ServeStdio starts the server on stdio
func (s *MCPServer) ServeStdio() error {
	s.logger.Info("starting MCP server on stdio")
	return server.ServeStdio(s.mcpServer)
}

// ServeHTTP starts the server on HTTP
func (s *MCPServer) ServeHTTP() error {
	port := s.config.Server.HTTPPort
	s.logger.Info("starting MCP server on HTTP", zap.Int("port", port))

	return s.httpServer.Start(fmt.Sprintf(":%d", port))
}

// Shutdown stops the HTTP transport
func (s *MCPServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
