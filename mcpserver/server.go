package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
	"github.com/isdmx/execbox/execution"
	"github.com/isdmx/execbox/logger"
)

const (
	// ToolName is the name of the code execution tool
	ToolName = "execute_code"
	// MountPath is where the streamable HTTP transport is mounted on the REST server
	MountPath = "/mcp"

	serverName    = "execbox"
	serverVersion = "1.0.0"
	codePreview   = 120
)

// Languages lists the language selectors advertised in the tool schema
type Languages interface {
	Names() []string
}

// MCPServer represents the MCP server
type MCPServer struct {
	config    *config.Config
	logger    *zap.Logger
	executor  execution.Executor
	languages Languages
	mcpServer *server.MCPServer
}

// New creates a new MCPServer
func New(cfg *config.Config, logger *zap.Logger, executor execution.Executor, languages Languages) (*MCPServer, error) {
	if executor == nil {
		return nil, fmt.Errorf("mcp server requires an executor")
	}

	s := &MCPServer{
		config:    cfg,
		logger:    logger.Named("mcp"),
		executor:  executor,
		languages: languages,
	}

	s.mcpServer = server.NewMCPServer(serverName, serverVersion,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Run short untrusted programs in an ephemeral sandbox with the "+ToolName+" tool."),
	)

	s.registerExecuteCodeTool()

	return s, nil
}

// registerExecuteCodeTool registers the execute_code tool
func (s *MCPServer) registerExecuteCodeTool() {
	languageOpts := []mcp.PropertyOption{
		mcp.Required(),
		mcp.Description("Language selector"),
	}
	if s.languages != nil {
		if names := s.languages.Names(); len(names) > 0 {
			languageOpts = append(languageOpts, mcp.Enum(names...))
		}
	}

	tool := mcp.NewTool(ToolName,
		mcp.WithDescription("Execute untrusted source code in an isolated, single-use workspace and return its output"),
		mcp.WithString("language", languageOpts...),
		mcp.WithString("code", mcp.Required(), mcp.Description("Source code to run")),
	)

	s.mcpServer.AddTool(tool, s.handleExecuteCode)
}

// handleExecuteCode handles the execute_code tool
func (s *MCPServer) handleExecuteCode(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	language, err := request.RequireString("language")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	code, err := request.RequireString("code")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	s.logger.Debug("code execution requested",
		zap.String("language", language),
		zap.String("code", logger.Preview(code, codePreview)))

	result := s.executor.Execute(ctx, execution.Request{Language: language, Code: code})

	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("failed to encode result: %w", err)
	}

	s.logger.Info("code execution completed",
		zap.String("language", result.Language),
		zap.Bool("success", result.Success),
		zap.String("failure", string(result.Failure)))

	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(data))},
		IsError: !result.Success,
	}, nil
}

// ServeStdio serves the MCP protocol over in and out until ctx is done or in is closed
func (s *MCPServer) ServeStdio(ctx context.Context, in io.Reader, out io.Writer) error {
	s.logger.Info("starting MCP server on stdio")

	stdio := server.NewStdioServer(s.mcpServer)
	stdio.SetErrorLogger(zap.NewStdLog(s.logger))

	if err := stdio.Listen(ctx, in, out); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("stdio transport: %w", err)
	}

	s.logger.Info("MCP stdio transport closed")
	return nil
}

// HTTPHandler returns a stateless streamable HTTP handler served at MountPath
func (s *MCPServer) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcpServer,
		server.WithEndpointPath(MountPath),
		server.WithStateLess(true),
	)
}

// GetMCPServer returns the underlying MCP server for fx
func (s *MCPServer) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}
