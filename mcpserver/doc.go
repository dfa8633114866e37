// Package mcpserver provides the Model Context Protocol (MCP) server implementation.
//
// The mcpserver package exposes the code execution pipeline as a single MCP
// tool, execute_code, built on the mark3labs/mcp-go library. The tool takes a
// language selector and source code, runs them through an execution.Executor
// and returns the JSON-encoded execution result as text content. Failed runs
// are flagged with IsError so clients can tell them apart without parsing.
//
// The server can be served over stdio, or mounted on the REST server as a
// stateless streamable HTTP handler.
//
// Usage:
//
//	server, err := mcpserver.New(config, logger, executor, registry)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	err = server.ServeStdio(ctx, os.Stdin, os.Stdout)
package mcpserver
