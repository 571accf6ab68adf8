package mcp

import (
	"encoding/json"
	"strings"
)

// Protocol method names.
const (
	methodInitialize  = "initialize"
	methodInitialized = "notifications/initialized"
	methodToolsCall   = "tools/call"
	methodToolsList   = "tools/list"

	protocolVersion = "2024-11-05"
)

type initializeParams struct {
	ProtocolVersion string                 `json:"protocolVersion"`
	Capabilities    map[string]interface{} `json:"capabilities"`
	ClientInfo      clientInfo             `json:"clientInfo"`
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the server's half of the handshake.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo,omitempty"`
}

type callToolParams struct {
	Name      string                 `json:"name"`
	Arguments map[string]interface{} `json:"arguments"`
}

// ContentPart is one typed element of a tool result.
type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	Data string `json:"data,omitempty"`
}

// ToolResult is the payload of a tools/call response.
type ToolResult struct {
	Content  []ContentPart `json:"content"`
	IsError  bool          `json:"isError,omitempty"`
	ExitCode *int          `json:"exitCode,omitempty"`
}

// Text concatenates the text parts of the result, joined by newlines, to
// produce the logical command output.
func (r *ToolResult) Text() string {
	var parts []string
	for _, p := range r.Content {
		if p.Type == "text" {
			parts = append(parts, p.Text)
		}
	}
	return strings.Join(parts, "\n")
}

// Tool describes one tool advertised by the server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

type listToolsResult struct {
	Tools []Tool `json:"tools"`
}
