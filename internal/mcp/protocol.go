// Package mcp implements the Tool Registry + Dispatcher (spec.md §4.8) and
// the JSON-RPC 2.0 wire types of spec.md §6, grounded on the teacher's
// internal/ai/tools protocol.go shape.
package mcp

import "encoding/json"

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope. Exactly one of Result/Error
// is populated.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *WireError      `json:"error,omitempty"`
}

// WireError is the JSON-RPC error object, built from rpcerr.Error at the
// single serialization boundary (spec.md §4.11).
type WireError struct {
	Code    int            `json:"code"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// ServerInfo describes this server in the initialize response.
type ServerInfo struct {
	Name         string       `json:"name"`
	Version      string       `json:"version"`
	Capabilities Capabilities `json:"capabilities"`
}

type Capabilities struct {
	Tools     *ToolsCapability     `json:"tools,omitempty"`
	Resources *ResourcesCapability `json:"resources,omitempty"`
}

type ToolsCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type ResourcesCapability struct {
	ListChanged bool `json:"listChanged,omitempty"`
}

type InitializeParams struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ClientInfo      ClientInfo   `json:"clientInfo"`
}

type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type InitializeResult struct {
	ProtocolVersion string       `json:"protocolVersion"`
	Capabilities    Capabilities `json:"capabilities"`
	ServerInfo      ServerInfo   `json:"serverInfo"`
}

// AuthenticateParams are the params for the vendor "authenticate" method
// (spec.md §6).
type AuthenticateParams struct {
	APIKey string `json:"api_key"`
}

type AuthenticateResult struct {
	SessionID   string   `json:"session_id"`
	Permissions []string `json:"permissions"`
	ExpiresAt   string   `json:"expires_at,omitempty"`
}

// ToolDefinition describes one tool's schema, required permission/feature
// and timeout (spec.md §4.8). Only name, description and inputSchema are
// serialized in tools/list; category, permission, feature and timeout stay
// server-side.
type ToolDefinition struct {
	Name               string       `json:"name"`
	Description        string       `json:"description,omitempty"`
	Category           string       `json:"-"`
	InputSchema        InputSchema  `json:"inputSchema"`
	RequiredPermission string       `json:"-"`
	RequiredFeature    string       `json:"-"`
	TimeoutSeconds     float64      `json:"-"`
}

type InputSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]PropertySchema `json:"properties"`
	Required   []string                  `json:"required,omitempty"`
}

type PropertySchema struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
	Default     any      `json:"default,omitempty"`
}

type ListToolsResult struct {
	Tools []ToolDefinition `json:"tools"`
}

type CallToolParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
}

// CallToolResult wraps a tool handler's JSON-serializable payload as a
// single text content block, following the teacher's NewJSONResult idiom.
type CallToolResult struct {
	Content []Content `json:"content"`
	IsError bool      `json:"isError,omitempty"`
}

type Content struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

func NewTextContent(text string) Content { return Content{Type: "text", Text: text} }

func NewJSONResult(data any) (CallToolResult, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return CallToolResult{}, err
	}
	return CallToolResult{Content: []Content{NewTextContent(string(b))}}, nil
}

type ListResourcesResult struct {
	Resources []Resource `json:"resources"`
}

type Resource struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

type ReadResourceParams struct {
	URI string `json:"uri"`
}

type ReadResourceResult struct {
	Contents []ResourceContent `json:"contents"`
}

type ResourceContent struct {
	URI      string `json:"uri"`
	MimeType string `json:"mimeType,omitempty"`
	Text     string `json:"text,omitempty"`
}
