package mcp

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rs/zerolog"

	"github.com/datagen24/dshield-mcp-sub002/internal/auth"
	"github.com/datagen24/dshield-mcp-sub002/internal/models"
	"github.com/datagen24/dshield-mcp-sub002/internal/rpcerr"
)

const defaultToolTimeout = 120 * time.Second

const protocolVersion = "2024-11-05"

// Dispatcher orchestrates JSON-RPC requests per spec.md §4.8. It holds no
// tool state of its own -- only references to the components that do.
type Dispatcher struct {
	registry *Registry
	authn    *auth.Authenticator
	features FeatureChecker
	analytics *rpcerr.Analytics
	log      zerolog.Logger
	serverName, serverVersion string
}

func NewDispatcher(registry *Registry, authn *auth.Authenticator, features FeatureChecker, analytics *rpcerr.Analytics, log zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		registry:      registry,
		authn:         authn,
		features:      features,
		analytics:     analytics,
		log:           log,
		serverName:    "dshield-mcp-server",
		serverVersion: "1.0.0",
	}
}

// Dispatch handles one decoded request for a connection identified by
// connID, with sessionID possibly empty (unauthenticated).
func (d *Dispatcher) Dispatch(ctx context.Context, connID, sessionID string, req Request) Response {
	result, rerr := d.route(ctx, connID, sessionID, req)
	return buildResponse(req.ID, result, rerr)
}

func (d *Dispatcher) route(ctx context.Context, connID, sessionID string, req Request) (any, *rpcerr.Error) {
	if req.JSONRPC != "2.0" {
		return nil, rpcerr.NewInvalidRequest("jsonrpc must be \"2.0\"")
	}

	// Unauthenticated connections may only call authenticate, initialize, or
	// list capabilities (spec.md §4.4).
	session, hasSession := d.authn.Session(sessionID)
	if !hasSession && req.Method != "authenticate" && req.Method != "initialize" {
		return nil, rpcerr.NewAuthRequired("call authenticate first")
	}

	switch req.Method {
	case "initialize":
		return d.handleInitialize(req.Params)
	case "authenticate":
		return d.handleAuthenticate(req.Params, connID)
	case "tools/list":
		return d.handleToolsList(session)
	case "tools/call":
		return d.handleToolsCall(ctx, session, req.Params)
	case "resources/list":
		return ListResourcesResult{Resources: []Resource{}}, nil
	case "resources/read":
		return nil, rpcerr.NewNotFound("resource")
	default:
		return nil, rpcerr.NewMethodNotFound(req.Method)
	}
}

func (d *Dispatcher) handleInitialize(params json.RawMessage) (any, *rpcerr.Error) {
	var p InitializeParams
	if len(params) > 0 {
		if err := json.Unmarshal(params, &p); err != nil {
			return nil, rpcerr.NewInvalidParams("malformed initialize params")
		}
	}
	return InitializeResult{
		ProtocolVersion: protocolVersion,
		Capabilities: Capabilities{
			Tools:     &ToolsCapability{},
			Resources: &ResourcesCapability{},
		},
		ServerInfo: ServerInfo{Name: d.serverName, Version: d.serverVersion},
	}, nil
}

func (d *Dispatcher) handleAuthenticate(params json.RawMessage, connID string) (any, *rpcerr.Error) {
	var p AuthenticateParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpcerr.NewInvalidParams("malformed authenticate params")
	}
	session, rerr := d.authn.Authenticate(p.APIKey, connID)
	if rerr != nil {
		return nil, rerr
	}
	perms := make([]string, 0, len(session.Permissions))
	for p, ok := range session.Permissions {
		if ok {
			perms = append(perms, string(p))
		}
	}
	return AuthenticateResult{SessionID: session.ID, Permissions: perms}, nil
}

func (d *Dispatcher) handleToolsList(session *auth.Session) (any, *rpcerr.Error) {
	var perms map[models.Permission]bool
	if session != nil {
		perms = session.Permissions
	}
	return ListToolsResult{Tools: d.registry.ListVisible(perms, d.features)}, nil
}

func (d *Dispatcher) handleToolsCall(ctx context.Context, session *auth.Session, params json.RawMessage) (any, *rpcerr.Error) {
	var p CallToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, rpcerr.NewInvalidParams("malformed tools/call params")
	}

	tool, ok := d.registry.lookup(p.Name)
	if !ok {
		d.recordError(rpcerr.MethodNotFound, p.Name)
		return nil, rpcerr.NewMethodNotFound(p.Name)
	}

	if tool.Definition.RequiredPermission != "" {
		if session == nil || !session.Permissions[models.Permission(tool.Definition.RequiredPermission)] {
			d.recordError(rpcerr.AccessDenied, p.Name)
			return nil, rpcerr.NewAccessDenied(tool.Definition.RequiredPermission)
		}
	}

	if tool.Definition.RequiredFeature != "" && d.features != nil && !d.features.IsAvailable(tool.Definition.RequiredFeature) {
		d.recordError(rpcerr.FeatureUnavailable, p.Name)
		return nil, rpcerr.NewFeatureUnavailable(tool.Definition.RequiredFeature)
	}

	if rerr := validateArgs(tool.Definition.InputSchema, p.Arguments); rerr != nil {
		d.recordError(rpcerr.ValidationError, p.Name)
		return nil, rerr
	}

	timeout := defaultToolTimeout
	if tool.Definition.TimeoutSeconds > 0 {
		timeout = time.Duration(tool.Definition.TimeoutSeconds * float64(time.Second))
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	if session != nil {
		go func() {
			select {
			case <-session.Revoked():
				cancel()
			case <-callCtx.Done():
			}
		}()
	}

	type outcome struct {
		result any
		rerr   *rpcerr.Error
	}
	done := make(chan outcome, 1)
	go func() {
		result, rerr := tool.Handler(callCtx, p.Arguments)
		done <- outcome{result: result, rerr: rerr}
	}()

	select {
	case <-callCtx.Done():
		d.recordError(rpcerr.TimeoutError, p.Name)
		return nil, rpcerr.NewTimeout(timeout.Seconds())
	case o := <-done:
		if o.rerr != nil {
			d.recordError(o.rerr.Code, p.Name)
			return nil, o.rerr
		}
		return wrapToolResult(o.result)
	}
}

func wrapToolResult(result any) (any, *rpcerr.Error) {
	toolResult, err := NewJSONResult(result)
	if err != nil {
		return nil, rpcerr.NewInternal("marshaling tool result: " + err.Error())
	}
	return toolResult, nil
}

func (d *Dispatcher) recordError(code rpcerr.Code, tool string) {
	if d.analytics != nil {
		d.analytics.Record(code, tool, "")
	}
}

func buildResponse(id json.RawMessage, result any, rerr *rpcerr.Error) Response {
	resp := Response{JSONRPC: "2.0", ID: id}
	if rerr != nil {
		resp.Error = &WireError{Code: int(rerr.Code), Message: rerr.Message, Data: rerr.Data}
		return resp
	}
	payload, err := json.Marshal(result)
	if err != nil {
		resp.Error = &WireError{Code: int(rpcerr.InternalError), Message: "failed to marshal result"}
		return resp
	}
	resp.Result = payload
	return resp
}
