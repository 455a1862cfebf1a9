// Package gateway exposes the unified MCP endpoint: one SSE stream plus
// one message POST per project, multiplexing every registered backend
// server behind a single protocol surface.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/fnf-ea/mcp-orch/domain/mcp"
	"github.com/fnf-ea/mcp-orch/domain/registry"
	"github.com/fnf-ea/mcp-orch/domain/session"
	"github.com/fnf-ea/mcp-orch/domain/transport"
	"github.com/fnf-ea/mcp-orch/internal/config"
	"github.com/fnf-ea/mcp-orch/pkg/apperror"
	"github.com/fnf-ea/mcp-orch/pkg/auth"
	"github.com/fnf-ea/mcp-orch/pkg/logger"
	"github.com/fnf-ea/mcp-orch/pkg/secret"
)

// serverParamKey addresses one backend server explicitly. It is stripped
// before the message is forwarded.
const serverParamKey = "_server"

// ApprovalHook decides tool calls that are not auto-approved by the
// server row. The default hook approves everything; deployments plug in
// their policy through fx decoration.
type ApprovalHook interface {
	Approve(ctx context.Context, projectID, serverName, toolName string, arguments map[string]any) bool
}

type approveAll struct{}

func (approveAll) Approve(context.Context, string, string, string, map[string]any) bool { return true }

// NewApprovalHook returns the default allow-all hook.
func NewApprovalHook() ApprovalHook { return approveAll{} }

// CallRecorder persists tool call audit entries. Implemented by the
// registry service.
type CallRecorder interface {
	LogToolCall(ctx context.Context, entry *registry.ToolCallLog)
}

// Orchestrator routes client messages to backend sessions and maps
// failures onto the gateway's JSON-RPC error codes.
type Orchestrator struct {
	sessions *session.Manager
	registry session.SpecSource
	recorder CallRecorder
	approval ApprovalHook
	cfg      *config.Config
	log      *slog.Logger
}

// NewOrchestrator creates the router.
func NewOrchestrator(
	sessions *session.Manager,
	reg session.SpecSource,
	recorder CallRecorder,
	approval ApprovalHook,
	cfg *config.Config,
	log *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		sessions: sessions,
		registry: reg,
		recorder: recorder,
		approval: approval,
		cfg:      cfg,
		log:      log.With(logger.Scope("gateway.orchestrator")),
	}
}

// allowed reports whether the caller may talk to the server under its
// jwt_required setting.
func (o *Orchestrator) allowed(spec *registry.Spec, caller *auth.Caller) bool {
	switch spec.AuthMode {
	case registry.AuthDisabled:
		return true
	case registry.AuthRequired:
		return caller != nil
	default: // inherit
		return !o.cfg.AuthRequired || caller != nil
	}
}

// Authorize resolves the message's target and enforces per-server
// authentication before the message is accepted. Fan-out messages have
// no single target and pass; unauthorized servers are filtered out of
// their results instead.
func (o *Orchestrator) Authorize(ctx context.Context, projectID string, caller *auth.Caller, msg *mcp.Message) error {
	ref, _ := o.target(msg)
	if ref == "" {
		return nil
	}
	spec, err := o.registry.Get(ctx, projectID, ref)
	if err != nil {
		// Routing errors surface as JSON-RPC errors on dispatch.
		return nil
	}
	if !o.allowed(spec, caller) {
		return apperror.ErrUnauthorized
	}
	return nil
}

// Dispatch routes one client message. Requests return a response
// message; notifications return nil.
func (o *Orchestrator) Dispatch(ctx context.Context, projectID string, caller *auth.Caller, msg *mcp.Message) *mcp.Message {
	if msg.IsNotification() {
		o.dispatchNotification(ctx, projectID, msg)
		return nil
	}

	switch msg.Method {
	case mcp.MethodToolsCall:
		return o.dispatchToolCall(ctx, projectID, caller, msg)
	case mcp.MethodToolsList:
		if ref, forwarded := o.target(msg); ref != "" {
			return o.forward(ctx, projectID, ref, forwarded)
		}
		return o.fanOutToolsList(ctx, projectID, caller, msg)
	case mcp.MethodResourcesList:
		if ref, forwarded := o.target(msg); ref != "" {
			return o.forward(ctx, projectID, ref, forwarded)
		}
		return o.fanOutResourcesList(ctx, projectID, caller, msg)
	default:
		ref, forwarded := o.target(msg)
		if ref == "" {
			return mcp.NewError(msg.ID, mcp.ErrCodeInvalidRequest,
				fmt.Sprintf("method %q needs a %s param on the unified endpoint", msg.Method, serverParamKey), nil)
		}
		return o.forward(ctx, projectID, ref, forwarded)
	}
}

// dispatchNotification forwards a client notification to its addressed
// server, best effort. Unaddressed notifications have no meaningful
// fan-out target and are dropped.
func (o *Orchestrator) dispatchNotification(ctx context.Context, projectID string, msg *mcp.Message) {
	ref, forwarded := o.target(msg)
	if ref == "" {
		o.log.Debug("dropping unaddressed notification", slog.String("method", msg.Method))
		return
	}
	s, err := o.sessions.Acquire(ctx, projectID, ref)
	if err != nil {
		o.log.Debug("notification target unavailable", slog.String("server", ref), logger.Error(err))
		return
	}
	defer o.sessions.Release(s)
	if err := s.Notify(ctx, forwarded); err != nil {
		o.log.Debug("notification forward failed", slog.String("server", ref), logger.Error(err))
	}
}

// dispatchToolCall resolves the server from _server or the tool name
// prefix, enforces approval, forwards, and audits.
func (o *Orchestrator) dispatchToolCall(ctx context.Context, projectID string, caller *auth.Caller, msg *mcp.Message) *mcp.Message {
	var params mcp.ToolsCallParams
	if len(msg.Params) > 0 {
		if err := json.Unmarshal(msg.Params, &params); err != nil {
			return mcp.NewError(msg.ID, mcp.ErrCodeInvalidParams, "malformed tools/call params", nil)
		}
	}

	ref, forwarded := o.target(msg)
	toolName := params.Name
	if ref == "" {
		// Unified tool names carry the server as a prefix: server_tool.
		idx := strings.Index(toolName, "_")
		if idx <= 0 || idx == len(toolName)-1 {
			return mcp.NewError(msg.ID, mcp.ErrCodeNotFound,
				fmt.Sprintf("cannot route tool %q: no %s param and no server prefix", toolName, serverParamKey), nil)
		}
		ref = toolName[:idx]
		toolName = toolName[idx+1:]
		var err error
		forwarded, err = rewriteToolName(msg, toolName)
		if err != nil {
			return mcp.NewError(msg.ID, mcp.ErrCodeInternalError, "rewriting tool name", nil)
		}
	}

	spec, err := o.registry.Get(ctx, projectID, ref)
	if err != nil {
		return o.errorReply(msg.ID, ref, err)
	}
	if !o.allowed(spec, caller) {
		return mcp.NewError(msg.ID, mcp.ErrCodeInvalidRequest,
			fmt.Sprintf("server %q requires an authenticated caller", spec.Name), nil)
	}
	if !spec.AutoApproved(toolName) &&
		!o.approval.Approve(ctx, projectID, spec.Name, toolName, params.Arguments) {
		return mcp.NewError(msg.ID, mcp.ErrCodeInvalidRequest,
			fmt.Sprintf("tool %q was not approved", toolName), nil)
	}

	start := time.Now()
	resp := o.forward(ctx, projectID, spec.ID, forwarded)
	o.recordToolCall(spec, toolName, params.Arguments, resp, time.Since(start))
	return resp
}

// recordToolCall writes the audit row off the reply path.
func (o *Orchestrator) recordToolCall(spec *registry.Spec, tool string, args map[string]any, resp *mcp.Message, took time.Duration) {
	status := "success"
	if resp.Error != nil {
		status = "failed"
		if resp.Error.Code == mcp.ErrCodeTimeout {
			status = "timeout"
		}
	}
	entry := &registry.ToolCallLog{
		ProjectID:  spec.ProjectID,
		ServerID:   spec.ID,
		ServerName: spec.Name,
		ToolName:   tool,
		Arguments:  args,
		Status:     status,
		DurationMS: took.Milliseconds(),
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		o.recorder.LogToolCall(ctx, entry)
	}()
}

// forward sends the message to the resolved server's session and maps
// any failure to a JSON-RPC error reply.
func (o *Orchestrator) forward(ctx context.Context, projectID, ref string, msg *mcp.Message) *mcp.Message {
	resp, err := o.sessions.Call(ctx, projectID, ref, msg)
	if err != nil {
		return o.errorReply(msg.ID, ref, err)
	}
	return resp
}

// fanOutToolsList queries every reachable enabled server concurrently
// and merges the tool definitions under name-prefixed tool names.
func (o *Orchestrator) fanOutToolsList(ctx context.Context, projectID string, caller *auth.Caller, msg *mcp.Message) *mcp.Message {
	specs, err := o.reachableSpecs(ctx, projectID, caller)
	if err != nil {
		return o.errorReply(msg.ID, "", err)
	}

	type serverTools struct {
		name  string
		tools []mcp.Tool
	}
	results := make([]serverTools, len(specs))
	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func(i int, spec *registry.Spec) {
			defer wg.Done()
			req, _ := mcp.NewRequest(json.RawMessage(`"list"`), mcp.MethodToolsList, nil)
			resp, err := o.sessions.Call(ctx, projectID, spec.ID, req)
			if err != nil || resp.Error != nil {
				o.log.Warn("tools/list fan-out leg failed",
					slog.String("server", spec.Name), logger.Error(err))
				return
			}
			var list mcp.ToolsListResult
			if err := json.Unmarshal(resp.Result, &list); err != nil {
				return
			}
			results[i] = serverTools{name: spec.Name, tools: list.Tools}
		}(i, spec)
	}
	wg.Wait()

	merged := mcp.ToolsListResult{Tools: []mcp.Tool{}}
	for _, r := range results {
		for _, tool := range r.tools {
			tool.Name = r.name + "_" + tool.Name
			merged.Tools = append(merged.Tools, tool)
		}
	}
	reply, err := mcp.NewResponse(msg.ID, merged)
	if err != nil {
		return mcp.NewError(msg.ID, mcp.ErrCodeInternalError, "encoding tools/list result", nil)
	}
	return reply
}

// fanOutResourcesList mirrors fanOutToolsList for resources.
func (o *Orchestrator) fanOutResourcesList(ctx context.Context, projectID string, caller *auth.Caller, msg *mcp.Message) *mcp.Message {
	specs, err := o.reachableSpecs(ctx, projectID, caller)
	if err != nil {
		return o.errorReply(msg.ID, "", err)
	}

	results := make([][]mcp.Resource, len(specs))
	var wg sync.WaitGroup
	for i, spec := range specs {
		wg.Add(1)
		go func(i int, spec *registry.Spec) {
			defer wg.Done()
			req, _ := mcp.NewRequest(json.RawMessage(`"list"`), mcp.MethodResourcesList, nil)
			resp, err := o.sessions.Call(ctx, projectID, spec.ID, req)
			if err != nil || resp.Error != nil {
				return
			}
			var list mcp.ResourcesListResult
			if err := json.Unmarshal(resp.Result, &list); err != nil {
				return
			}
			results[i] = list.Resources
		}(i, spec)
	}
	wg.Wait()

	merged := mcp.ResourcesListResult{Resources: []mcp.Resource{}}
	for _, resources := range results {
		merged.Resources = append(merged.Resources, resources...)
	}
	reply, err := mcp.NewResponse(msg.ID, merged)
	if err != nil {
		return mcp.NewError(msg.ID, mcp.ErrCodeInternalError, "encoding resources/list result", nil)
	}
	return reply
}

// reachableSpecs filters enabled servers down to those the caller may
// use and that are currently available.
func (o *Orchestrator) reachableSpecs(ctx context.Context, projectID string, caller *auth.Caller) ([]*registry.Spec, error) {
	specs, err := o.registry.ListEnabled(ctx, projectID)
	if err != nil {
		return nil, err
	}
	now := time.Now()
	out := specs[:0]
	for _, spec := range specs {
		if spec.Available(now) && o.allowed(spec, caller) {
			out = append(out, spec)
		}
	}
	return out, nil
}

// target extracts the _server routing param. When present, the returned
// message has it stripped so backends never see gateway plumbing.
func (o *Orchestrator) target(msg *mcp.Message) (string, *mcp.Message) {
	if len(msg.Params) == 0 {
		return "", msg
	}
	var params map[string]json.RawMessage
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return "", msg
	}
	raw, ok := params[serverParamKey]
	if !ok {
		return "", msg
	}
	var ref string
	if err := json.Unmarshal(raw, &ref); err != nil || ref == "" {
		return "", msg
	}

	delete(params, serverParamKey)
	stripped := *msg
	if len(params) == 0 {
		stripped.Params = nil
	} else {
		data, err := json.Marshal(params)
		if err != nil {
			return "", msg
		}
		stripped.Params = data
	}
	return ref, &stripped
}

// errorReply maps gateway failures onto the error code taxonomy.
func (o *Orchestrator) errorReply(id json.RawMessage, ref string, err error) *mcp.Message {
	var initErr *transport.InitError
	switch {
	case errors.Is(err, apperror.ErrServerNotFound):
		return mcp.NewError(id, mcp.ErrCodeNotFound,
			fmt.Sprintf("no server %q in project", ref), nil)
	case errors.Is(err, session.ErrServerDisabled):
		return mcp.NewError(id, mcp.ErrCodeNotFound,
			fmt.Sprintf("server %q is disabled", ref), nil)
	case errors.As(err, &initErr):
		return mcp.NewError(id, mcp.ErrCodeInitError,
			fmt.Sprintf("server %q failed to initialize: %v", ref, initErr.Err), nil)
	case errors.Is(err, session.ErrTransportGone), errors.Is(err, session.ErrNotReady):
		return mcp.NewError(id, mcp.ErrCodeTransportGone,
			fmt.Sprintf("connection to server %q was lost", ref), nil)
	case errors.Is(err, context.DeadlineExceeded):
		return mcp.NewError(id, mcp.ErrCodeTimeout,
			fmt.Sprintf("request to server %q timed out", ref), nil)
	case errors.Is(err, secret.ErrDecryptFailed):
		return mcp.NewError(id, mcp.ErrCodeDecryptError,
			fmt.Sprintf("credentials for server %q cannot be decrypted", ref), nil)
	default:
		o.log.Error("unmapped dispatch failure", slog.String("server", ref), logger.Error(err))
		return mcp.NewError(id, mcp.ErrCodeInternalError, "internal gateway error", nil)
	}
}

// rewriteToolName re-encodes tools/call params with the prefix removed.
func rewriteToolName(msg *mcp.Message, tool string) (*mcp.Message, error) {
	var params map[string]json.RawMessage
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		return nil, err
	}
	name, err := json.Marshal(tool)
	if err != nil {
		return nil, err
	}
	params["name"] = name
	delete(params, serverParamKey)
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	rewritten := *msg
	rewritten.Params = data
	return &rewritten, nil
}
