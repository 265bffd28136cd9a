package policy

import (
	"context"
	"strings"
)

// toolAction is the RBAC action name used for every MCP tool invocation.
const toolAction = "invoke"

// RBACPolicyEngine adapts an RBACEngine to the PolicyEngine port so the proxy
// interceptor chain can evaluate tool calls against the RBAC document the
// same way it would evaluate CEL rules. Resources are addressed in the
// "mcp:<server>:<tool>" form, mirroring the __-namespaced tool names the
// aggregator hands back from tools/call.
type RBACPolicyEngine struct {
	engine *RBACEngine
}

// NewRBACPolicyEngine wraps engine behind the PolicyEngine port.
func NewRBACPolicyEngine(engine *RBACEngine) *RBACPolicyEngine {
	return &RBACPolicyEngine{engine: engine}
}

// Evaluate translates evalCtx into an RBAC Request and checks it.
func (e *RBACPolicyEngine) Evaluate(_ context.Context, evalCtx EvaluationContext) (Decision, error) {
	resource := toolResource(evalCtx.ToolName)
	req := Request{
		Subject:  evalCtx.IdentityID,
		Resource: resource,
		Action:   toolAction,
		Groups:   evalCtx.FrameworkGroups,
	}
	d := e.engine.Check(req)
	return Decision{
		Allowed:  d.Allowed,
		RuleID:   d.RuleID,
		Reason:   d.Reason,
		RuleName: d.RuleName,
	}, nil
}

// toolResource renders a namespaced tool name ("server__tool") as the
// "mcp:server:tool" resource string the RBAC rule conditions match against.
// A name with no "__" separator (a virtual broadcast tool, or a malformed
// call) is addressed as "mcp:*:<name>" so server-scoped rules never match it
// by accident.
func toolResource(toolName string) string {
	idx := strings.Index(toolName, "__")
	if idx < 0 {
		return "mcp:*:" + toolName
	}
	return "mcp:" + toolName[:idx] + ":" + toolName[idx+2:]
}

var _ PolicyEngine = (*RBACPolicyEngine)(nil)
