package policy

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// RuleCondition is the set of optional exact-match/regex conditions a
// RuleDoc tests before its Action applies. An empty field is not checked.
type RuleCondition struct {
	User            string
	Action          string
	MCPServer       string
	ToolNamePattern string
}

// RuleDoc is a single priority-ordered rule in a policy document, checked
// ahead of role-based permissions.
type RuleDoc struct {
	Name      string
	Priority  int
	Condition RuleCondition
	Action    Action
}

// Permission grants a role the ability to perform Actions against
// resources matching ResourcePattern. ResourcePattern of "*" matches any
// resource; otherwise it is matched exactly, falling back to a regular
// expression match when the pattern contains regex metacharacters.
type Permission struct {
	ResourcePattern string
	Actions         []string
}

// allows reports whether this permission covers action against resource.
func (p Permission) allows(resource, action string) bool {
	if !matchResource(p.ResourcePattern, resource) {
		return false
	}
	for _, a := range p.Actions {
		if a == "*" || a == action {
			return true
		}
	}
	return false
}

// RoleDefinition lists the permissions granted to a named role.
type RoleDefinition struct {
	Permissions []Permission
}

// Document is the full RBAC policy configuration: roles and their
// permissions, subject-to-role and group-to-role assignments, priority
// rules evaluated first, and a fallback for unmatched requests.
type Document struct {
	Roles         map[string]RoleDefinition
	UserRoles     map[string][]string
	GroupRoles    map[string][]string
	Rules         []RuleDoc
	DefaultPolicy Action
}

// Request is a single access check: can Subject perform Action on Resource,
// given the Groups it belongs to.
type Request struct {
	Subject  string
	Resource string
	Action   string
	Groups   []string
}

// RBACEngine evaluates Requests against a Document: custom rules first,
// then the subject's own role permissions, then its groups' role
// permissions, finally the document's default policy.
type RBACEngine struct {
	mu  sync.RWMutex
	doc Document
}

// NewRBACEngine builds an engine from an initial document.
func NewRBACEngine(doc Document) *RBACEngine {
	return &RBACEngine{doc: doc}
}

// Reload atomically swaps the engine's policy document, e.g. after an
// admin edits and re-applies the policy file.
func (e *RBACEngine) Reload(doc Document) {
	e.mu.Lock()
	e.doc = doc
	e.mu.Unlock()
}

// Check evaluates req and returns the resulting Decision.
func (e *RBACEngine) Check(req Request) Decision {
	e.mu.RLock()
	doc := e.doc
	e.mu.RUnlock()

	if d, matched := checkRules(doc.Rules, req); matched {
		return d
	}

	if d, ok := checkRolePermissions(doc.Roles, doc.UserRoles[req.Subject], req); ok {
		d.Reason = "allowed by user permission"
		return d
	}

	for _, group := range req.Groups {
		if d, ok := checkRolePermissions(doc.Roles, doc.GroupRoles[group], req); ok {
			d.Reason = fmt.Sprintf("allowed by group permission: %s", group)
			return d
		}
	}

	if doc.DefaultPolicy == ActionAllow {
		return Decision{Allowed: true, Reason: "allowed by default policy"}
	}
	return Decision{Allowed: false, Reason: "denied by default policy"}
}

func checkRules(rules []RuleDoc, req Request) (Decision, bool) {
	sorted := make([]RuleDoc, len(rules))
	copy(sorted, rules)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Priority > sorted[j].Priority })

	for _, rule := range sorted {
		if !matchRuleCondition(rule.Condition, req) {
			continue
		}
		switch rule.Action {
		case ActionDeny:
			return Decision{Allowed: false, RuleName: rule.Name, Reason: fmt.Sprintf("denied by rule: %s", rule.Name)}, true
		case ActionAllow:
			return Decision{Allowed: true, RuleName: rule.Name, Reason: fmt.Sprintf("allowed by rule: %s", rule.Name)}, true
		}
	}
	return Decision{}, false
}

func matchRuleCondition(cond RuleCondition, req Request) bool {
	if cond.User != "" && cond.User != req.Subject {
		return false
	}
	if cond.Action != "" && cond.Action != req.Action {
		return false
	}
	parts := strings.Split(req.Resource, ":")
	if cond.MCPServer != "" {
		if len(parts) < 2 || parts[1] != cond.MCPServer {
			return false
		}
	}
	if cond.ToolNamePattern != "" {
		if len(parts) < 3 {
			return false
		}
		re, err := regexp.Compile(cond.ToolNamePattern)
		if err != nil || !re.MatchString(parts[2]) {
			return false
		}
	}
	return true
}

func checkRolePermissions(roles map[string]RoleDefinition, assigned []string, req Request) (Decision, bool) {
	for _, roleName := range assigned {
		role, ok := roles[roleName]
		if !ok {
			continue
		}
		for _, perm := range role.Permissions {
			if perm.allows(req.Resource, req.Action) {
				return Decision{Allowed: true}, true
			}
		}
	}
	return Decision{}, false
}

func matchResource(pattern, resource string) bool {
	if pattern == "*" {
		return true
	}
	if pattern == resource {
		return true
	}
	if !isLikelyRegex(pattern) {
		return false
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return false
	}
	return re.MatchString(resource)
}

func isLikelyRegex(pattern string) bool {
	return strings.ContainsAny(pattern, `.*+?()[]{}^$|\`)
}

// RolesFor returns the effective role set for a subject: its own direct
// roles plus the roles of every listed group.
func (e *RBACEngine) RolesFor(subject string, groups []string) []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	seen := make(map[string]bool)
	var roles []string
	add := func(rs []string) {
		for _, r := range rs {
			if !seen[r] {
				seen[r] = true
				roles = append(roles, r)
			}
		}
	}
	add(e.doc.UserRoles[subject])
	for _, g := range groups {
		add(e.doc.GroupRoles[g])
	}
	return roles
}
