package policy

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// yamlDocument mirrors the on-disk policy file shape: a flat YAML
// structure of roles, subject/group role assignments, priority rules, and
// a default fallback, independent of Document's in-memory representation.
type yamlDocument struct {
	Roles map[string]struct {
		Permissions []struct {
			Resource string   `yaml:"resource"`
			Actions  []string `yaml:"actions"`
		} `yaml:"permissions"`
	} `yaml:"roles"`
	UserRoles  map[string][]string `yaml:"user_roles"`
	GroupRoles map[string][]string `yaml:"group_roles"`
	Rules      []struct {
		Name      string `yaml:"name"`
		Priority  int    `yaml:"priority"`
		Condition struct {
			User            string `yaml:"user"`
			Action          string `yaml:"action"`
			MCPServer       string `yaml:"mcp_server"`
			ToolNamePattern string `yaml:"tool_name_pattern"`
		} `yaml:"condition"`
		Action string `yaml:"action"`
	} `yaml:"rules"`
	DefaultPolicy string `yaml:"default_policy"`
}

// LoadDocument reads a policy document from a YAML file. A missing file
// is not an error -- it yields an empty, deny-by-default document, matching
// a gateway with no policy configured.
func LoadDocument(path string) (Document, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return Document{DefaultPolicy: ActionDeny}, nil
	}
	if err != nil {
		return Document{}, fmt.Errorf("policy: failed to read %s: %w", path, err)
	}

	var raw yamlDocument
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Document{}, fmt.Errorf("policy: failed to parse %s: %w", path, err)
	}

	doc := Document{
		Roles:      make(map[string]RoleDefinition, len(raw.Roles)),
		UserRoles:  raw.UserRoles,
		GroupRoles: raw.GroupRoles,
	}

	for name, role := range raw.Roles {
		perms := make([]Permission, 0, len(role.Permissions))
		for _, p := range role.Permissions {
			resource := p.Resource
			if resource == "" {
				resource = "*"
			}
			perms = append(perms, Permission{ResourcePattern: resource, Actions: p.Actions})
		}
		doc.Roles[name] = RoleDefinition{Permissions: perms}
	}

	for _, r := range raw.Rules {
		doc.Rules = append(doc.Rules, RuleDoc{
			Name:     r.Name,
			Priority: r.Priority,
			Condition: RuleCondition{
				User:            r.Condition.User,
				Action:          r.Condition.Action,
				MCPServer:       r.Condition.MCPServer,
				ToolNamePattern: r.Condition.ToolNamePattern,
			},
			Action: Action(r.Action),
		})
	}

	switch raw.DefaultPolicy {
	case "allow":
		doc.DefaultPolicy = ActionAllow
	default:
		doc.DefaultPolicy = ActionDeny
	}

	return doc, nil
}
