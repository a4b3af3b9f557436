package rules

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ruleFile is the on-disk rule set format:
//
//	rules:
//	  - id: task-completed
//	    name: Task completed
//	    trigger: {entity_type: Task, operation: updated}
//	    condition:
//	      kind: leaf
//	      op: changed
//	      field: status
//	    actions:
//	      - type: send-notification
//	        params: {to: "{{after.assignee}}"}
//	        timeout: 10s
//	    enabled: true
//	    priority: 1
type ruleFile struct {
	Rules []*Rule `yaml:"rules"`
}

// ParseRuleSet parses a YAML rule set. Parsing is syntactic only;
// semantic validation (operators, action types) happens when the set is
// loaded into a registry.
func ParseRuleSet(data []byte) ([]*Rule, error) {
	var file ruleFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse rule set: %w", err)
	}
	return file.Rules, nil
}

// LoadRuleSet reads and parses a rule file from disk.
func LoadRuleSet(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rule file: %w", err)
	}
	rules, err := ParseRuleSet(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rules, nil
}

// UnmarshalYAML decodes an action spec, accepting human-readable
// durations ("10s") for the timeout field.
func (a *ActionSpec) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		Type    string         `yaml:"type"`
		Params  map[string]any `yaml:"params"`
		Timeout string         `yaml:"timeout"`
		Retries int            `yaml:"retries"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}

	a.Type = ActionType(raw.Type)
	a.Params = raw.Params
	a.Retries = raw.Retries

	if raw.Timeout != "" {
		timeout, err := time.ParseDuration(raw.Timeout)
		if err != nil {
			return fmt.Errorf("invalid action timeout %q: %w", raw.Timeout, err)
		}
		a.Timeout = timeout
	}
	return nil
}
