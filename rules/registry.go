package rules

import (
	"fmt"
	"sort"
	"sync/atomic"

	"github.com/google/cel-go/cel"
)

// registrySnapshot is an immutable index from trigger signature to the
// enabled rules interested in it, priority-ordered. Snapshots are built
// whole and swapped atomically; nothing mutates one after installation,
// so concurrent event processing reads them without locks.
type registrySnapshot struct {
	byTrigger map[Trigger][]*Rule
	ruleCount int
}

// TriggerRegistry holds the active rule set. Loading a replacement set
// validates every rule, builds a fresh snapshot from the valid ones, and
// installs it with an atomic pointer swap. A load that cannot produce a
// snapshot leaves the previous one fully operative.
type TriggerRegistry struct {
	handlers *HandlerRegistry
	env      *cel.Env
	current  atomic.Pointer[registrySnapshot]
}

func NewTriggerRegistry(handlers *HandlerRegistry) (*TriggerRegistry, error) {
	env, err := newConditionEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create registry: %w", err)
	}
	t := &TriggerRegistry{
		handlers: handlers,
		env:      env,
	}
	t.current.Store(&registrySnapshot{byTrigger: make(map[Trigger][]*Rule)})
	return t, nil
}

// Load validates and installs a full replacement rule set. Rules that
// fail validation or expression compilation are rejected individually
// and reported; rejecting one rule never prevents its siblings from
// loading. Disabled rules are accepted but excluded from the index.
func (t *TriggerRegistry) Load(ruleSet []*Rule) []*ConfigurationError {
	snap := &registrySnapshot{byTrigger: make(map[Trigger][]*Rule)}
	var rejected []*ConfigurationError

	for _, src := range ruleSet {
		// The snapshot owns its rules. Normalization and expression
		// compilation happen on copies so a reload never writes to
		// objects the caller, the store, or the previous snapshot
		// still hold.
		rule := src.clone()
		if rule.OnFailure == "" {
			rule.OnFailure = FailureContinue
		}
		if cfgErr := validateRule(rule, t.handlers); cfgErr != nil {
			rejected = append(rejected, cfgErr)
			continue
		}
		if err := compileConditions(t.env, rule.Condition); err != nil {
			rejected = append(rejected, configErr(rule, "condition expression: %v", err))
			continue
		}
		if !rule.Enabled {
			continue
		}
		snap.byTrigger[rule.Trigger] = append(snap.byTrigger[rule.Trigger], rule)
		snap.ruleCount++
	}

	// Lower priority value first; ties broken by rule ID so the
	// execution order for a trigger is deterministic.
	for _, bucket := range snap.byTrigger {
		sort.Slice(bucket, func(i, j int) bool {
			if bucket[i].Priority != bucket[j].Priority {
				return bucket[i].Priority < bucket[j].Priority
			}
			return bucket[i].ID < bucket[j].ID
		})
	}

	t.current.Store(snap)
	return rejected
}

// Match returns the enabled rules whose trigger matches the event
// signature, sorted by priority ascending then ID ascending. The
// returned slice belongs to the current snapshot and must not be
// modified.
func (t *TriggerRegistry) Match(entityType string, op Operation) []*Rule {
	snap := t.current.Load()
	return snap.byTrigger[Trigger{EntityType: entityType, Operation: op}]
}

// RuleCount returns the number of rules in the active snapshot.
func (t *TriggerRegistry) RuleCount() int {
	return t.current.Load().ruleCount
}
