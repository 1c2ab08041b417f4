package rules

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ConfigFile is the on-disk rule configuration shape: a top-level `rules`
// key holding a list of rule entries.
type ConfigFile struct {
	Rules []ConfigEntry `yaml:"rules"`
}

// ConfigEntry is one configured rule. Type distinguishes static expression
// rules from dynamic ones a generator may later replace; both load the same
// way here.
type ConfigEntry struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Type        string `yaml:"type"`
	Category    string `yaml:"category"`
	Priority    int    `yaml:"priority"`
	Condition   string `yaml:"condition"`
	Action      string `yaml:"action"`
	Enabled     bool   `yaml:"enabled"`
}

// configActions maps config action names to rule actions. Unrecognized
// values default to log_warning rather than failing the load.
var configActions = map[string]Action{
	"log_warning": ActionLogWarning,
	"suggest":     ActionSuggestCorrection,
	"reject":      ActionRejectDecision,
	"terminate":   ActionForceTerminate,
}

var configCategories = map[string]Category{
	"behavior":  CategoryBehavior,
	"tool":      CategoryTool,
	"data":      CategoryData,
	"execution": CategoryExecution,
	"goal":      CategoryGoal,
}

// Rule converts the entry into a registrable rule. The second return is
// false when the action was unrecognized and defaulted to log_warning.
func (entry ConfigEntry) Rule() (*Rule, bool) {
	action, actionKnown := configActions[strings.ToLower(entry.Action)]
	if !actionKnown {
		action = ActionLogWarning
	}
	category, ok := configCategories[strings.ToLower(entry.Category)]
	if !ok {
		category = CategoryBehavior
	}
	return &Rule{
		ID:          entry.ID,
		Name:        entry.Name,
		Category:    category,
		Source:      SourceUser,
		Description: entry.Description,
		Condition:   ExprCondition(entry.Condition),
		Action:      action,
		Priority:    entry.Priority,
		Enabled:     entry.Enabled,
		Metadata:    map[string]any{"type": entry.Type},
	}, actionKnown
}

// LoadConfig reads a YAML rule file and registers every entry. Entries with
// missing ids fail the load; a duplicate id fails with ErrDuplicateRule.
func (e *Engine) LoadConfig(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, fmt.Errorf("read rule config: %w", err)
	}
	return e.LoadConfigBytes(data)
}

// LoadConfigBytes parses and registers rules from raw YAML.
func (e *Engine) LoadConfigBytes(data []byte) (int, error) {
	var file ConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return 0, fmt.Errorf("parse rule config: %w", err)
	}

	loaded := 0
	for i, entry := range file.Rules {
		if entry.ID == "" {
			return loaded, fmt.Errorf("rule config entry %d has no id", i)
		}

		rule, actionKnown := entry.Rule()
		if !actionKnown {
			e.logger.Warn("unrecognized rule action, defaulting to log_warning",
				"rule_id", entry.ID, "action", entry.Action)
		}
		if err := e.Add(rule); err != nil {
			return loaded, fmt.Errorf("register configured rule %s: %w", entry.ID, err)
		}
		loaded++
	}

	e.logger.Info("rule configuration loaded", "rules", loaded)
	return loaded, nil
}
