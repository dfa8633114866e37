package policy

import (
	"bytes"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Rule file modes
const (
	ModeExtend  = "extend"
	ModeReplace = "replace"
)

type ruleFile struct {
	Mode      string                 `yaml:"mode"`
	Common    []ruleEntry            `yaml:"common"`
	Languages map[string][]ruleEntry `yaml:"languages"`
}

type ruleEntry struct {
	Name    string `yaml:"name"`
	Pattern string `yaml:"pattern"`
	Reason  string `yaml:"reason"`
}

// LoadFile reads a YAML rules file and returns the options that apply it.
func LoadFile(path string) ([]Option, error) {
	data, err := os.ReadFile(path) //nolint:gosec // path comes from operator configuration
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML rules document.
//
//	mode: extend          # or replace
//	common:
//	  - name: no-fork
//	    pattern: '\bos\.fork\s*\('
//	    reason: process spawning
//	languages:
//	  python:
//	    - name: no-pickle
//	      pattern: '\bpickle\b'
//	      reason: unsafe deserialization
func Parse(data []byte) ([]Option, error) {
	var rf ruleFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rf); err != nil {
		return nil, fmt.Errorf("failed to decode rules: %w", err)
	}

	common, err := compileEntries(rf.Common)
	if err != nil {
		return nil, fmt.Errorf("common: %w", err)
	}

	languages := make(map[string][]Rule, len(rf.Languages))
	for lang, entries := range rf.Languages {
		rules, err := compileEntries(entries)
		if err != nil {
			return nil, fmt.Errorf("languages.%s: %w", lang, err)
		}
		languages[normalize(lang)] = rules
	}

	switch rf.Mode {
	case ModeReplace:
		return []Option{WithRuleSet(common, languages)}, nil
	case "", ModeExtend:
		opts := []Option{WithExtraRules("", common...)}
		for lang, rules := range languages {
			opts = append(opts, WithExtraRules(lang, rules...))
		}
		return opts, nil
	default:
		return nil, fmt.Errorf("invalid mode %q, must be '%s' or '%s'", rf.Mode, ModeExtend, ModeReplace)
	}
}

func compileEntries(entries []ruleEntry) ([]Rule, error) {
	rules := make([]Rule, 0, len(entries))
	for i, e := range entries {
		if e.Name == "" || e.Pattern == "" {
			return nil, fmt.Errorf("rule %d: name and pattern are required", i)
		}
		reason := e.Reason
		if reason == "" {
			reason = e.Name
		}
		r, err := NewRule(e.Name, e.Pattern, reason)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, nil
}
