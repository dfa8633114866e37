package policy

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/isdmx/execbox/config"
)

// ErrUnsafeCode is matched by every Violation.
var ErrUnsafeCode = errors.New("unsafe code detected")

// Violation describes why a source was rejected.
type Violation struct {
	Language string
	Rule     string
	Reason   string
}

func (v *Violation) Error() string {
	return fmt.Sprintf("unsafe code detected: %s (rule %s)", v.Reason, v.Rule)
}

// Is reports whether target is ErrUnsafeCode.
func (*Violation) Is(target error) bool {
	return target == ErrUnsafeCode
}

// Filter checks source text against the deny-list. It is immutable after
// construction and safe for concurrent use.
type Filter struct {
	common         []Rule
	languages      map[string][]Rule
	maxSourceBytes int
}

// Option defines a functional option for Filter
type Option func(*Filter)

// WithMaxSourceBytes rejects sources larger than n bytes. Zero disables the limit.
func WithMaxSourceBytes(n int) Option {
	return func(f *Filter) {
		f.maxSourceBytes = n
	}
}

// WithRuleSet replaces the default rules.
func WithRuleSet(common []Rule, languages map[string][]Rule) Option {
	return func(f *Filter) {
		f.common = common
		f.languages = languages
		if f.languages == nil {
			f.languages = map[string][]Rule{}
		}
	}
}

// WithExtraRules appends rules to the current set. An empty language adds
// to the common rules.
func WithExtraRules(language string, rules ...Rule) Option {
	return func(f *Filter) {
		if language == "" {
			f.common = append(f.common, rules...)
			return
		}
		key := normalize(language)
		f.languages[key] = append(f.languages[key], rules...)
	}
}

// NewFilter creates a Filter with the default deny-lists.
func NewFilter(opts ...Option) *Filter {
	f := &Filter{
		common:    DefaultCommonRules(),
		languages: DefaultLanguageRules(),
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// NewFromConfig builds the Filter described by the policy section, loading
// the optional rules file.
func NewFromConfig(cfg *config.Config, logger *zap.Logger) (*Filter, error) {
	opts := []Option{WithMaxSourceBytes(cfg.Policy.MaxSourceKB * 1024)}

	if !cfg.Policy.Enabled {
		logger.Warn("static source policy disabled, relying on sandbox isolation only")
		opts = append(opts, WithRuleSet(nil, nil))
		return NewFilter(opts...), nil
	}

	if cfg.Policy.RulesFile != "" {
		fileOpts, err := LoadFile(cfg.Policy.RulesFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load policy rules: %w", err)
		}
		opts = append(opts, fileOpts...)
	}

	f := NewFilter(opts...)
	logger.Info("static source policy loaded",
		zap.Int("common_rules", len(f.common)),
		zap.Int("languages", len(f.languages)),
		zap.Int("max_source_bytes", f.maxSourceBytes))

	return f, nil
}

// Check returns nil when source is allowed or a *Violation otherwise.
// Unknown languages are still checked against the common rules.
func (f *Filter) Check(language, source string) error {
	lang := normalize(language)

	if f.maxSourceBytes > 0 && len(source) > f.maxSourceBytes {
		return &Violation{
			Language: lang,
			Rule:     "max-source-size",
			Reason:   fmt.Sprintf("source exceeds %d bytes", f.maxSourceBytes),
		}
	}

	if v := match(f.common, lang, source); v != nil {
		return v
	}

	if v := match(f.languages[lang], lang, source); v != nil {
		return v
	}

	return nil
}

func match(rules []Rule, language, source string) *Violation {
	for _, r := range rules {
		if r.Pattern.MatchString(source) {
			return &Violation{Language: language, Rule: r.Name, Reason: r.Reason}
		}
	}
	return nil
}

func normalize(language string) string {
	return strings.ToLower(strings.TrimSpace(language))
}
