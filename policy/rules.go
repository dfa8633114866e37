package policy

import (
	"fmt"
	"regexp"
)

// Rule is a single deny-list entry.
type Rule struct {
	Name    string
	Pattern *regexp.Regexp
	Reason  string
}

// NewRule compiles pattern into a Rule.
func NewRule(name, pattern, reason string) (Rule, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q: invalid pattern: %w", name, err)
	}
	return Rule{Name: name, Pattern: re, Reason: reason}, nil
}

// MustRule is like NewRule but panics on an invalid pattern.
func MustRule(name, pattern, reason string) Rule {
	r, err := NewRule(name, pattern, reason)
	if err != nil {
		panic(err)
	}
	return r
}

// DefaultCommonRules apply to every language, including selectors the
// sandbox does not support.
func DefaultCommonRules() []Rule {
	return []Rule{
		MustRule("process-exit", `\b(?:System|sys|os)\s*\.\s*_?exit\s*\(`, "process termination"),
		MustRule("runtime-access", `\bRuntime\s*\.\s*getRuntime\s*\(`, "runtime and process control"),
		MustRule("process-builder", `\bProcessBuilder\b`, "process spawning"),
		MustRule("subprocess", `\bsubprocess\b`, "process spawning"),
		MustRule("dynamic-import", `__import__`, "dynamic module import"),
		MustRule("eval", `\beval\s*\(`, "dynamic code evaluation"),
	}
}

// DefaultLanguageRules returns the per-language deny-lists keyed by language name.
func DefaultLanguageRules() map[string][]Rule {
	return map[string][]Rule{
		"python": {
			MustRule("restricted-import",
				`(?m)(?:^|;)\s*(?:import\s+(?:[\w.]+(?:\s+as\s+\w+)?\s*,\s*)*|from\s+)(?:os|sys|subprocess|_posixsubprocess|posix|shutil|socket|ctypes|multiprocessing|signal|pty|fcntl|importlib|pathlib|threading|_thread|resource|tempfile)\b`,
				"restricted module import"),
			MustRule("exec", `(?:^|[^.\w])exec\s*\(`, "dynamic code evaluation"),
			MustRule("compile", `(?:^|[^.\w])compile\s*\(`, "dynamic code evaluation"),
			MustRule("open", `(?:^|[^.\w])open\s*\(|\b(?:io|builtins|codecs|posix|os)\s*\.\s*open\s*\(`, "file system access"),
			MustRule("builtins", `__(?:builtins|subclasses|globals|code|loader)__`, "reflection"),
			MustRule("reflection", `(?:^|[^.\w])(?:getattr|setattr|delattr|globals|locals|vars)\s*\(`, "reflection"),
			MustRule("exit", `(?:^|[^.\w])(?:exit|quit)\s*\(`, "process termination"),
		},
		"java": {
			MustRule("file-io", `\b(?:File|FileReader|FileWriter|FileInputStream|FileOutputStream|RandomAccessFile)\s*\(`, "file system access"),
			MustRule("nio-files", `\bjava\s*\.\s*nio\s*\.\s*file\b|\bFiles\s*\.\s*\w+\s*\(|\bPaths\s*\.\s*get\s*\(`, "file system access"),
			MustRule("reflection", `\bjava\s*\.\s*lang\s*\.\s*reflect\b|\bClass\s*\.\s*forName\s*\(|\.getDeclared(?:Method|Field|Constructor)s?\s*\(|\.setAccessible\s*\(`, "reflection"),
			MustRule("network", `\bjava\s*\.\s*net\b|\b(?:Server)?Socket\s*\(`, "network access"),
			MustRule("system-control", `\bSystem\s*\.\s*(?:setSecurityManager|getenv|load|loadLibrary|setProperty)\s*\(`, "system control"),
			MustRule("halt", `\.\s*halt\s*\(`, "process termination"),
			MustRule("scripting", `\bjavax\s*\.\s*script\b|\bScriptEngine`, "dynamic code evaluation"),
			MustRule("unsafe", `\bsun\s*\.\s*misc\b|\bjdk\s*\.\s*internal\b`, "internal API access"),
		},
	}
}
