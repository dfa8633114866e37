package sandbox

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/isdmx/execbox/config"
)

// Kind is the closed set of language variants.
type Kind int

const (
	// Interpreted languages run their source file directly.
	Interpreted Kind = iota
	// Compiled languages are built in a compile stage before they run.
	Compiled
)

func (k Kind) String() string {
	switch k {
	case Interpreted:
		return config.KindInterpreted
	case Compiled:
		return config.KindCompiled
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Command template placeholders
const (
	PlaceholderDir   = "{dir}"
	PlaceholderFile  = "{file}"
	PlaceholderEntry = "{entry}"

	sourcePlaceholder = "{{source}}"
	defaultSourceName = "main"
)

var mainMethodPattern = regexp.MustCompile(`static\s+void\s+main\s*\(`)

// Language holds everything needed to write, build and run one language.
type Language struct {
	Name         string
	Kind         Kind
	Extension    string
	SourceName   string
	EntryPattern *regexp.Regexp
	WrapTemplate string
	Compile      []string
	Run          []string
	Image        string
	Env          []string
}

// NewLanguage builds a Language from its configuration entry.
func NewLanguage(name string, c config.Language) (*Language, error) {
	lang := &Language{
		Name:         normalize(name),
		Extension:    strings.TrimPrefix(c.Extension, "."),
		SourceName:   c.SourceName,
		WrapTemplate: c.WrapTemplate,
		Compile:      append([]string(nil), c.Compile...),
		Run:          append([]string(nil), c.Run...),
		Image:        c.Image,
		Env:          append([]string(nil), c.Environment...),
	}

	switch c.Kind {
	case config.KindInterpreted:
		lang.Kind = Interpreted
	case config.KindCompiled:
		lang.Kind = Compiled
	default:
		return nil, fmt.Errorf("language %s: invalid kind %q", name, c.Kind)
	}

	if lang.SourceName == "" {
		lang.SourceName = defaultSourceName
	}

	if c.EntryPattern != "" {
		re, err := regexp.Compile(c.EntryPattern)
		if err != nil {
			return nil, fmt.Errorf("language %s: invalid entry pattern: %w", name, err)
		}
		if re.NumSubexp() < 1 {
			return nil, fmt.Errorf("language %s: entry pattern must capture the entry name", name)
		}
		lang.EntryPattern = re
	}

	if len(lang.Run) == 0 {
		return nil, fmt.Errorf("language %s: run command must not be empty", name)
	}
	if lang.Kind == Compiled && len(lang.Compile) == 0 {
		return nil, fmt.Errorf("language %s: compiled language requires a compile command", name)
	}

	return lang, nil
}

// PrepareSource returns the code to write to disk and the entry name it
// must be written under.
//
// For compiled languages with an entry pattern, a declared public entry wins,
// then the declaration enclosing the main method, then the first declaration.
// Sources with no declaration are wrapped in WrapTemplate and use SourceName.
func (l *Language) PrepareSource(source string) (code, entry string) {
	if l.Kind != Compiled || l.EntryPattern == nil {
		return source, l.SourceName
	}

	matches := l.EntryPattern.FindAllStringSubmatchIndex(source, -1)
	if len(matches) == 0 {
		if l.WrapTemplate == "" {
			return source, l.SourceName
		}
		return strings.Replace(l.WrapTemplate, sourcePlaceholder, source, 1), l.SourceName
	}

	name := func(m []int) string { return source[m[2]:m[3]] }

	for _, m := range matches {
		if strings.Contains(source[m[0]:m[1]], "public") {
			return source, name(m)
		}
	}

	if loc := mainMethodPattern.FindStringIndex(source); loc != nil {
		var enclosing []int
		for _, m := range matches {
			if m[0] < loc[0] {
				enclosing = m
			}
		}
		if enclosing != nil {
			return source, name(enclosing)
		}
	}

	return source, name(matches[0])
}

// FileName returns the source file name for entry.
func (l *Language) FileName(entry string) string {
	return entry + "." + l.Extension
}

// placeholders are the values substituted into command templates.
type placeholders struct {
	dir   string
	file  string
	entry string
}

func (p placeholders) expand(template []string) []string {
	r := strings.NewReplacer(PlaceholderDir, p.dir, PlaceholderFile, p.file, PlaceholderEntry, p.entry)

	argv := make([]string, len(template))
	for i, arg := range template {
		argv[i] = r.Replace(arg)
	}
	return argv
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
