// Package corrections rewrites transcribed student speech with a small list of
// vocabulary fixes, e.g. course terms the recognizer keeps mishearing.
//
// A corrections file holds one rule per line:
//
//	photo synthesis => photosynthesis
//	s/\bmight oh ?chondria\b/mitochondria/g
//
// Literal rules match whole words. Sed-style rules take the flags g, m and s
// and replace only the first match without g. Matching ignores case.
// Blank lines and lines starting with # are skipped.
package corrections

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"
)

const defaultPassLimit = 30

// ErrUnstable is returned when the rules keep rewriting each other's output.
var ErrUnstable = errors.New("corrections did not settle")

type rule interface {
	apply(input string) (output string, changed bool)
}

// Set is an ordered list of compiled rules.
type Set struct {
	rules     []rule
	passLimit int
}

// Load reads a corrections file. A blank path or a missing file yields an
// empty set.
func Load(path string) (*Set, error) {
	if strings.TrimSpace(path) == "" {
		return &Set{passLimit: defaultPassLimit}, nil
	}

	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Set{passLimit: defaultPassLimit}, nil
		}
		return nil, fmt.Errorf("open corrections file %q: %w", path, err)
	}
	defer file.Close()

	set, err := Parse(file)
	if err != nil {
		return nil, fmt.Errorf("corrections file %q: %w", path, err)
	}
	return set, nil
}

func Parse(r io.Reader) (*Set, error) {
	set := &Set{passLimit: defaultPassLimit}

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var (
			compiled rule
			err      error
		)
		switch {
		case isSedRule(line):
			compiled, err = parseSedRule(line)
		case strings.Contains(line, "=>"):
			compiled, err = parseTermRule(line)
		default:
			err = errors.New("expected 'from => to' or 's/pattern/replacement/flags'")
		}
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		set.rules = append(set.rules, compiled)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return set, nil
}

func (s *Set) Len() int {
	return len(s.rules)
}

// Apply runs every rule in order, repeating until a full pass changes nothing.
// If the text is still changing after the pass limit, the last output is
// returned together with ErrUnstable.
func (s *Set) Apply(text string) (string, error) {
	if len(s.rules) == 0 {
		return text, nil
	}

	result := text
	for range s.passLimit {
		changed := false
		for _, r := range s.rules {
			if next, ok := r.apply(result); ok {
				result = next
				changed = true
			}
		}
		if !changed {
			return result, nil
		}
	}
	return result, fmt.Errorf("%w after %d passes", ErrUnstable, s.passLimit)
}

type termRule struct {
	re          *regexp.Regexp
	replacement string
}

func parseTermRule(line string) (rule, error) {
	from, to, _ := strings.Cut(line, "=>")
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" {
		return nil, errors.New("term to replace cannot be empty")
	}

	pattern := regexp.QuoteMeta(from)
	if isWordByte(from[0]) {
		pattern = `\b` + pattern
	}
	if isWordByte(from[len(from)-1]) {
		pattern += `\b`
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, err
	}
	return termRule{re: re, replacement: to}, nil
}

func (r termRule) apply(input string) (string, bool) {
	output := r.re.ReplaceAllLiteralString(input, r.replacement)
	return output, output != input
}

type sedRule struct {
	re          *regexp.Regexp
	replacement string
	global      bool
}

func isSedRule(line string) bool {
	return len(line) > 1 && line[0] == 's' && !isWordByte(line[1]) && line[1] != ' ' && line[1] != '\t'
}

func parseSedRule(line string) (rule, error) {
	delim := line[1]
	pattern, rest, err := splitDelimited(line[2:], delim)
	if err != nil {
		return nil, fmt.Errorf("pattern: %w", err)
	}
	replacement, rest, err := splitDelimited(rest, delim)
	if err != nil {
		return nil, fmt.Errorf("replacement: %w", err)
	}

	global := false
	inline := "i"
	for _, flag := range strings.TrimSpace(rest) {
		switch flag {
		case 'i':
		case 'g':
			global = true
		case 'm', 's':
			inline += string(flag)
		default:
			return nil, fmt.Errorf("unsupported flag %q", flag)
		}
	}
	pattern = "(?" + inline + ")" + pattern

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}
	return sedRule{re: re, replacement: replacement, global: global}, nil
}

func (r sedRule) apply(input string) (string, bool) {
	if r.global {
		output := r.re.ReplaceAllString(input, r.replacement)
		return output, output != input
	}

	loc := r.re.FindStringSubmatchIndex(input)
	if loc == nil {
		return input, false
	}
	expanded := r.re.ExpandString(nil, r.replacement, input, loc)
	output := input[:loc[0]] + string(expanded) + input[loc[1]:]
	return output, output != input
}

// splitDelimited reads up to the next unescaped delim. An escaped delimiter
// loses its backslash; every other escape is kept for the regexp compiler.
func splitDelimited(s string, delim byte) (string, string, error) {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c == '\\' && i+1 < len(s):
			if s[i+1] != delim {
				b.WriteByte(c)
			}
			b.WriteByte(s[i+1])
			i++
		case c == delim:
			return b.String(), s[i+1:], nil
		default:
			b.WriteByte(c)
		}
	}
	return "", "", errors.New("missing closing delimiter")
}

func isWordByte(c byte) bool {
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}
