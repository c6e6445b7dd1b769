package execution

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/MarcoPoloResearchLab/codecollab/internal/collab"
)

// ErrRejected indicates the source matched a denylisted construct.
var ErrRejected = errors.New("execution: source rejected")

// Rule is one denylisted construct.
type Rule struct {
	Pattern     *regexp.Regexp
	Description string
}

// Guard rejects source text containing denylisted constructs before an
// interpreter is spawned. It is a speed bump against accidental damage and
// is not a sandbox: trivially obfuscated code passes it.
type Guard struct {
	rules map[collab.Language][]Rule
}

// Python denylist.
var PythonRules = []Rule{
	{Pattern: regexp.MustCompile(`(?m)^\s*(import|from)\s+(os|subprocess|shutil|socket|ctypes|multiprocessing|pty)\b`), Description: "system module import"},
	{Pattern: regexp.MustCompile(`\b__import__\s*\(`), Description: "dynamic import"},
	{Pattern: regexp.MustCompile(`\b(eval|exec|compile)\s*\(`), Description: "dynamic evaluation"},
	{Pattern: regexp.MustCompile(`\bopen\s*\([^)]*['"][wax+]`), Description: "file write"},
	{Pattern: regexp.MustCompile(`\bos\.(system|popen|remove|unlink|rmdir|fork|kill)\b`), Description: "process or filesystem call"},
}

// JavaScript denylist.
var JavaScriptRules = []Rule{
	{Pattern: regexp.MustCompile(`\brequire\s*\(\s*['"](node:)?(child_process|fs|net|http|https|cluster|worker_threads|vm)['"]\s*\)`), Description: "system module require"},
	{Pattern: regexp.MustCompile(`(?m)^\s*import\s.*from\s+['"](node:)?(child_process|fs|net|http|https|cluster|worker_threads|vm)['"]`), Description: "system module import"},
	{Pattern: regexp.MustCompile(`\bimport\s*\(`), Description: "dynamic import"},
	{Pattern: regexp.MustCompile(`\b(eval|Function)\s*\(`), Description: "dynamic evaluation"},
	{Pattern: regexp.MustCompile(`\bprocess\.(exit|kill|binding|dlopen)\b`), Description: "process control"},
}

// NewGuard builds a guard with the default rule sets.
func NewGuard() *Guard {
	return &Guard{rules: map[collab.Language][]Rule{
		collab.LanguagePython:     PythonRules,
		collab.LanguageJavaScript: JavaScriptRules,
	}}
}

// Check returns an ErrRejected-wrapped error naming the first matching rule.
func (g *Guard) Check(language collab.Language, source string) error {
	for _, rule := range g.rules[language] {
		if rule.Pattern.MatchString(source) {
			return fmt.Errorf("%w: %s", ErrRejected, rule.Description)
		}
	}
	return nil
}
