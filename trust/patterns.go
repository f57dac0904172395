package trust

import (
	"fmt"
	"os"
	"regexp"

	"gopkg.in/yaml.v3"
)

// PatternLibrary holds the rule data the scorer runs over normalized text:
// two regex libraries (hard injection and softer manipulation), the lighter
// goal-change and identity-override sets, the invisible-character set, and
// the homoglyph fold table. Evasion techniques evolve, so all of it is data
// that can be extended from a YAML document rather than logic.
type PatternLibrary struct {
	Injection        []*regexp.Regexp
	Manipulation     []*regexp.Regexp
	GoalChange       []*regexp.Regexp
	IdentityOverride []*regexp.Regexp

	// ZeroWidth is the set of zero-width and invisible control runes stripped
	// during normalization.
	ZeroWidth map[rune]bool

	// Homoglyphs maps look-alike runes to their ASCII equivalents.
	Homoglyphs map[rune]rune
}

var defaultInjection = []string{
	// Deliberately overlapping: stacked phrasings of the same attack should
	// stack hits, and each hit raises the penalty.
	`(?i)ignore\s+(all\s+)?(previous|prior|earlier|above)\s+(instructions|prompts|directives|rules)`,
	`(?i)(ignore|disregard|forget)\s+(all\s+)?(previous|prior|the\s+above)`,
	`(?i)system\s+prompt`,
	`(?i)disregard\s+(all\s+)?(previous|prior|your)\s+(instructions|rules|guidelines|training)`,
	`(?i)forget\s+(everything|all|your)\s+(instructions|training|rules|guidelines)`,
	`(?i)reveal\s+(your\s+)?(system\s+prompt|initial\s+prompt|hidden\s+instructions)`,
	`(?i)(show|print|output|repeat)\s+(me\s+)?(your\s+)?system\s+prompt`,
	`(?i)you\s+are\s+now\s+(dan|in\s+developer\s+mode|unrestricted|jailbroken)`,
	`(?i)jailbreak`,
	`(?i)do\s+anything\s+now`,
	`(?i)bypass\s+(your\s+)?(safety|content|security)\s+(filters?|guidelines|policies|checks)`,
	`(?i)new\s+instructions?\s*:`,
	`(?i)override\s+(your\s+)?(previous\s+)?(instructions|programming|directives)`,
}

var defaultManipulation = []string{
	`(?i)your\s+(creator|developer|maker|owner|programmer)\s+(said|told|wants|asked|instructed)`,
	`(?i)admin\s+override`,
	`(?i)i\s+am\s+your\s+(admin|administrator|developer|creator|owner)`,
	`(?i)this\s+is\s+an?\s+(official|urgent|emergency)\s+(request|command|directive|order)`,
	`(?i)you\s+(must|have\s+to|are\s+required\s+to)\s+(comply|obey|listen)`,
	`(?i)as\s+your\s+(superior|boss|administrator|operator)`,
	`(?i)special\s+(permissions?|access|privileges?)`,
	`(?i)secret\s+(mode|command|code|password)`,
}

var defaultGoalChange = []string{
	`(?i)(your|the)\s+new\s+(goal|objective|mission|task|priority)\s+is`,
	`(?i)(change|update|replace|modify)\s+your\s+(goals?|objectives?|priorities|mission)`,
	`(?i)stop\s+(working\s+on|pursuing|doing)\s+your\s+(current\s+)?(goals?|tasks?|mission)`,
	`(?i)abandon\s+your\s+(goals?|mission|objectives?)`,
}

var defaultIdentityOverride = []string{
	`(?i)you\s+are\s+(now|actually|really|secretly)\s+(a|an|the)\s+`,
	`(?i)(pretend|act\s+as\s+if|imagine)\s+(that\s+)?you\s+(are|were)\s+`,
	`(?i)from\s+now\s+on,?\s+you\s+(are|will\s+be)`,
	`(?i)your\s+(true|real)\s+(identity|self|name|purpose)\s+is`,
	`(?i)roleplay\s+as\s+`,
}

// defaultZeroWidth covers zero-width spaces/joiners, bidi controls, word
// joiners, soft hyphen, and the BOM.
var defaultZeroWidth = []rune{
	'\u200B', '\u200C', '\u200D', '\u200E', '\u200F',
	'\u202A', '\u202B', '\u202C', '\u202D', '\u202E',
	'\u2060', '\u2061', '\u2062', '\u2063', '\u2064',
	'\u2066', '\u2067', '\u2068', '\u2069',
	'\u00AD', '\u061C', '\u180E', '\uFEFF',
}

// defaultHomoglyphGroups lists look-alike runes per ASCII target. Cyrillic
// and Greek letters that render identically to Latin ones, plus common
// accented Latin variants. Full-width forms are folded by range in
// DefaultPatterns.
var defaultHomoglyphGroups = map[rune]string{
	'a': "аαàáâãäåā",
	'b': "вβЬ",
	'c': "сçćĉ",
	'd': "ԁ",
	'e': "еέèéêëē",
	'g': "ɡ",
	'h': "һ",
	'i': "іιìíîïī",
	'j': "ј",
	'k': "κ",
	'n': "ηñń",
	'o': "оοòóôõöō",
	'p': "рρ",
	's': "ѕ",
	't': "τ",
	'u': "υùúûüū",
	'v': "ν",
	'x': "хχ",
	'y': "уγýÿ",
	'A': "АΑÀÁÂÃÄÅ",
	'B': "ВΒ",
	'C': "СÇ",
	'E': "ЕΕÈÉÊË",
	'H': "НΗ",
	'I': "ІΙÌÍÎÏ",
	'K': "КΚ",
	'M': "МΜ",
	'N': "Ν",
	'O': "ОΟÒÓÔÕÖ",
	'P': "РΡ",
	'S': "Ѕ",
	'T': "ТΤ",
	'X': "ХΧ",
	'Y': "УΥÝ",
	'Z': "Ζ",
}

// DefaultPatterns builds the built-in pattern library.
func DefaultPatterns() *PatternLibrary {
	lib := &PatternLibrary{
		Injection:        compileAll(defaultInjection),
		Manipulation:     compileAll(defaultManipulation),
		GoalChange:       compileAll(defaultGoalChange),
		IdentityOverride: compileAll(defaultIdentityOverride),
		ZeroWidth:        make(map[rune]bool, len(defaultZeroWidth)),
		Homoglyphs:       make(map[rune]rune),
	}
	for _, r := range defaultZeroWidth {
		lib.ZeroWidth[r] = true
	}
	for target, group := range defaultHomoglyphGroups {
		for _, r := range group {
			lib.Homoglyphs[r] = target
		}
	}
	// Full-width ASCII block folds positionally.
	for r := rune(0xFF01); r <= 0xFF5E; r++ {
		lib.Homoglyphs[r] = r - 0xFF01 + '!'
	}
	lib.Homoglyphs['\u3000'] = ' ' // ideographic space
	return lib
}

func compileAll(patterns []string) []*regexp.Regexp {
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		compiled = append(compiled, regexp.MustCompile(p))
	}
	return compiled
}

type patternFile struct {
	Injection        []string          `yaml:"injection"`
	Manipulation     []string          `yaml:"manipulation"`
	GoalChange       []string          `yaml:"goal_change"`
	IdentityOverride []string          `yaml:"identity_override"`
	ZeroWidth        []string          `yaml:"zero_width"`
	Homoglyphs       map[string]string `yaml:"homoglyphs"`
}

// LoadPatternFile merges a YAML pattern document into the library. Regex
// entries are appended; zero-width runes and homoglyph mappings extend the
// tables. Existing entries are never removed.
func (l *PatternLibrary) LoadPatternFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read pattern file: %w", err)
	}
	var pf patternFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return fmt.Errorf("parse pattern file: %w", err)
	}

	for _, group := range []struct {
		raw  []string
		dest *[]*regexp.Regexp
	}{
		{pf.Injection, &l.Injection},
		{pf.Manipulation, &l.Manipulation},
		{pf.GoalChange, &l.GoalChange},
		{pf.IdentityOverride, &l.IdentityOverride},
	} {
		for _, raw := range group.raw {
			re, err := regexp.Compile(raw)
			if err != nil {
				return fmt.Errorf("compile pattern %q: %w", raw, err)
			}
			*group.dest = append(*group.dest, re)
		}
	}

	for _, s := range pf.ZeroWidth {
		for _, r := range s {
			l.ZeroWidth[r] = true
		}
	}
	for from, to := range pf.Homoglyphs {
		fromRunes := []rune(from)
		toRunes := []rune(to)
		if len(fromRunes) != 1 || len(toRunes) != 1 {
			return fmt.Errorf("homoglyph entry %q -> %q: single runes required", from, to)
		}
		l.Homoglyphs[fromRunes[0]] = toRunes[0]
	}
	return nil
}
