package search

import (
	"regexp"
	"strings"
	"unicode"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/railscope/railscope/internal/unit"
)

// classifierCacheSize bounds the LRU of classified queries.
const classifierCacheSize = 1024

// Classifier derives a Classification from free text. Pure pattern matching:
// no I/O, no embedding calls, deterministic for a given query.
type Classifier struct {
	cache *lru.Cache[string, Classification]
}

// NewClassifier returns a Classifier with its query cache.
func NewClassifier() *Classifier {
	cache, _ := lru.New[string, Classification](classifierCacheSize)
	return &Classifier{cache: cache}
}

// intentPatterns are checked in order; first match wins.
var intentPatterns = []struct {
	intent  Intent
	pattern *regexp.Regexp
}{
	{IntentTrace, regexp.MustCompile(`\b(trace|flow|call chain|path from|what happens when|step through)\b`)},
	{IntentDebug, regexp.MustCompile(`\b(debug|why (is|does|am)|error|failing|broken|bug|exception|not working)\b`)},
	{IntentLocate, regexp.MustCompile(`\b(where (is|are|does)|find|locate|which file|look up)\b`)},
	{IntentImplement, regexp.MustCompile(`\b(how (do|can|should) i|implement|add a|create a|build a|write a)\b`)},
	{IntentCompare, regexp.MustCompile(`\b(compare|difference between|versus|vs\.?)\b`)},
	{IntentReference, regexp.MustCompile(`\b(list|show me|what are the|signature of|arguments (of|to)|columns (of|on))\b`)},
	{IntentFramework, regexp.MustCompile(`\b(rails|activerecord|active record|actionpack|activejob|sidekiq|graphql-ruby|gem)\b`)},
}

// frameworkPatterns set framework_context independent of intent.
var frameworkPatterns = []*regexp.Regexp{
	regexp.MustCompile(`\bwhat options (does|do) \S+ (support|accept|take)\b`),
	regexp.MustCompile(`\bhow does (rails|activerecord|active record|the framework|\S+ gem) (implement|handle|do)\b`),
	regexp.MustCompile(`\bis \S+ deprecated\b`),
	regexp.MustCompile(`\b(rails|activerecord|active record|actionpack|actionview|activejob|activestorage|sidekiq|devise|pundit|graphql-ruby)\b`),
}

// typeHeads map head nouns to target types, checked in order; an explicit
// head overrides entity-derived targets.
var typeHeads = []struct {
	head string
	t    unit.Type
}{
	{"controller", unit.TypeController},
	{"service", unit.TypeService},
	{"mailer", unit.TypeMailer},
	{"component", unit.TypeComponent},
	{"concern", unit.TypeConcern},
	{"migration", unit.TypeSchema},
	{"schema", unit.TypeSchema},
	{"route", unit.TypeRoute},
	{"mutation", unit.TypeGraphQLMutation},
	{"resolver", unit.TypeGraphQLResolver},
	{"model", unit.TypeModel},
	{"job", unit.TypeJob},
}

// entityStopWords are CamelCase tokens that are never unit identifiers.
var entityStopWords = map[string]bool{
	"I": true, "API": true, "HTTP": true, "JSON": true, "SQL": true,
	"HTML": true, "CSS": true, "URL": true, "ID": true, "UI": true,
	"Rails": true, "ActiveRecord": true, "ActionPack": true,
	"ActiveJob": true, "GraphQL": true, "Ruby": true,
}

var (
	camelCaseRe  = regexp.MustCompile(`\b[A-Z][a-z0-9]+(?:[A-Z][a-z0-9]+)*(?:::[A-Z][a-z0-9]+(?:[A-Z][a-z0-9]+)*)*\b`)
	snakeCaseRe  = regexp.MustCompile(`\b[a-z][a-z0-9]*(?:_[a-z0-9]+)+[!?]?\b`)
	routeIdiomRe = regexp.MustCompile(`(?:GET|POST|PUT|PATCH|DELETE)?\s*(/[a-z0-9_/:.-]+)`)

	breadthRe    = regexp.MustCompile(`\b(all|every|across|entire|whole|everything)\b`)
	howWorksRe   = regexp.MustCompile(`\bhow does \S+ work\b`)
	definiteRe   = regexp.MustCompile(`\bthe [a-z_]+\b`)
)

// Classify analyzes a query; repeated queries hit the cache.
func (c *Classifier) Classify(query string) Classification {
	if cached, ok := c.cache.Get(query); ok {
		return cached
	}

	lower := strings.ToLower(query)
	cls := Classification{
		Intent:      IntentUnderstand,
		Scope:       ScopeExploratory,
		TargetType:  unit.TypeUnknown,
		Confidences: map[string]float64{},
	}

	for _, ip := range intentPatterns {
		if ip.pattern.MatchString(lower) {
			cls.Intent = ip.intent
			cls.Confidences["intent"] = 0.8
			break
		}
	}
	if cls.Confidences["intent"] == 0 {
		cls.Confidences["intent"] = 0.4
	}

	for _, fp := range frameworkPatterns {
		if fp.MatchString(lower) {
			cls.FrameworkContext = true
			break
		}
	}

	cls.Entities = extractEntities(query)
	cls.Scope = classifyScope(lower, cls.Entities)
	cls.TargetType = classifyTarget(lower, cls.Entities)
	if cls.TargetType != unit.TypeUnknown {
		cls.Confidences["target"] = 0.7
	}

	c.cache.Add(query, cls)
	return cls
}

func classifyScope(lower string, entities []string) Scope {
	switch {
	case breadthRe.MatchString(lower):
		return ScopeComprehensive
	case howWorksRe.MatchString(lower):
		return ScopeFocused
	case definiteRe.MatchString(lower) && len(entities) > 0:
		return ScopePinpoint
	case len(entities) == 1:
		return ScopePinpoint
	default:
		return ScopeExploratory
	}
}

// classifyTarget resolves an explicit head noun; without one the target stays
// unknown and the executor resolves entities against the store.
func classifyTarget(lower string, _ []string) unit.Type {
	for _, th := range typeHeads {
		if strings.Contains(lower, th.head) {
			return th.t
		}
	}
	return unit.TypeUnknown
}

// extractEntities pulls CamelCase names, snake_case method-like tokens, and
// route path idioms out of the original-cased query.
func extractEntities(query string) []string {
	seen := map[string]bool{}
	var out []string
	add := func(e string) {
		if e == "" || seen[e] || entityStopWords[e] {
			return
		}
		seen[e] = true
		out = append(out, e)
	}

	for _, m := range camelCaseRe.FindAllString(query, -1) {
		if hasInteriorUpper(m) || strings.Contains(m, "::") {
			add(m)
		}
	}
	for _, m := range snakeCaseRe.FindAllString(query, -1) {
		add(m)
	}
	for _, m := range routeIdiomRe.FindAllStringSubmatch(query, -1) {
		if len(m) > 1 && len(m[1]) > 1 {
			add(m[1])
		}
	}
	return out
}

// hasInteriorUpper reports whether s has an uppercase rune after position 0,
// which distinguishes CamelCase identifiers from sentence-initial words.
func hasInteriorUpper(s string) bool {
	for i, r := range s {
		if i > 0 && unicode.IsUpper(r) {
			return true
		}
	}
	return false
}
