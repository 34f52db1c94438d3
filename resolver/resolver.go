// Package resolver maps free-form column intent ("actual quantity produced",
// "target") to concrete column names in a user table. It asks the model for a
// JSON mapping and falls back to a keyword lexicon when the model is
// unreachable or replies with something unusable. Results are cached so
// identical inputs resolve identically within the TTL.
package resolver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	jsonrepair "github.com/RealAlexandreAI/json-repair"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"goa.design/clue/log"

	"github.com/tablepilot/tablepilot/model"
)

type (
	// Request describes one resolution call.
	Request struct {
		// Purpose is the free-form intent phrase, e.g. "calculate efficiency
		// (actual vs target)".
		Purpose string

		// Roles are the caller-chosen role names the mapping must cover.
		Roles []string

		// Columns lists the actual column names of the table.
		Columns []string

		// SampleRow is one row of the table, used to ground the model.
		SampleRow map[string]any

		// Definitions carries user-provided column descriptions. A definition
		// that names a role's keywords pins that role to its column, taking
		// precedence over whatever the model suggests.
		Definitions map[string]string
	}

	// Extraction describes how to derive a missing column from a composite
	// one via a single-capture regex.
	Extraction struct {
		SourceColumn string `json:"source_column"`
		Pattern      string `json:"extraction_pattern"`
	}

	// Mapping is the resolution result. Roles that could not be resolved are
	// absent from Columns.
	Mapping struct {
		// Columns maps role names to concrete column names.
		Columns map[string]string

		// Extraction is set when the purpose called for deriving a column
		// from a composite field and the model supplied a valid pattern.
		Extraction *Extraction

		// Source records how the mapping was produced: "llm", "fallback" or
		// "definition" when user definitions pinned every role.
		Source string
	}

	// Options configures a Resolver.
	Options struct {
		// Client performs the model calls. When nil the resolver is
		// fallback-only.
		Client model.Client

		// CacheSize bounds the number of cached mappings. Defaults to 256.
		CacheSize int

		// TTL is how long a cached mapping stays valid. Defaults to 10
		// minutes.
		TTL time.Duration

		// MaxTokens caps the model reply. Defaults to 256.
		MaxTokens int
	}

	// Resolver performs cached, fallback-guarded column resolution.
	Resolver struct {
		client model.Client
		cache  *expirable.LRU[string, Mapping]
		maxTok int
	}
)

const (
	defaultCacheSize = 256
	defaultTTL       = 10 * time.Minute
	defaultMaxTokens = 256

	SourceLLM        = "llm"
	SourceFallback   = "fallback"
	SourceDefinition = "definition"
)

// lexicon maps common role stems to the keywords that identify matching
// columns. Role names and column names are matched case-insensitively.
var lexicon = [][]string{
	{"quantity", "qty", "amount", "units", "volume"},
	{"target", "planned", "goal", "expected"},
	{"actual", "achieved", "produced"},
	{"date", "time", "timestamp"},
}

// New constructs a Resolver from the provided options.
func New(opts Options) *Resolver {
	size := opts.CacheSize
	if size <= 0 {
		size = defaultCacheSize
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = defaultTTL
	}
	maxTok := opts.MaxTokens
	if maxTok <= 0 {
		maxTok = defaultMaxTokens
	}
	return &Resolver{
		client: opts.Client,
		cache:  expirable.NewLRU[string, Mapping](size, nil, ttl),
		maxTok: maxTok,
	}
}

// Resolve maps the requested roles to column names. It never fails on model
// errors; the keyword fallback produces a mapping (possibly with unresolved
// roles) instead.
func (r *Resolver) Resolve(ctx context.Context, req *Request) (*Mapping, error) {
	if len(req.Columns) == 0 {
		return nil, errors.New("resolver: columns are required")
	}
	if len(req.Roles) == 0 {
		return nil, errors.New("resolver: roles are required")
	}
	key := cacheKey(req)
	if m, ok := r.cache.Get(key); ok {
		return &m, nil
	}

	m := r.resolve(ctx, req)

	// User definitions win over whatever the model suggested.
	pinned := definitionMatches(req)
	for role, col := range pinned {
		m.Columns[role] = col
	}
	if len(pinned) == len(req.Roles) {
		m.Source = SourceDefinition
	}

	r.cache.Add(key, *m)
	return m, nil
}

func (r *Resolver) resolve(ctx context.Context, req *Request) *Mapping {
	if r.client == nil {
		return r.fallback(req)
	}
	resp, err := r.client.Complete(ctx, &model.Request{
		System: systemPrompt,
		Messages: []model.Message{
			{Role: model.RoleUser, Content: buildPrompt(req)},
		},
		Temperature: 0,
		MaxTokens:   r.maxTok,
	})
	if err != nil {
		log.Warnf(ctx, "column resolution via model failed, using keyword fallback: %v", err)
		return r.fallback(req)
	}
	m, err := parseMapping(resp.Text, req)
	if err != nil {
		log.Warnf(ctx, "column resolution reply unusable, using keyword fallback: %v", err)
		return r.fallback(req)
	}
	return m
}

func (r *Resolver) fallback(req *Request) *Mapping {
	m := &Mapping{Columns: make(map[string]string), Source: SourceFallback}
	for _, role := range req.Roles {
		if col := keywordMatch(role, req.Columns); col != "" {
			m.Columns[role] = col
		}
	}
	return m
}

const systemPrompt = `You map analytical roles to column names in a data table. Reply with a single JSON object and nothing else.`

// buildPrompt renders the deterministic resolution prompt. Columns keep their
// given order; the sample row serializes with sorted keys so identical inputs
// produce identical prompts.
func buildPrompt(req *Request) string {
	var b strings.Builder
	b.WriteString("Available columns: ")
	b.WriteString(strings.Join(req.Columns, ", "))
	b.WriteString("\n")
	if len(req.SampleRow) > 0 {
		sample, _ := json.Marshal(req.SampleRow)
		b.WriteString("Sample row: ")
		b.Write(sample)
		b.WriteString("\n")
	}
	b.WriteString("Purpose: ")
	b.WriteString(req.Purpose)
	b.WriteString("\n\nReply with a JSON object mapping each of these roles to a column name from the list, or null when no column fits: ")
	b.WriteString(strings.Join(req.Roles, ", "))
	b.WriteString(".")
	if wantsExtraction(req.Purpose) {
		b.WriteString(` If a role's value must be extracted from a composite column, add "source_column" and "extraction_pattern" (a regex with exactly one capture group).`)
	}
	return b.String()
}

func wantsExtraction(purpose string) bool {
	p := strings.ToLower(purpose)
	return strings.Contains(p, "extract") || strings.Contains(p, "composite")
}

// parseMapping decodes the model reply. Fenced code blocks are stripped and
// minor JSON damage is repaired before decoding. An unknown column anywhere
// in the mapping invalidates the whole reply.
func parseMapping(text string, req *Request) (*Mapping, error) {
	raw := stripFence(text)
	repaired, err := jsonrepair.RepairJSON(raw)
	if err != nil {
		return nil, fmt.Errorf("repair reply: %w", err)
	}
	var reply map[string]any
	if err := json.Unmarshal([]byte(repaired), &reply); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}

	known := make(map[string]bool, len(req.Columns))
	for _, c := range req.Columns {
		known[c] = true
	}

	m := &Mapping{Columns: make(map[string]string), Source: SourceLLM}
	var srcCol, pattern string
	for k, v := range reply {
		switch k {
		case "source_column":
			srcCol, _ = v.(string)
		case "extraction_pattern":
			pattern, _ = v.(string)
		default:
			if v == nil {
				continue
			}
			col, ok := v.(string)
			if !ok {
				return nil, fmt.Errorf("role %q maps to non-string value", k)
			}
			if !known[col] {
				return nil, fmt.Errorf("role %q maps to unknown column %q", k, col)
			}
			m.Columns[k] = col
		}
	}
	if srcCol != "" || pattern != "" {
		ext, err := validateExtraction(srcCol, pattern, known)
		if err != nil {
			// A bad extraction spec does not poison the column mapping; the
			// caller simply gets no derived column.
			return m, nil
		}
		m.Extraction = ext
	}
	return m, nil
}

func validateExtraction(srcCol, pattern string, known map[string]bool) (*Extraction, error) {
	if srcCol == "" || pattern == "" {
		return nil, errors.New("incomplete extraction spec")
	}
	if !known[srcCol] {
		return nil, fmt.Errorf("unknown source column %q", srcCol)
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile pattern: %w", err)
	}
	if re.NumSubexp() != 1 {
		return nil, fmt.Errorf("pattern %q must have exactly one capture group", pattern)
	}
	return &Extraction{SourceColumn: srcCol, Pattern: pattern}, nil
}

// stripFence removes a surrounding Markdown code fence, with or without a
// language tag.
func stripFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.Index(s, "\n"); i >= 0 {
		s = s[i+1:]
	}
	if i := strings.LastIndex(s, "```"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// keywordMatch returns the first column matching the role under the lexicon,
// or the role name itself as a substring. Empty string means no match.
func keywordMatch(role string, columns []string) string {
	lr := strings.ToLower(role)
	keywords := []string{lr}
	for _, group := range lexicon {
		for _, kw := range group {
			if strings.Contains(lr, kw) {
				keywords = append(keywords, group...)
				break
			}
		}
	}
	for _, kw := range keywords {
		for _, col := range columns {
			if strings.Contains(strings.ToLower(col), kw) {
				return col
			}
		}
	}
	return ""
}

// definitionMatches pins roles to columns whose user-provided description
// names the role or one of its lexicon keywords.
func definitionMatches(req *Request) map[string]string {
	if len(req.Definitions) == 0 {
		return nil
	}
	known := make(map[string]bool, len(req.Columns))
	for _, c := range req.Columns {
		known[c] = true
	}
	// Deterministic iteration over definitions.
	cols := make([]string, 0, len(req.Definitions))
	for col := range req.Definitions {
		if known[col] {
			cols = append(cols, col)
		}
	}
	sort.Strings(cols)

	pinned := make(map[string]string)
	for _, role := range req.Roles {
		lr := strings.ToLower(role)
		keywords := []string{lr}
		for _, group := range lexicon {
			for _, kw := range group {
				if strings.Contains(lr, kw) {
					keywords = append(keywords, group...)
					break
				}
			}
		}
		for _, col := range cols {
			desc := strings.ToLower(req.Definitions[col])
			for _, kw := range keywords {
				if strings.Contains(desc, kw) {
					pinned[role] = col
					break
				}
			}
			if _, ok := pinned[role]; ok {
				break
			}
		}
	}
	return pinned
}

// cacheKey builds a stable key from the resolution inputs. JSON map encoding
// sorts keys, so identical sample rows serialize identically.
func cacheKey(req *Request) string {
	sample, _ := json.Marshal(req.SampleRow)
	roles := append([]string(nil), req.Roles...)
	sort.Strings(roles)
	return strings.Join([]string{
		req.Purpose,
		strings.Join(roles, ","),
		strings.Join(req.Columns, ","),
		string(sample),
	}, "\x1f")
}
