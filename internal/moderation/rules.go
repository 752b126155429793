package moderation

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v6"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

//go:embed rules/default.yaml
var defaultRulesYAML []byte

//go:embed rules/schema.json
var rulesSchemaJSON []byte

const rulesSchemaURL = "letterflow://moderation/rules.schema.json"

// RulesDocument is the on-disk shape of the moderation heuristics.
type RulesDocument struct {
	Version int             `yaml:"version" json:"version"`
	Safety  SafetyDocument  `yaml:"safety" json:"safety"`
	Tagging TaggingDocument `yaml:"tagging" json:"tagging"`
}

type SafetyDocument struct {
	ReviewThreshold        float64           `yaml:"review_threshold" json:"review_threshold,omitempty"`
	TrustedReviewThreshold float64           `yaml:"trusted_review_threshold" json:"trusted_review_threshold,omitempty"`
	Flags                  []FlagDocument    `yaml:"flags" json:"flags"`
	Reflective             []string          `yaml:"reflective" json:"reflective,omitempty"`
	Reducers               []ReducerDocument `yaml:"reducers" json:"reducers,omitempty"`
}

type FlagDocument struct {
	Name      string   `yaml:"name" json:"name"`
	Weight    float64  `yaml:"weight" json:"weight"`
	HardBlock bool     `yaml:"hard_block" json:"hard_block,omitempty"`
	Patterns  []string `yaml:"patterns" json:"patterns"`
}

type ReducerDocument struct {
	Name     string   `yaml:"name" json:"name"`
	Weight   float64  `yaml:"weight" json:"weight"`
	Patterns []string `yaml:"patterns" json:"patterns"`
}

type TaggingDocument struct {
	Feelings []TermDocument `yaml:"feelings" json:"feelings,omitempty"`
	Tones    []TermDocument `yaml:"tones" json:"tones,omitempty"`
}

type TermDocument struct {
	Term     string            `yaml:"term" json:"term"`
	Keywords []KeywordDocument `yaml:"keywords" json:"keywords"`
}

type KeywordDocument struct {
	Match  string  `yaml:"match" json:"match"`
	Weight float64 `yaml:"weight" json:"weight"`
}

// Rules is a compiled RulesDocument. It is immutable once built.
type Rules struct {
	ReviewThreshold        float64
	TrustedReviewThreshold float64
	Flags                  []FlagRule
	Reflective             []*regexp.Regexp
	Reducers               []ReducerRule
	Feelings               []TermRule
	Tones                  []TermRule
	// Skipped lists patterns that failed to compile; they never match.
	Skipped []string
}

type FlagRule struct {
	Flag      SafetyFlag
	Weight    float64
	HardBlock bool
	Patterns  []*regexp.Regexp
}

type ReducerRule struct {
	Name     string
	Weight   float64
	Patterns []*regexp.Regexp
}

type TermRule struct {
	Term     string
	Keywords []KeywordDocument
}

var (
	rulesSchemaOnce sync.Once
	rulesSchema     *jsonschema.Schema
	rulesSchemaErr  error
)

func compiledRulesSchema() (*jsonschema.Schema, error) {
	rulesSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(rulesSchemaJSON))
		if err != nil {
			rulesSchemaErr = err
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource(rulesSchemaURL, doc); err != nil {
			rulesSchemaErr = err
			return
		}
		rulesSchema, rulesSchemaErr = compiler.Compile(rulesSchemaURL)
	})
	return rulesSchema, rulesSchemaErr
}

// ParseRules decodes, validates and compiles a YAML rules document.
func ParseRules(data []byte) (*Rules, error) {
	var generic any
	if err := yaml.Unmarshal(data, &generic); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	asJSON, err := json.Marshal(generic)
	if err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(asJSON))
	if err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	schema, err := compiledRulesSchema()
	if err != nil {
		return nil, fmt.Errorf("rules schema: %w", err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("invalid rules: %w", err)
	}
	var doc RulesDocument
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode rules: %w", err)
	}
	return compileRules(doc), nil
}

func compileRules(doc RulesDocument) *Rules {
	rules := &Rules{
		ReviewThreshold:        doc.Safety.ReviewThreshold,
		TrustedReviewThreshold: doc.Safety.TrustedReviewThreshold,
		Feelings:               normalizeTerms(doc.Tagging.Feelings),
		Tones:                  normalizeTerms(doc.Tagging.Tones),
	}
	if rules.ReviewThreshold <= 0 {
		rules.ReviewThreshold = defaultReviewThreshold
	}
	if rules.TrustedReviewThreshold <= 0 {
		rules.TrustedReviewThreshold = defaultTrustedReviewThreshold
	}
	compile := func(patterns []string) []*regexp.Regexp {
		out := make([]*regexp.Regexp, 0, len(patterns))
		for _, pattern := range patterns {
			re, err := regexp.Compile(pattern)
			if err != nil {
				rules.Skipped = append(rules.Skipped, pattern)
				continue
			}
			out = append(out, re)
		}
		return out
	}
	for _, flag := range doc.Safety.Flags {
		rules.Flags = append(rules.Flags, FlagRule{
			Flag:      SafetyFlag(flag.Name),
			Weight:    flag.Weight,
			HardBlock: flag.HardBlock,
			Patterns:  compile(flag.Patterns),
		})
	}
	rules.Reflective = compile(doc.Safety.Reflective)
	for _, reducer := range doc.Safety.Reducers {
		rules.Reducers = append(rules.Reducers, ReducerRule{
			Name:     reducer.Name,
			Weight:   reducer.Weight,
			Patterns: compile(reducer.Patterns),
		})
	}
	return rules
}

func normalizeTerms(terms []TermDocument) []TermRule {
	out := make([]TermRule, 0, len(terms))
	for _, term := range terms {
		keywords := make([]KeywordDocument, 0, len(term.Keywords))
		for _, keyword := range term.Keywords {
			keywords = append(keywords, KeywordDocument{Match: strings.ToLower(keyword.Match), Weight: keyword.Weight})
		}
		out = append(out, TermRule{Term: strings.TrimSpace(term.Term), Keywords: keywords})
	}
	return out
}

// DefaultRules returns the embedded rules. It panics if they do not compile.
func DefaultRules() *Rules {
	rules, err := ParseRules(defaultRulesYAML)
	if err != nil {
		panic(fmt.Sprintf("embedded moderation rules: %v", err))
	}
	return rules
}

// RulesProvider serves the current rules and reloads them when the override file changes.
// A reload that fails validation keeps the previous rules.
type RulesProvider struct {
	path    string
	logger  *zap.Logger
	current atomic.Pointer[Rules]

	mu      sync.Mutex
	watcher *fsnotify.Watcher
}

func NewRulesProvider(path string, logger *zap.Logger) (*RulesProvider, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &RulesProvider{path: strings.TrimSpace(path), logger: logger}
	if p.path == "" {
		p.current.Store(DefaultRules())
		return p, nil
	}
	if err := p.Reload(); err != nil {
		return nil, err
	}
	return p, nil
}

// StaticRules wraps fixed rules, mostly for tests.
func StaticRules(rules *Rules) *RulesProvider {
	p := &RulesProvider{logger: zap.NewNop()}
	p.current.Store(rules)
	return p
}

func (p *RulesProvider) Current() *Rules {
	return p.current.Load()
}

func (p *RulesProvider) Reload() error {
	if p.path == "" {
		return nil
	}
	data, err := os.ReadFile(p.path)
	if err != nil {
		return fmt.Errorf("read rules: %w", err)
	}
	rules, err := ParseRules(data)
	if err != nil {
		return err
	}
	if len(rules.Skipped) > 0 {
		p.logger.Warn("moderation rules contain invalid patterns", zap.Strings("patterns", rules.Skipped))
	}
	p.current.Store(rules)
	p.logger.Info("moderation rules loaded", zap.String("path", p.path), zap.Int("flags", len(rules.Flags)))
	return nil
}

// Watch reloads the rules whenever the file changes until ctx is done.
func (p *RulesProvider) Watch(ctx context.Context) error {
	if p.path == "" {
		return nil
	}
	p.mu.Lock()
	if p.watcher != nil {
		p.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		p.mu.Unlock()
		return err
	}
	p.watcher = watcher
	p.mu.Unlock()

	// Editors replace files on save, so watch the directory instead of the file.
	if err := watcher.Add(filepath.Dir(p.path)); err != nil {
		_ = p.Close()
		return err
	}
	target := filepath.Clean(p.path)
	go func() {
		for {
			select {
			case <-ctx.Done():
				_ = p.Close()
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
					continue
				}
				if err := p.Reload(); err != nil {
					p.logger.Warn("moderation rules reload failed", zap.Error(err))
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				if !errors.Is(err, fsnotify.ErrEventOverflow) {
					p.logger.Warn("moderation rules watcher error", zap.Error(err))
				}
			}
		}
	}()
	return nil
}

func (p *RulesProvider) Close() error {
	p.mu.Lock()
	watcher := p.watcher
	p.watcher = nil
	p.mu.Unlock()
	if watcher != nil {
		return watcher.Close()
	}
	return nil
}
