package vision

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	fuzzy "github.com/paul-mannino/go-fuzzywuzzy"
)

// Mode selects the analysis pass. Light produces the initial description,
// tags, and a first OCR read; full refines the OCR text on assets that
// already carry a light result.
type Mode string

const (
	ModeLight Mode = "light"
	ModeFull  Mode = "full"
)

// ModelCard identifies an analyzer build. Name and Version together map to
// one aimodel row, which is how results are stamped for staleness checks.
type ModelCard struct {
	Name    string
	Version string
}

// VisualAnalysis is the document stored on assets and, nested per scene,
// on video scene metadata.
type VisualAnalysis struct {
	Description  string   `json:"description,omitempty"`
	Tags         []string `json:"tags"`
	OCRText      string   `json:"ocr_text,omitempty"`
	ModelName    string   `json:"model_name,omitempty"`
	ModelVersion string   `json:"model_version,omitempty"`
}

type Analyzer interface {
	ModelCard() ModelCard
	AnalyzeImage(ctx context.Context, imagePath string, mode Mode) (*VisualAnalysis, error)
}

var (
	registryMu sync.Mutex
	factories  = map[string]func() (Analyzer, error){}
	instances  = map[string]Analyzer{}
)

// Register makes an analyzer constructible by name. Analyzers hold loaded
// model state, so construction is deferred until first Get.
func Register(name string, factory func() (Analyzer, error)) {
	registryMu.Lock()
	defer registryMu.Unlock()
	factories[name] = factory
}

// Get returns the memoized analyzer for name, constructing it on first use.
func Get(name string) (Analyzer, error) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if a, ok := instances[name]; ok {
		return a, nil
	}
	factory, ok := factories[name]
	if !ok {
		return nil, fmt.Errorf("unknown analyzer %q (known: %s)", name, strings.Join(knownLocked(), ", "))
	}
	a, err := factory()
	if err != nil {
		return nil, fmt.Errorf("construct analyzer %q: %w", name, err)
	}
	instances[name] = a
	return a, nil
}

// ResetRegistry drops memoized instances. Registered factories survive; this
// exists so tests can swap analyzer construction without process restarts.
func ResetRegistry() {
	registryMu.Lock()
	defer registryMu.Unlock()
	instances = map[string]Analyzer{}
}

func Known() []string {
	registryMu.Lock()
	defer registryMu.Unlock()
	return knownLocked()
}

func knownLocked() []string {
	names := make([]string, 0, len(factories))
	for name := range factories {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// nearDuplicateRatio is the token-sort similarity above which two tags are
// considered the same concept ("golden retriever" vs "retriever, golden").
const nearDuplicateRatio = 90

// NormalizeTags trims, drops empties, and collapses near-duplicate tags
// while preserving first-seen order and casing.
func NormalizeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if isNearDuplicate(tag, out) {
			continue
		}
		out = append(out, tag)
	}
	return out
}

func isNearDuplicate(tag string, kept []string) bool {
	lower := strings.ToLower(tag)
	for _, k := range kept {
		if strings.ToLower(k) == lower {
			return true
		}
		if fuzzy.TokenSortRatio(lower, strings.ToLower(k)) >= nearDuplicateRatio {
			return true
		}
	}
	return false
}

// MergeRefinement folds a full-pass result into an existing light-pass
// document: OCR text is replaced when the refinement produced any, tags are
// unioned, and the description from the light pass is kept.
func MergeRefinement(base, refined *VisualAnalysis) *VisualAnalysis {
	if base == nil {
		base = &VisualAnalysis{}
	}
	merged := *base
	if refined != nil {
		if refined.OCRText != "" {
			merged.OCRText = refined.OCRText
		}
		merged.Tags = NormalizeTags(append(append([]string{}, base.Tags...), refined.Tags...))
	}
	if merged.Tags == nil {
		merged.Tags = []string{}
	}
	return &merged
}
