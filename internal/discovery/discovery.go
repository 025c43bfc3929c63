// Package discovery locates the work items ("stories") belonging to a unit.
//
// Story files accumulated under several naming conventions over time, so
// discovery unions four matching strategies: content references to the unit
// id, and three filename grammars. Hits are deduplicated by resolved path
// and ordered by version-aware natural ordering of the extracted sequence,
// so execution order is deterministic across runs.
//
// Discovery is read-only: it never creates or mutates files.
package discovery

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/storylinehq/storyline/internal/types"
)

// DiscoveryError reports that a unit has no discoverable work items.
// The caller must exit before any phase is invoked.
type DiscoveryError struct {
	UnitID    string
	Locations []string
}

func (e *DiscoveryError) Error() string {
	return fmt.Sprintf("no work items found for unit %q (searched: %s)",
		e.UnitID, strings.Join(e.Locations, ", "))
}

// Discoverer finds work items across a list of candidate locations.
type Discoverer struct {
	locations []string
}

// New creates a Discoverer over the given storage locations, checked in
// order. Missing directories are skipped silently.
func New(locations []string) *Discoverer {
	return &Discoverer{locations: locations}
}

// filenamePatterns are the three filename grammars, compiled per unit id.
// Sequence is the first capture group, slug the second.
type filenamePatterns struct {
	plain      *regexp.Regexp // {unit}-{seq}-{slug}.md
	dotted     *regexp.Regexp // story-{unit}.{seq}-{slug}.md
	prefixed   *regexp.Regexp // story-{unit}-{seq}-{slug}.md
	contentRef *regexp.Regexp // unit id as a whole word in the body
}

func compilePatterns(unitID string) (*filenamePatterns, error) {
	q := regexp.QuoteMeta(unitID)
	const seq = `(\d+(?:\.\d+)*)`

	plain, err := regexp.Compile(`^` + q + `-` + seq + `-(.+)\.md$`)
	if err != nil {
		return nil, fmt.Errorf("compiling filename pattern: %w", err)
	}
	dotted, err := regexp.Compile(`^story-` + q + `\.` + seq + `-(.+)\.md$`)
	if err != nil {
		return nil, fmt.Errorf("compiling filename pattern: %w", err)
	}
	prefixed, err := regexp.Compile(`^story-` + q + `-` + seq + `-(.+)\.md$`)
	if err != nil {
		return nil, fmt.Errorf("compiling filename pattern: %w", err)
	}
	contentRef, err := regexp.Compile(`(?im)\b` + q + `\b`)
	if err != nil {
		return nil, fmt.Errorf("compiling content pattern: %w", err)
	}

	return &filenamePatterns{
		plain:      plain,
		dotted:     dotted,
		prefixed:   prefixed,
		contentRef: contentRef,
	}, nil
}

// Discover returns the unit's work items in execution order. An empty
// union across all locations and strategies is a *DiscoveryError.
func (d *Discoverer) Discover(unitID string) ([]*types.WorkItem, error) {
	if unitID == "" {
		return nil, fmt.Errorf("unit id is required")
	}

	patterns, err := compilePatterns(unitID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	var items []*types.WorkItem

	for _, loc := range d.locations {
		entries, err := os.ReadDir(loc)
		if err != nil {
			// Candidate locations are optional; only existing ones count.
			continue
		}

		for _, entry := range entries {
			name := entry.Name()
			if entry.IsDir() || !strings.HasSuffix(name, ".md") {
				continue
			}

			path := filepath.Join(loc, name)
			seq, matched := matchFilename(patterns, name)

			var body string
			if !matched {
				data, err := os.ReadFile(path)
				if err != nil {
					continue
				}
				if !patterns.contentRef.Match(data) {
					continue
				}
				body = string(data)
				seq = looseSequence(name)
			}

			resolved := resolvePath(path)
			if seen[resolved] {
				continue
			}
			seen[resolved] = true

			if body == "" {
				data, err := os.ReadFile(path)
				if err != nil {
					return nil, fmt.Errorf("reading work item %s: %w", path, err)
				}
				body = string(data)
			}

			id := strings.TrimSuffix(name, ".md")
			items = append(items, &types.WorkItem{
				ID:       id,
				UnitID:   unitID,
				Path:     path,
				Title:    extractTitle(body, id),
				Spec:     body,
				Sequence: seq,
				Status:   types.StatusPending,
			})
		}
	}

	if len(items) == 0 {
		return nil, &DiscoveryError{UnitID: unitID, Locations: d.locations}
	}

	sortItems(items)
	return items, nil
}

// matchFilename tries the three filename grammars and returns the extracted
// sequence on a hit.
func matchFilename(p *filenamePatterns, name string) (string, bool) {
	for _, re := range []*regexp.Regexp{p.plain, p.dotted, p.prefixed} {
		if m := re.FindStringSubmatch(name); m != nil {
			return m[1], true
		}
	}
	return "", false
}

// looseSequence pulls the first dotted number out of a filename that only
// matched by content reference, so those files still order sensibly.
var looseSeqRe = regexp.MustCompile(`(\d+(?:\.\d+)*)`)

func looseSequence(name string) string {
	if m := looseSeqRe.FindStringSubmatch(name); m != nil {
		return m[1]
	}
	return ""
}

// resolvePath canonicalizes a path for deduplication across locations that
// alias the same file.
func resolvePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real
	}
	return abs
}

// extractTitle returns the first markdown heading, falling back to the id.
func extractTitle(body, fallback string) string {
	for _, line := range strings.Split(body, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "#") {
			return strings.TrimSpace(strings.TrimLeft(trimmed, "# "))
		}
	}
	return fallback
}

// sortItems orders by sequence using semver comparison (so 3.2 sorts before
// 3.10), with the item id as tiebreaker. Items without a sequence sort last.
func sortItems(items []*types.WorkItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch {
		case a.Sequence == "" && b.Sequence == "":
			return a.ID < b.ID
		case a.Sequence == "":
			return false
		case b.Sequence == "":
			return true
		}
		if c := semver.Compare(canonicalSequence(a.Sequence), canonicalSequence(b.Sequence)); c != 0 {
			return c < 0
		}
		return a.ID < b.ID
	})
}

// canonicalSequence turns a dotted sequence like "3.10" into a form the
// semver package can compare ("v3.10"). Extra segments beyond three are
// dropped; semver fills missing ones with zero.
func canonicalSequence(seq string) string {
	parts := strings.Split(seq, ".")
	if len(parts) > 3 {
		parts = parts[:3]
	}
	for i, p := range parts {
		parts[i] = strings.TrimLeft(p, "0")
		if parts[i] == "" {
			parts[i] = "0"
		}
	}
	return "v" + strings.Join(parts, ".")
}
