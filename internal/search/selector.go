package search

import (
	"errors"
	"fmt"
	"path"
	"strings"

	"github.com/bull/context-core/internal/ledger"
	"github.com/bull/context-core/internal/scope"
)

var (
	// ErrUnknownAlias is returned for an @alias that is not registered.
	ErrUnknownAlias = errors.New("unknown alias")

	// ErrUnknownDataset is returned for a literal name that matches nothing.
	ErrUnknownDataset = errors.New("unknown dataset")

	// ErrNoDatasets is returned when a selector matches no dataset.
	ErrNoDatasets = errors.New("selector matches no dataset")
)

// Alias is a named group of datasets: those whose name matches any of the
// glob patterns, or whose last ingested source kind is listed.
type Alias struct {
	Patterns []string
	Kinds    []string
}

func (a Alias) matches(d ledger.Dataset) (bool, error) {
	for _, k := range a.Kinds {
		if strings.EqualFold(k, d.SourceKind) {
			return true, nil
		}
	}
	for _, p := range a.Patterns {
		ok, err := matchName(p, d.Name)
		if err != nil || ok {
			return ok, err
		}
	}
	return false, nil
}

// Select expands a selector into the datasets it denotes, in the order of
// known. The grammar is a comma-separated list of terms:
//
//	*, or empty   every known dataset
//	name          the dataset with that name
//	glob          datasets whose name matches (path.Match syntax)
//	@alias        datasets matched by a registered alias
//
// Names compare in normalized form, so "My Docs" selects "my_docs".
func Select(selector string, known []ledger.Dataset, aliases map[string]Alias) ([]ledger.Dataset, error) {
	selector = strings.TrimSpace(selector)
	if selector == "" || selector == "*" {
		if len(known) == 0 {
			return nil, ErrNoDatasets
		}
		return known, nil
	}

	picked := make([]bool, len(known))
	for _, term := range strings.Split(selector, ",") {
		term = strings.TrimSpace(term)
		if term == "" {
			continue
		}
		match, err := termMatcher(term, aliases)
		if err != nil {
			return nil, err
		}

		found := false
		for i, d := range known {
			ok, err := match(d)
			if err != nil {
				return nil, fmt.Errorf("selector term %q: %w", term, err)
			}
			if ok {
				picked[i], found = true, true
			}
		}
		if !found && isLiteral(term) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownDataset, term)
		}
	}

	var out []ledger.Dataset
	for i, ok := range picked {
		if ok {
			out = append(out, known[i])
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: %q", ErrNoDatasets, selector)
	}
	return out, nil
}

func termMatcher(term string, aliases map[string]Alias) (func(ledger.Dataset) (bool, error), error) {
	switch {
	case term == "*":
		return func(ledger.Dataset) (bool, error) { return true, nil }, nil
	case strings.HasPrefix(term, "@"):
		a, ok := aliases[strings.ToLower(term[1:])]
		if !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAlias, term)
		}
		return a.matches, nil
	case isLiteral(term):
		want := scope.Normalize(term)
		return func(d ledger.Dataset) (bool, error) { return scope.Normalize(d.Name) == want, nil }, nil
	default:
		if _, err := path.Match(term, ""); err != nil {
			return nil, fmt.Errorf("selector term %q: %w", term, err)
		}
		return func(d ledger.Dataset) (bool, error) { return matchName(term, d.Name) }, nil
	}
}

// matchName matches a glob against the raw and the normalized name.
func matchName(pattern, name string) (bool, error) {
	pattern = strings.ToLower(pattern)
	ok, err := path.Match(pattern, strings.ToLower(name))
	if err != nil || ok {
		return ok, err
	}
	return path.Match(pattern, scope.Normalize(name))
}

func isLiteral(term string) bool {
	return !strings.ContainsAny(term, "*?[") && !strings.HasPrefix(term, "@")
}
