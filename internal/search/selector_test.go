package search

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bull/context-core/internal/ledger"
)

func names(ds []ledger.Dataset) []string {
	out := make([]string, len(ds))
	for i, d := range ds {
		out[i] = d.Name
	}
	return out
}

func TestSelect(t *testing.T) {
	known := []ledger.Dataset{
		{ID: "1", Name: "api-docs", SourceKind: "crawl"},
		{ID: "2", Name: "backend", SourceKind: "repository"},
		{ID: "3", Name: "frontend", SourceKind: "local"},
		{ID: "4", Name: "Team Notes", SourceKind: "local"},
	}
	aliases := map[string]Alias{
		"code": {Kinds: []string{"local", "repository"}},
		"docs": {Patterns: []string{"*docs*", "*notes*"}},
	}

	tests := []struct {
		selector string
		want     []string
	}{
		{"", []string{"api-docs", "backend", "frontend", "Team Notes"}},
		{"*", []string{"api-docs", "backend", "frontend", "Team Notes"}},
		{"backend", []string{"backend"}},
		{"BACKEND", []string{"backend"}},
		{"team notes", []string{"Team Notes"}},
		{"frontend, backend", []string{"backend", "frontend"}},
		{"*end", []string{"backend", "frontend"}},
		{"api_*", []string{"api-docs"}},
		{"@code", []string{"backend", "frontend", "Team Notes"}},
		{"@docs", []string{"api-docs", "Team Notes"}},
		{"@docs,backend,backend", []string{"api-docs", "backend", "Team Notes"}},
	}
	for _, tt := range tests {
		got, err := Select(tt.selector, known, aliases)
		require.NoError(t, err, tt.selector)
		assert.Equal(t, tt.want, names(got), tt.selector)
	}
}

func TestSelect_Errors(t *testing.T) {
	known := []ledger.Dataset{{ID: "1", Name: "backend"}}

	_, err := Select("missing", known, nil)
	assert.ErrorIs(t, err, ErrUnknownDataset)

	_, err = Select("@nope", known, nil)
	assert.ErrorIs(t, err, ErrUnknownAlias)

	_, err = Select("zzz*", known, nil)
	assert.ErrorIs(t, err, ErrNoDatasets)

	_, err = Select("[", known, nil)
	assert.Error(t, err)

	_, err = Select("*", nil, nil)
	assert.ErrorIs(t, err, ErrNoDatasets)
}
