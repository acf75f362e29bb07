package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/bull/context-core/internal/search"
)

var queryFlags struct {
	tenant     string
	selector   string
	topK       int
	minScore   float64
	languages  []string
	kinds      []string
	repository string
	pathPrefix string
	noRerank   bool
	jsonOut    bool
}

var queryCmd = &cobra.Command{
	Use:   "query <text>",
	Short: "Hybrid search across datasets",
	Long: `Searches the selected datasets and prints one merged ranking.

Selectors:
  *              every dataset of the tenant plus global datasets (default)
  api            one dataset by name
  api,web        a comma separated list
  api-*          a glob over dataset names
  @docs          a configured alias`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

func init() {
	f := queryCmd.Flags()
	f.StringVar(&queryFlags.tenant, "tenant", "", "tenant whose datasets are searched alongside global ones")
	f.StringVarP(&queryFlags.selector, "select", "s", "*", "datasets to search")
	f.IntVarP(&queryFlags.topK, "top-k", "k", 0, "maximum number of results (default from config)")
	f.Float64Var(&queryFlags.minScore, "min-score", 0, "minimum fused score between 0 and 1")
	f.StringSliceVar(&queryFlags.languages, "lang", nil, "only these languages")
	f.StringSliceVar(&queryFlags.kinds, "kind", nil, "only these chunk kinds: code, text")
	f.StringVar(&queryFlags.repository, "repo", "", "only results from this owner/repo")
	f.StringVar(&queryFlags.pathPrefix, "path-prefix", "", "only results under this path")
	f.BoolVar(&queryFlags.noRerank, "no-rerank", false, "skip the cross-encoder")
	f.BoolVar(&queryFlags.jsonOut, "json", false, "print the response as JSON")
}

func runQuery(cmd *cobra.Command, args []string) error {
	a, err := setup(true)
	if err != nil {
		return err
	}
	defer closeApp(a)

	req := search.Request{
		Tenant:    queryFlags.tenant,
		Selector:  queryFlags.selector,
		Query:     strings.Join(args, " "),
		TopK:      queryFlags.topK,
		Threshold: queryFlags.minScore,
		Filters: search.Filters{
			Repository: queryFlags.repository,
			Languages:  queryFlags.languages,
			Kinds:      queryFlags.kinds,
			PathPrefix: queryFlags.pathPrefix,
		},
	}
	if queryFlags.noRerank {
		off := false
		req.Rerank = &off
	}

	resp, err := a.Engine.Search(context.Background(), req)
	if err != nil {
		return fmt.Errorf("search failed: %w", err)
	}

	if queryFlags.jsonOut {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(resp)
	}

	if len(resp.Results) == 0 {
		printf("No matching content found in %d collection(s).\n", len(resp.Collections))
		return nil
	}
	for i, r := range resp.Results {
		printf("%2d. %.4f  %s", i+1, r.Score, r.Locator)
		if r.StartLine > 0 {
			printf(":%d-%d", r.StartLine, r.EndLine)
		}
		printf("  [%s]\n", datasetLabel(r))
		if r.HeaderPath != "" {
			printf("    %s\n", r.HeaderPath)
		}
		printf("    %s\n\n", snippet(r.Text, 240))
	}
	printf("%d result(s) from %d collection(s) in %s (embed %s, search %s, rerank %s)\n",
		len(resp.Results), len(resp.Collections),
		resp.Timing.Total, resp.Timing.Embed, resp.Timing.Search, resp.Timing.Rerank)
	return nil
}

func datasetLabel(r search.Result) string {
	if r.Tenant == "" {
		return r.Dataset
	}
	return r.Tenant + "/" + r.Dataset
}

// snippet flattens whitespace and truncates to n runes.
func snippet(text string, n int) string {
	flat := strings.Join(strings.Fields(text), " ")
	runes := []rune(flat)
	if len(runes) <= n {
		return flat
	}
	return string(runes[:n]) + "..."
}
