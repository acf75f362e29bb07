package storage

import "github.com/qdrant/go-client/qdrant"

// Filter narrows a search or count. Zero fields are ignored.
type Filter struct {
	TenantID   string
	DatasetIDs []string
	Repository string
	Languages  []string
	Kinds      []string
	// PathPrefix matches a directory (via the dirs payload) or an exact
	// relative path.
	PathPrefix string
	// Path matches the ledger key exactly.
	Path string
}

// IsZero reports whether the filter has no conditions.
func (f Filter) IsZero() bool {
	return f.TenantID == "" && len(f.DatasetIDs) == 0 && f.Repository == "" &&
		len(f.Languages) == 0 && len(f.Kinds) == 0 && f.PathPrefix == "" && f.Path == ""
}

func (f Filter) build() *qdrant.Filter {
	if f.IsZero() {
		return nil
	}

	var must []*qdrant.Condition
	if f.TenantID != "" {
		must = append(must, qdrant.NewMatch(fieldTenantID, f.TenantID))
	}
	switch len(f.DatasetIDs) {
	case 0:
	case 1:
		must = append(must, qdrant.NewMatch(fieldDatasetID, f.DatasetIDs[0]))
	default:
		must = append(must, qdrant.NewMatchKeywords(fieldDatasetID, f.DatasetIDs...))
	}
	if f.Repository != "" {
		must = append(must, qdrant.NewMatch(fieldRepository, f.Repository))
	}
	if len(f.Languages) > 0 {
		must = append(must, qdrant.NewMatchKeywords(fieldLanguage, f.Languages...))
	}
	if len(f.Kinds) > 0 {
		must = append(must, qdrant.NewMatchKeywords(fieldKind, f.Kinds...))
	}
	if f.Path != "" {
		must = append(must, qdrant.NewMatch(fieldPath, f.Path))
	}
	if prefix := NormalizePrefix(f.PathPrefix); prefix != "" {
		must = append(must, qdrant.NewFilterAsCondition(&qdrant.Filter{
			Should: []*qdrant.Condition{
				qdrant.NewMatch(fieldDirs, prefix),
				qdrant.NewMatch(fieldRelPath, prefix),
			},
		}))
	}
	return &qdrant.Filter{Must: must}
}
