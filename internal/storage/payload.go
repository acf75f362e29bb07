package storage

import (
	"time"

	"github.com/qdrant/go-client/qdrant"
)

// Payload field names. Fields listed in indexedFields get keyword indexes.
const (
	fieldTenantID   = "tenant_id"
	fieldDatasetID  = "dataset_id"
	fieldPath       = "path"
	fieldRelPath    = "rel_path"
	fieldDirs       = "dirs"
	fieldURL        = "url"
	fieldStartLine  = "start_line"
	fieldEndLine    = "end_line"
	fieldStartChar  = "start_char"
	fieldEndChar    = "end_char"
	fieldKind       = "kind"
	fieldLanguage   = "language"
	fieldContent    = "content"
	fieldHeaderPath = "header_path"
	fieldChunkIndex = "chunk_index"
	fieldRepository = "repository"
	fieldBranch     = "branch"
	fieldRevision   = "revision"
	fieldMetadata   = "metadata"
	fieldIndexedAt  = "indexed_at"
)

var indexedFields = []string{
	fieldTenantID,
	fieldDatasetID,
	fieldPath,
	fieldRelPath,
	fieldDirs,
	fieldKind,
	fieldLanguage,
	fieldRepository,
}

func (p Payload) toMap() map[string]any {
	m := map[string]any{
		fieldTenantID:   p.TenantID,
		fieldDatasetID:  p.DatasetID,
		fieldPath:       p.Path,
		fieldRelPath:    p.RelPath,
		fieldURL:        p.URL,
		fieldStartLine:  int64(p.StartLine),
		fieldEndLine:    int64(p.EndLine),
		fieldStartChar:  int64(p.StartChar),
		fieldEndChar:    int64(p.EndChar),
		fieldKind:       p.Kind,
		fieldLanguage:   p.Language,
		fieldContent:    p.Content,
		fieldHeaderPath: p.HeaderPath,
		fieldChunkIndex: int64(p.ChunkIndex),
		fieldRepository: p.Repository,
		fieldBranch:     p.Branch,
		fieldRevision:   p.Revision,
		fieldIndexedAt:  p.IndexedAt.UTC().Format(time.RFC3339),
	}

	// NewValueMap only converts []any, not []string.
	dirs := make([]any, len(p.Dirs))
	for i, d := range p.Dirs {
		dirs[i] = d
	}
	m[fieldDirs] = dirs

	meta := make(map[string]any, len(p.Metadata))
	for k, v := range p.Metadata {
		meta[k] = v
	}
	m[fieldMetadata] = meta
	return m
}

func payloadFrom(values map[string]*qdrant.Value) Payload {
	str := func(k string) string { return values[k].GetStringValue() }
	num := func(k string) int { return int(values[k].GetIntegerValue()) }

	p := Payload{
		TenantID:   str(fieldTenantID),
		DatasetID:  str(fieldDatasetID),
		Path:       str(fieldPath),
		RelPath:    str(fieldRelPath),
		URL:        str(fieldURL),
		StartLine:  num(fieldStartLine),
		EndLine:    num(fieldEndLine),
		StartChar:  num(fieldStartChar),
		EndChar:    num(fieldEndChar),
		Kind:       str(fieldKind),
		Language:   str(fieldLanguage),
		Content:    str(fieldContent),
		HeaderPath: str(fieldHeaderPath),
		ChunkIndex: num(fieldChunkIndex),
		Repository: str(fieldRepository),
		Branch:     str(fieldBranch),
		Revision:   str(fieldRevision),
	}

	if t, err := time.Parse(time.RFC3339, str(fieldIndexedAt)); err == nil {
		p.IndexedAt = t
	}
	if list := values[fieldDirs].GetListValue(); list != nil {
		for _, v := range list.GetValues() {
			p.Dirs = append(p.Dirs, v.GetStringValue())
		}
	}
	if st := values[fieldMetadata].GetStructValue(); st != nil && len(st.GetFields()) > 0 {
		p.Metadata = make(map[string]string, len(st.GetFields()))
		for k, v := range st.GetFields() {
			p.Metadata[k] = v.GetStringValue()
		}
	}
	return p
}
