// Package scope maps human-readable tenant and dataset names to stable
// identifiers and physical collection names.
//
// The derivation in this file is a storage-layout contract: changing the
// namespace, the normalisation or the name format orphans every existing
// collection.
package scope

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// Scope is the visibility class of a dataset.
type Scope string

const (
	Global  Scope = "global"
	Project Scope = "project"
	Local   Scope = "local"
)

// MaxCollectionName bounds generated collection names. Longer names are
// truncated and suffixed with a short hash of the full name.
const MaxCollectionName = 200

// ErrInvalidScope is returned for an unknown scope or a missing name.
var ErrInvalidScope = errors.New("invalid scope")

// namespace is the fixed UUIDv5 namespace for all derived identifiers.
var namespace = uuid.MustParse("6f1c2a9e-4b7d-5e38-9a0c-3d2e1f4b5a67")

// ParseScope parses a scope string. Empty defaults to project.
func ParseScope(s string) (Scope, error) {
	switch Scope(strings.ToLower(strings.TrimSpace(s))) {
	case "", Project:
		return Project, nil
	case Global:
		return Global, nil
	case Local:
		return Local, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidScope, s)
	}
}

// Normalize lower-cases name and collapses every run of characters outside
// [a-z0-9] into a single underscore, trimming underscores at both ends.
func Normalize(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	pendingSep := false
	for _, r := range strings.ToLower(name) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			if pendingSep && b.Len() > 0 {
				b.WriteByte('_')
			}
			pendingSep = false
			b.WriteRune(r)
			continue
		}
		pendingSep = true
	}
	return b.String()
}

// TenantID derives the tenant identifier. An empty name yields an empty id,
// which marks global datasets.
func TenantID(tenantName string) string {
	norm := Normalize(tenantName)
	if norm == "" {
		return ""
	}
	return uuid.NewSHA1(namespace, []byte("tenant:"+norm)).String()
}

// DatasetID derives the dataset identifier from the normalised tenant and
// dataset names. Global datasets use an empty tenant part.
func DatasetID(tenantName, datasetName string) string {
	key := "dataset:" + Normalize(tenantName) + "/" + Normalize(datasetName)
	return uuid.NewSHA1(namespace, []byte(key)).String()
}

// CollectionName builds the inspectable physical collection name.
func CollectionName(s Scope, tenantName, datasetName string) string {
	ds := Normalize(datasetName)
	var name string
	switch s {
	case Global:
		name = "global_" + ds
	default:
		name = string(s) + "_" + Normalize(tenantName) + "_" + ds
	}
	if len(name) <= MaxCollectionName {
		return name
	}
	sum := sha256.Sum256([]byte(name))
	suffix := hex.EncodeToString(sum[:])[:8]
	return strings.TrimRight(name[:MaxCollectionName-9], "_") + "_" + suffix
}

// Identity is the result of resolving a request.
type Identity struct {
	TenantID       string
	TenantName     string
	DatasetID      string
	DatasetName    string
	Scope          Scope
	CollectionName string
	Legacy         bool
}

// Derive computes the identity without touching any store. Global scope
// discards the tenant.
func Derive(tenantName, datasetName string, s Scope) (Identity, error) {
	if Normalize(datasetName) == "" {
		return Identity{}, fmt.Errorf("%w: dataset name is required", ErrInvalidScope)
	}
	if s == Global {
		tenantName = ""
	} else if Normalize(tenantName) == "" {
		return Identity{}, fmt.Errorf("%w: tenant name is required for %s scope", ErrInvalidScope, s)
	}
	return Identity{
		TenantID:       TenantID(tenantName),
		TenantName:     tenantName,
		DatasetID:      DatasetID(tenantName, datasetName),
		DatasetName:    datasetName,
		Scope:          s,
		CollectionName: CollectionName(s, tenantName, datasetName),
	}, nil
}
