// Package unit defines the extracted-unit data model and read-only access to
// the on-disk extraction tree produced by the upstream extractor.
package unit

import (
	"crypto/sha256"
	"encoding/hex"
	"time"
)

// Type tags the kind of an extracted unit.
type Type string

const (
	TypeModel           Type = "model"
	TypeController      Type = "controller"
	TypeService         Type = "service"
	TypeJob             Type = "job"
	TypeMailer          Type = "mailer"
	TypeComponent       Type = "component"
	TypeConcern         Type = "concern"
	TypeRoute           Type = "route"
	TypeFramework       Type = "framework"
	TypeSchema          Type = "schema"
	TypeGraphQLType     Type = "graphql_type"
	TypeGraphQLMutation Type = "graphql_mutation"
	TypeGraphQLResolver Type = "graphql_resolver"
	TypeGraphQLQuery    Type = "graphql_query"
	TypeChunk           Type = "chunk"
	TypeUnknown         Type = "unknown"
)

// ChangeFrequency is the git-derived activity class of a unit.
type ChangeFrequency string

const (
	ChangeHot     ChangeFrequency = "hot"
	ChangeActive  ChangeFrequency = "active"
	ChangeStable  ChangeFrequency = "stable"
	ChangeDormant ChangeFrequency = "dormant"
	ChangeNew     ChangeFrequency = "new"
	ChangeUnknown ChangeFrequency = "unknown"
)

// ChunkKind classifies a chunk within a unit.
type ChunkKind string

const (
	ChunkSummary      ChunkKind = "summary"
	ChunkAssociations ChunkKind = "associations"
	ChunkCallbacks    ChunkKind = "callbacks"
	ChunkValidations  ChunkKind = "validations"
	ChunkScopes       ChunkKind = "scopes"
	ChunkAction       ChunkKind = "action"
	ChunkFieldGroup   ChunkKind = "field_group"
	ChunkConcern      ChunkKind = "concern"
	ChunkWhole        ChunkKind = "whole"
	ChunkBody         ChunkKind = "body"
)

// Dependency is a typed forward edge from one unit to another.
type Dependency struct {
	Target string `json:"target_identifier"`
	Kind   string `json:"relation_kind"`
}

// Chunk is a sub-section of a unit embedded and retrieved as a first-class
// candidate.
type Chunk struct {
	ID            string    `json:"chunk_id"`
	Kind          ChunkKind `json:"chunk_kind"`
	Content       string    `json:"content"`
	ContentHash   string    `json:"content_hash"`
	TokenEstimate int       `json:"token_estimate"`
}

// ExtractedUnit is the atomic record produced by the extractor and consumed
// read-only by the engine.
type ExtractedUnit struct {
	Identifier   string         `json:"identifier"`
	Type         Type           `json:"type"`
	FilePath     string         `json:"file_path"`
	Namespace    string         `json:"namespace"`
	SourceCode   string         `json:"source_code"`
	Metadata     map[string]any `json:"metadata"`
	Dependencies []Dependency   `json:"dependencies"`
	// Dependents is the reverse edge set, recomputed on load; the extractor
	// does not write it.
	Dependents      []string `json:"dependents,omitempty"`
	Chunks          []Chunk  `json:"chunks"`
	SourceHash      string   `json:"source_hash"`
	EstimatedTokens int      `json:"estimated_tokens"`
}

// ChangeFrequency reads the git change class from metadata; missing or
// malformed values report unknown.
func (u *ExtractedUnit) ChangeFrequency() ChangeFrequency {
	git, ok := u.Metadata["git"].(map[string]any)
	if !ok {
		return ChangeUnknown
	}
	freq, ok := git["change_frequency"].(string)
	if !ok {
		return ChangeUnknown
	}
	switch ChangeFrequency(freq) {
	case ChangeHot, ChangeActive, ChangeStable, ChangeDormant, ChangeNew:
		return ChangeFrequency(freq)
	default:
		return ChangeUnknown
	}
}

// LastModified reads the git last_modified timestamp, zero when absent.
func (u *ExtractedUnit) LastModified() time.Time {
	git, ok := u.Metadata["git"].(map[string]any)
	if !ok {
		return time.Time{}
	}
	raw, ok := git["last_modified"].(string)
	if !ok {
		return time.Time{}
	}
	ts, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// MetadataStrings extracts a []string metadata field, tolerating the
// []any form JSON decoding produces.
func (u *ExtractedUnit) MetadataStrings(key string) []string {
	switch v := u.Metadata[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// MetadataCount returns the length of a list-valued metadata field.
func (u *ExtractedUnit) MetadataCount(key string) int {
	if v, ok := u.Metadata[key].([]any); ok {
		return len(v)
	}
	return len(u.MetadataStrings(key))
}

// HashContent returns the lowercase hex SHA-256 of s, the hash form used for
// content_hash and source_hash throughout the tree.
func HashContent(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
