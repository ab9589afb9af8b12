package unit

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestValidIdentifier(t *testing.T) {
	valid := []string{"Order", "Admin::UsersController", "Order#total", "order_item", "V2:Thing"}
	for _, id := range valid {
		assert.True(t, ValidIdentifier(id), id)
	}

	invalid := []string{"", "Order Service", "../escape", "Order/Item", "café"}
	for _, id := range invalid {
		assert.False(t, ValidIdentifier(id), id)
	}
}

func TestFileNameRoundTrip(t *testing.T) {
	for _, id := range []string{"Order", "Admin::UsersController", "Order#total"} {
		name := FileNameFor(id)
		assert.NotContains(t, name, ":")
		assert.NotContains(t, name, "#")

		got, ok := IdentifierFromFileName(name)
		assert.True(t, ok)
		assert.Equal(t, id, got)
	}

	_, ok := IdentifierFromFileName("_index.json")
	assert.False(t, ok)
	_, ok = IdentifierFromFileName("notes.txt")
	assert.False(t, ok)
	_, ok = IdentifierFromFileName(".json")
	assert.False(t, ok)
}

func TestTokenEstimates(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(""))
	assert.Equal(t, 1, EstimateTokens("abc"))
	assert.Equal(t, 1, EstimateTokens("abcd"))
	assert.Equal(t, 2, EstimateTokens("abcde"))

	assert.Equal(t, 0, TokensToChars(0))
	assert.Equal(t, 400, TokensToChars(100))
}

func TestHashContent(t *testing.T) {
	a := HashContent("class Order\nend\n")
	b := HashContent("class Order\nend\n")
	assert.Equal(t, a, b)
	assert.Len(t, a, 64)
	assert.NotEqual(t, a, HashContent("class Order\n end\n"))
}

func TestChangeFrequency(t *testing.T) {
	u := &ExtractedUnit{Metadata: map[string]any{
		"git": map[string]any{"change_frequency": "hot"},
	}}
	assert.Equal(t, ChangeHot, u.ChangeFrequency())

	u.Metadata["git"] = map[string]any{"change_frequency": "volcanic"}
	assert.Equal(t, ChangeUnknown, u.ChangeFrequency())

	u.Metadata = map[string]any{"git": "not a map"}
	assert.Equal(t, ChangeUnknown, u.ChangeFrequency())

	u.Metadata = nil
	assert.Equal(t, ChangeUnknown, u.ChangeFrequency())
}

func TestLastModified(t *testing.T) {
	u := &ExtractedUnit{Metadata: map[string]any{
		"git": map[string]any{"last_modified": "2026-08-19T12:00:00Z"},
	}}
	assert.Equal(t, time.Date(2026, 8, 19, 12, 0, 0, 0, time.UTC), u.LastModified())

	u.Metadata["git"] = map[string]any{"last_modified": "yesterday"}
	assert.True(t, u.LastModified().IsZero())

	u.Metadata = nil
	assert.True(t, u.LastModified().IsZero())
}

func TestMetadataStrings(t *testing.T) {
	u := &ExtractedUnit{Metadata: map[string]any{
		"columns": []any{"id", "total", 42, "state"},
		"scopes":  []string{"recent", "paid"},
	}}
	// Non-string members of the JSON-decoded form are dropped.
	assert.Equal(t, []string{"id", "total", "state"}, u.MetadataStrings("columns"))
	assert.Equal(t, []string{"recent", "paid"}, u.MetadataStrings("scopes"))
	assert.Nil(t, u.MetadataStrings("missing"))

	assert.Equal(t, 4, u.MetadataCount("columns"))
	assert.Equal(t, 2, u.MetadataCount("scopes"))
	assert.Equal(t, 0, u.MetadataCount("missing"))
}
