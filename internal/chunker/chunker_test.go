package chunker

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/railscope/railscope/internal/unit"
)

func modelUnit(loc int) *unit.ExtractedUnit {
	lines := make([]string, loc)
	for i := range lines {
		lines[i] = fmt.Sprintf("  line_%d", i)
	}
	return &unit.ExtractedUnit{
		Identifier: "Order",
		Type:       unit.TypeModel,
		FilePath:   "app/models/order.rb",
		SourceCode: strings.Join(lines, "\n"),
		Metadata: map[string]any{
			"associations": []any{"has_many :line_items", "belongs_to :user"},
			"validations":  []any{"validates :total, presence: true"},
			"scopes":       []any{"scope :recent"},
		},
	}
}

func TestSmallModelStaysWhole(t *testing.T) {
	c := New(8000)
	u := modelUnit(50)

	chunks := c.Chunk(u)
	require.Len(t, chunks, 1)
	assert.Equal(t, unit.ChunkWhole, chunks[0].Kind)
	assert.Equal(t, u.SourceCode, chunks[0].Content)
	assert.Equal(t, unit.HashContent(u.SourceCode), chunks[0].ContentHash)
}

func TestLargeModelSplitsBySection(t *testing.T) {
	c := New(8000)
	u := modelUnit(200)

	chunks := c.Chunk(u)
	kinds := make([]unit.ChunkKind, len(chunks))
	for i, ch := range chunks {
		kinds[i] = ch.Kind
	}
	assert.Equal(t, []unit.ChunkKind{
		unit.ChunkSummary,
		unit.ChunkAssociations,
		unit.ChunkValidations,
		unit.ChunkScopes,
	}, kinds)

	// Empty sections are skipped entirely, never emitted blank.
	for _, ch := range chunks {
		assert.NotEmpty(t, strings.TrimSpace(ch.Content))
	}
}

func TestChunkIdsAreContentAddressed(t *testing.T) {
	c := New(8000)

	first := c.Chunk(modelUnit(200))
	second := c.Chunk(modelUnit(200))
	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].ID, second[i].ID)
		assert.Equal(t, first[i].ContentHash, second[i].ContentHash)
		assert.True(t, strings.HasPrefix(first[i].ID, "Order:"), first[i].ID)
	}
}

func TestControllerChunking(t *testing.T) {
	c := New(8000)
	u := &unit.ExtractedUnit{
		Identifier: "OrdersController",
		Type:       unit.TypeController,
		SourceCode: "class OrdersController\nend\n",
		Metadata: map[string]any{
			"action_sections": []any{
				"def index\nend", "def show\nend", "def create\nend",
				"def update\nend", "def destroy\nend",
			},
		},
	}

	chunks := c.Chunk(u)
	require.Len(t, chunks, 5)
	for _, ch := range chunks {
		assert.Equal(t, unit.ChunkAction, ch.Kind)
	}

	// Below the action threshold the controller stays whole.
	u.Metadata["action_sections"] = []any{"def index\nend", "def show\nend"}
	chunks = c.Chunk(u)
	require.Len(t, chunks, 1)
	assert.Equal(t, unit.ChunkWhole, chunks[0].Kind)
}

func TestGraphQLTypeChunking(t *testing.T) {
	c := New(8000)
	fields := make([]any, 25)
	for i := range fields {
		fields[i] = fmt.Sprintf("field_%d: String", i)
	}
	u := &unit.ExtractedUnit{
		Identifier: "OrderType",
		Type:       unit.TypeGraphQLType,
		SourceCode: "class OrderType < BaseObject\nend\n",
		Metadata:   map[string]any{"fields": fields},
	}

	chunks := c.Chunk(u)
	var groups int
	for _, ch := range chunks {
		if ch.Kind == unit.ChunkFieldGroup {
			groups++
		}
	}
	assert.Equal(t, 3, groups)
	assert.Equal(t, unit.ChunkSummary, chunks[0].Kind)

	// At or below the field threshold the type stays whole.
	u.Metadata["fields"] = fields[:10]
	chunks = c.Chunk(u)
	require.Len(t, chunks, 1)
	assert.Equal(t, unit.ChunkWhole, chunks[0].Kind)
}

func TestOversizeChunkTruncatedFromMiddle(t *testing.T) {
	c := New(200)
	u := &unit.ExtractedUnit{
		Identifier: "PaymentGateway",
		Type:       unit.TypeService,
		SourceCode: "HEAD " + strings.Repeat("x", 500) + " TAIL",
	}

	chunks := c.Chunk(u)
	require.Len(t, chunks, 1)
	assert.LessOrEqual(t, len(chunks[0].Content), 200)
	assert.Contains(t, chunks[0].Content, "[truncated middle]")
	assert.True(t, strings.HasPrefix(chunks[0].Content, "HEAD"))
	assert.True(t, strings.HasSuffix(chunks[0].Content, "TAIL"))
	// Hash and token estimate track the truncated content.
	assert.Equal(t, unit.HashContent(chunks[0].Content), chunks[0].ContentHash)
	assert.Equal(t, unit.EstimateTokens(chunks[0].Content), chunks[0].TokenEstimate)
}

func TestSplitAtBoundaries(t *testing.T) {
	text := strings.Repeat("a", 80) + "\n\n" + strings.Repeat("b", 80) + "\n\n" + strings.Repeat("c", 80)
	parts := splitAtBoundaries(text, 100)
	require.Len(t, parts, 3)
	for _, p := range parts {
		assert.LessOrEqual(t, len(p), 100)
	}

	// A single oversized paragraph passes through untouched.
	big := strings.Repeat("z", 300)
	parts = splitAtBoundaries(big, 100)
	require.Len(t, parts, 1)
	assert.Equal(t, big, parts[0])
}

func TestPreparerHeader(t *testing.T) {
	p := NewPreparer(8000)
	u := &unit.ExtractedUnit{
		Identifier: "Order",
		Type:       unit.TypeModel,
		FilePath:   "app/models/order.rb",
		Dependencies: []unit.Dependency{
			{Target: "User"}, {Target: "LineItem"}, {Target: "Coupon"}, {Target: "Invoice"},
		},
		Dependents: []string{"CheckoutService"},
		Metadata: map[string]any{
			"columns": []any{"id", "total"},
			"git":     map[string]any{"change_frequency": "hot"},
		},
	}
	chunk := unit.Chunk{Kind: unit.ChunkWhole, Content: "class Order\nend\n"}

	text := p.Prepare(u, chunk)
	assert.Contains(t, text, "# Unit: Order (model)")
	assert.Contains(t, text, "# File: app/models/order.rb")
	assert.Contains(t, text, "# Section: whole")
	assert.Contains(t, text, "# Dependencies: User, LineItem, Coupon")
	assert.NotContains(t, text, "Invoice")
	assert.Contains(t, text, "# Columns: id, total")
	assert.Contains(t, text, "# Dependents: 1")
	assert.Contains(t, text, "# Change frequency: hot")
	assert.True(t, strings.HasSuffix(text, chunk.Content))
}

func TestPreparerTruncatesBodyNotHeader(t *testing.T) {
	p := NewPreparer(300)
	u := &unit.ExtractedUnit{
		Identifier: "Order", Type: unit.TypeModel, FilePath: "app/models/order.rb",
	}
	chunk := unit.Chunk{Kind: unit.ChunkBody, Content: strings.Repeat("x", 1000)}

	text := p.Prepare(u, chunk)
	assert.LessOrEqual(t, len(text), 300)
	assert.True(t, strings.HasPrefix(text, "# Unit: Order (model)"))
	assert.Contains(t, text, "[truncated middle]")
}

func TestPreparerPlainSectionOmitsSummaryFields(t *testing.T) {
	p := NewPreparer(8000)
	u := &unit.ExtractedUnit{
		Identifier: "Order", Type: unit.TypeModel, FilePath: "app/models/order.rb",
		Metadata: map[string]any{"columns": []any{"id"}},
	}
	chunk := unit.Chunk{Kind: unit.ChunkValidations, Content: "validates :total"}

	text := p.Prepare(u, chunk)
	assert.NotContains(t, text, "# Columns:")
}
