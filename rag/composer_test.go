package rag

import (
	"fmt"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// wordTokenizer 每个空格分隔的词计一个 token.
type wordTokenizer struct{}

func (wordTokenizer) CountTokens(text string) (int, error) {
	n := 0
	inWord := false
	for _, r := range text {
		if r == ' ' {
			inWord = false
			continue
		}
		if !inWord {
			n++
			inWord = true
		}
	}
	return n, nil
}

func (wordTokenizer) Name() string { return "words" }

func entityHit(id, source string, structured bool) GraphHit {
	return GraphHit{
		Match:      EntityMatch{Entity: &Entity{ID: id, Type: EntityAnomaly, Source: source, Attributes: map[string]any{"depth": 1.0}}},
		Structured: structured,
	}
}

func scored(id, source string, score float64) ScoredPassage {
	return ScoredPassage{Passage: &Passage{ID: id, Text: "passage " + id, Source: source}, Score: score}
}

func itemIDs(b *Bundle) []string {
	out := make([]string, len(b.Items))
	for i, it := range b.Items {
		out[i] = it.ID
	}
	return out
}

func TestCompose_StructuredOutranksVector(t *testing.T) {
	c := NewComposer(ComposerConfig{}, wordTokenizer{}, nil)
	b := c.Compose(
		[]ScoredPassage{scored("p1", "d1.pdf", 0.99), scored("p2", "d2.pdf", 0.5)},
		[]GraphHit{entityHit("g2", "d3.pdf", true), entityHit("g3", "d1.pdf", true), entityHit("t1", "", false)},
		Limits{},
	)
	assert.Equal(t, []string{"g2", "g3", "t1", "p1", "p2"}, itemIDs(b))
	assert.True(t, b.Items[0].Structured)
	assert.Equal(t, 2.0, b.Items[0].Score)
	assert.Equal(t, 1.5, b.Items[2].Score)
	assert.Zero(t, b.Dropped)
}

func TestCompose_CitationsMergeBySource(t *testing.T) {
	c := NewComposer(ComposerConfig{}, wordTokenizer{}, nil)
	b := c.Compose(
		[]ScoredPassage{scored("p1", "d1.pdf", 0.9), scored("p2", "d2.pdf", 0.8)},
		[]GraphHit{entityHit("g1", "d1.pdf", true), entityHit("t1", "", false)},
		Limits{},
	)
	require.Len(t, b.Citations, 3)
	assert.Equal(t, Citation{Index: 1, Source: "d1.pdf", PassageIDs: []string{"p1"}, EntityIDs: []string{"g1"}}, b.Citations[0])
	assert.Equal(t, graphSource, b.Citations[1].Source)
	assert.Equal(t, "d2.pdf", b.Citations[2].Source)

	byID := map[string]int{}
	for _, it := range b.Items {
		byID[it.ID] = it.Citation
	}
	assert.Equal(t, 1, byID["g1"])
	assert.Equal(t, 1, byID["p1"])
	assert.Equal(t, 3, byID["p2"])
}

func TestCompose_DeduplicatesItems(t *testing.T) {
	c := NewComposer(ComposerConfig{}, wordTokenizer{}, nil)
	b := c.Compose(
		[]ScoredPassage{scored("p1", "d1.pdf", 0.4), scored("p1", "d1.pdf", 0.7)},
		[]GraphHit{entityHit("g1", "d1.pdf", false), entityHit("g1", "d1.pdf", true)},
		Limits{},
	)
	assert.Equal(t, []string{"g1", "p1"}, itemIDs(b))
	assert.True(t, b.Items[0].Structured)
	assert.Equal(t, 2.0, b.Items[0].Score)
	assert.Equal(t, 0.7, b.Items[1].Score)
}

func TestCompose_MinSimilarityDropsWeakPassages(t *testing.T) {
	c := NewComposer(ComposerConfig{MinSimilarity: 0.3}, wordTokenizer{}, nil)
	b := c.Compose([]ScoredPassage{scored("p1", "d", 0.29), scored("p2", "d", 0.31)}, nil, Limits{})
	assert.Equal(t, []string{"p2"}, itemIDs(b))

	b = c.Compose([]ScoredPassage{scored("p1", "d", 0.1)}, nil, Limits{})
	assert.True(t, b.Empty())
	assert.Empty(t, b.Citations)
}

func TestCompose_TruncatesLowestRanked(t *testing.T) {
	c := NewComposer(ComposerConfig{}, wordTokenizer{}, nil)
	vector := []ScoredPassage{scored("p1", "a", 0.9), scored("p2", "b", 0.8), scored("p3", "c", 0.7)}

	b := c.Compose(vector, nil, Limits{MaxItems: 2})
	assert.Equal(t, []string{"p1", "p2"}, itemIDs(b))
	assert.Equal(t, 1, b.Dropped)

	// 每个段落 2 个词
	b = c.Compose(vector, nil, Limits{MaxTokens: 5})
	assert.Equal(t, []string{"p1", "p2"}, itemIDs(b))
	assert.Equal(t, 4, b.Tokens)
}

func TestCompose_OversizeLowerItemNotTruncated(t *testing.T) {
	c := NewComposer(ComposerConfig{}, wordTokenizer{}, nil)
	long := ScoredPassage{Passage: &Passage{ID: "p2", Text: "one two three four five six seven eight", Source: "b"}, Score: 0.8}
	vector := []ScoredPassage{scored("p1", "a", 0.9), long, scored("p3", "c", 0.7)}

	b := c.Compose(vector, nil, Limits{MaxTokens: 5})
	assert.Equal(t, []string{"p1"}, itemIDs(b))
	assert.False(t, b.Items[0].Truncated)
	assert.Equal(t, 2, b.Tokens)
	assert.Equal(t, 2, b.Dropped)
}

func TestCompose_OversizeTopItemTruncated(t *testing.T) {
	c := NewComposer(ComposerConfig{}, wordTokenizer{}, nil)
	long := ScoredPassage{Passage: &Passage{ID: "p1", Text: "one two three four five six seven eight", Source: "a"}, Score: 0.9}

	b := c.Compose([]ScoredPassage{long, scored("p2", "b", 0.8)}, nil, Limits{MaxTokens: 5})
	require.False(t, b.Empty())
	require.Len(t, b.Items, 1)
	assert.Equal(t, "p1", b.Items[0].ID)
	assert.True(t, b.Items[0].Truncated)
	assert.Equal(t, "one two three four five", b.Items[0].Text)
	assert.Equal(t, 5, b.Tokens)
	assert.Equal(t, 1, b.Dropped)
	require.Len(t, b.Citations, 1)
	assert.Equal(t, "a", b.Citations[0].Source)
}

func TestCompose_NeverExceedsLimitsProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	c := NewComposer(ComposerConfig{MinSimilarity: -1}, wordTokenizer{}, nil)

	properties.Property("bundle respects limits and drops lowest ranked", prop.ForAll(
		func(scores []float64, structured []bool, maxItems, maxTokens int) bool {
			var vector []ScoredPassage
			for i, s := range scores {
				vector = append(vector, scored(fmt.Sprintf("p%d", i), fmt.Sprintf("d%d", i%3), s))
			}
			var graph []GraphHit
			for i, st := range structured {
				graph = append(graph, entityHit(fmt.Sprintf("g%d", i), "", st))
			}
			limits := Limits{MaxItems: maxItems, MaxTokens: maxTokens}
			b := c.Compose(vector, graph, limits)

			if maxItems > 0 && len(b.Items) > maxItems {
				return false
			}
			if maxTokens > 0 && b.Tokens > maxTokens {
				return false
			}
			if len(b.Items)+b.Dropped != len(scores)+len(structured) {
				return false
			}
			// 保留的是排名最高的前缀，只有第一条可能被截断
			full := c.Compose(vector, graph, Limits{})
			for i, it := range b.Items {
				if full.Items[i].ID != it.ID {
					return false
				}
				if it.Truncated && i != 0 {
					return false
				}
			}
			// 有候选时不返回空包
			if len(full.Items) > 0 && b.Empty() {
				return false
			}
			for i := 1; i < len(b.Items); i++ {
				if b.Items[i-1].Score < b.Items[i].Score {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.Float64Range(-1, 1)),
		gen.SliceOf(gen.Bool()),
		gen.IntRange(0, 10),
		gen.IntRange(0, 40),
	))

	properties.TestingRun(t)
}

func TestRenderEntity(t *testing.T) {
	m := EntityMatch{Entity: &Entity{
		ID: "g1", Type: EntityAnomaly,
		Attributes: map[string]any{"gas_percentage": 1.5, "depth": 2850.0},
	}}
	assert.Equal(t, "[anomaly] g1: depth=2850, gas_percentage=1.5", RenderEntity(m))

	r := &Relation{From: "a", To: "g1", Type: RelationCausal, Label: "CAUSED"}
	m.Paths = []Path{{r}}
	assert.Contains(t, RenderEntity(m), "(reached via a -[CAUSED]-> g1)")
}
