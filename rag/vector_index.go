package rag

import (
	"fmt"
	"math"
	"sort"

	"github.com/BaSui01/ddrflow/types"
	"go.uber.org/zap"
)

// IndexStats 向量索引统计.
type IndexStats struct {
	TotalDocuments  int      `json:"total_documents"`
	UniqueWellbores int      `json:"unique_wellbores"`
	Wellbores       []string `json:"wellbores"`
	Dimensions      int      `json:"dimensions"`
}

// VectorIndex 是只读的精确余弦相似度索引.
// 构建完成后不再修改，因此并发 Search 无需加锁.
type VectorIndex struct {
	passages []*Passage
	norms    []float64
	byID     map[string]int
	dims     int
	logger   *zap.Logger
}

// NewVectorIndex 用已计算好向量的段落构建索引.
// 所有向量维度必须一致，ID 不可重复.
func NewVectorIndex(passages []*Passage, logger *zap.Logger) (*VectorIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	idx := &VectorIndex{
		passages: make([]*Passage, 0, len(passages)),
		norms:    make([]float64, 0, len(passages)),
		byID:     make(map[string]int, len(passages)),
		logger:   logger.With(zap.String("component", "vector_index")),
	}
	for i, p := range passages {
		if p == nil {
			return nil, types.NewInvalidRequestError(fmt.Sprintf("passage %d is nil", i))
		}
		if p.ID == "" {
			return nil, types.NewInvalidRequestError(fmt.Sprintf("passage %d has empty id", i))
		}
		if _, dup := idx.byID[p.ID]; dup {
			return nil, types.NewInvalidRequestError("duplicate passage id: " + p.ID)
		}
		if len(p.Embedding) == 0 {
			return nil, types.NewInvalidRequestError("passage " + p.ID + " has no embedding")
		}
		if idx.dims == 0 {
			idx.dims = len(p.Embedding)
		} else if len(p.Embedding) != idx.dims {
			return nil, types.NewInvalidRequestError(fmt.Sprintf(
				"passage %s has %d dimensions, index has %d", p.ID, len(p.Embedding), idx.dims))
		}
		idx.byID[p.ID] = len(idx.passages)
		idx.passages = append(idx.passages, p)
		idx.norms = append(idx.norms, norm(p.Embedding))
	}
	idx.logger.Info("vector index built",
		zap.Int("passages", len(idx.passages)),
		zap.Int("dimensions", idx.dims))
	return idx, nil
}

// Size 返回段落数.
func (idx *VectorIndex) Size() int { return len(idx.passages) }

// Dimensions 返回向量维度，空索引为 0.
func (idx *VectorIndex) Dimensions() int { return idx.dims }

// Get 按 ID 返回段落.
func (idx *VectorIndex) Get(id string) (*Passage, bool) {
	i, ok := idx.byID[id]
	if !ok {
		return nil, false
	}
	return idx.passages[i], true
}

// Search 返回与查询向量余弦相似度最高的 k 个段落，按分数降序.
// 同分按插入顺序.
func (idx *VectorIndex) Search(query []float64, k int) ([]ScoredPassage, error) {
	return idx.SearchFiltered(query, k, PassageFilter{})
}

// SearchFiltered 与 Search 相同，但只在满足 filter 的段落中检索.
func (idx *VectorIndex) SearchFiltered(query []float64, k int, filter PassageFilter) ([]ScoredPassage, error) {
	if k <= 0 || len(idx.passages) == 0 {
		return []ScoredPassage{}, nil
	}
	if len(query) != idx.dims {
		return nil, types.NewInvalidRequestError(fmt.Sprintf(
			"query has %d dimensions, index has %d", len(query), idx.dims))
	}
	qn := norm(query)

	type cand struct {
		pos   int
		score float64
	}
	cands := make([]cand, 0, len(idx.passages))
	for i, p := range idx.passages {
		if !filter.Empty() && !filter.Match(p) {
			continue
		}
		cands = append(cands, cand{pos: i, score: cosine(query, qn, p.Embedding, idx.norms[i])})
	}
	sort.SliceStable(cands, func(a, b int) bool {
		return cands[a].score > cands[b].score
	})
	if len(cands) > k {
		cands = cands[:k]
	}

	out := make([]ScoredPassage, len(cands))
	for i, c := range cands {
		out[i] = ScoredPassage{Passage: idx.passages[c.pos], Score: c.score}
	}
	return out, nil
}

// ByFilter 返回满足过滤条件的段落（按插入顺序），不需要查询向量.
func (idx *VectorIndex) ByFilter(filter PassageFilter, limit int) []*Passage {
	var out []*Passage
	for _, p := range idx.passages {
		if limit > 0 && len(out) >= limit {
			break
		}
		if filter.Match(p) {
			out = append(out, p)
		}
	}
	return out
}

// Wellbores 返回索引中出现的井名，已排序去重.
func (idx *VectorIndex) Wellbores() []string {
	seen := make(map[string]struct{})
	for _, p := range idx.passages {
		if w := p.Metadata.Wellbore; w != "" {
			seen[w] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for w := range seen {
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// Stats 返回索引统计.
func (idx *VectorIndex) Stats() IndexStats {
	wells := idx.Wellbores()
	return IndexStats{
		TotalDocuments:  len(idx.passages),
		UniqueWellbores: len(wells),
		Wellbores:       wells,
		Dimensions:      idx.dims,
	}
}

func norm(v []float64) float64 {
	var s float64
	for _, x := range v {
		s += x * x
	}
	return math.Sqrt(s)
}

// cosine 零向量的相似度为 0.
func cosine(a []float64, an float64, b []float64, bn float64) float64 {
	if an == 0 || bn == 0 {
		return 0
	}
	var dot float64
	for i := range a {
		dot += a[i] * b[i]
	}
	return dot / (an * bn)
}

// CosineSimilarity 计算两个等长向量的余弦相似度.
func CosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) {
		return 0
	}
	return cosine(a, norm(a), b, norm(b))
}
