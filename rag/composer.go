package rag

import (
	"fmt"
	"sort"
	"strings"

	"github.com/BaSui01/ddrflow/llm/tokenizer"
	"go.uber.org/zap"
)

// ItemKind 上下文条目来源.
type ItemKind string

const (
	ItemPassage ItemKind = "passage"
	ItemEntity  ItemKind = "entity"
)

// graphSource 是没有来源文档的图实体的引用名.
const graphSource = "knowledge-graph"

// ContextItem 是上下文包中的一条材料.
type ContextItem struct {
	Kind       ItemKind `json:"kind"`
	ID         string   `json:"id"`
	Text       string   `json:"text"`
	Score      float64  `json:"score"`
	Source     string   `json:"source"`
	Structured bool     `json:"structured"`
	Tokens     int      `json:"tokens"`
	Truncated  bool     `json:"truncated,omitempty"`
	// Citation 是该条目在 Bundle.Citations 中的序号（从 1 开始）
	Citation int `json:"citation"`
}

// Citation 引用一个来源文档，以及从中取用的段落与图实体.
type Citation struct {
	Index      int      `json:"index"`
	Source     string   `json:"source"`
	PassageIDs []string `json:"passage_ids,omitempty"`
	EntityIDs  []string `json:"entity_ids,omitempty"`
}

// Bundle 是一次查询的上下文包，按排名降序.
type Bundle struct {
	Items     []ContextItem `json:"items"`
	Citations []Citation    `json:"citations"`
	Tokens    int           `json:"tokens"`
	Dropped   int           `json:"dropped"`
}

// Empty 报告上下文包是否为空.
func (b *Bundle) Empty() bool { return b == nil || len(b.Items) == 0 }

// GraphHit 是送入组装器的图查询命中. Structured 表示精确结构化匹配.
type GraphHit struct {
	Match      EntityMatch
	Structured bool
}

// Limits 是上下文包的大小上限，0 表示该维度不限制.
type Limits struct {
	MaxItems  int `yaml:"max_items" json:"max_items"`
	MaxTokens int `yaml:"max_tokens" json:"max_tokens"`
}

// ComposerConfig 评分参数.
type ComposerConfig struct {
	// StructuredScore 精确结构化匹配的固定分数，高于任何余弦相似度
	StructuredScore float64 `yaml:"structured_score" json:"structured_score"`
	// GraphScore 非精确图命中（遍历到达）的分数
	GraphScore    float64 `yaml:"graph_score" json:"graph_score"`
	VectorWeight  float64 `yaml:"vector_weight" json:"vector_weight"`
	MinSimilarity float64 `yaml:"min_similarity" json:"min_similarity"`
}

// DefaultComposerConfig 返回默认评分参数.
func DefaultComposerConfig() ComposerConfig {
	return ComposerConfig{
		StructuredScore: 2.0,
		GraphScore:      1.5,
		VectorWeight:    1.0,
		MinSimilarity:   0.25,
	}
}

// Composer 合并向量与图结果为有界的上下文包.
type Composer struct {
	cfg    ComposerConfig
	tok    tokenizer.Tokenizer
	logger *zap.Logger
}

// NewComposer 创建组装器. tok 为 nil 时使用字符估算器.
func NewComposer(cfg ComposerConfig, tok tokenizer.Tokenizer, logger *zap.Logger) *Composer {
	def := DefaultComposerConfig()
	if cfg.StructuredScore <= 0 {
		cfg.StructuredScore = def.StructuredScore
	}
	if cfg.GraphScore <= 0 {
		cfg.GraphScore = def.GraphScore
	}
	if cfg.VectorWeight <= 0 {
		cfg.VectorWeight = def.VectorWeight
	}
	if tok == nil {
		tok = tokenizer.NewEstimator()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Composer{cfg: cfg, tok: tok, logger: logger.With(zap.String("component", "composer"))}
}

// Compose 去重、排序并截断. 结构化命中排在语义命中之前；
// 超出上限时从排名最低的一端丢弃，结果永远不超过 limits.
// 排名第一的条目单独就超出 Token 上限时截断它，不会因为一条过长的材料返回空包.
func (c *Composer) Compose(vector []ScoredPassage, graph []GraphHit, limits Limits) *Bundle {
	items := make([]ContextItem, 0, len(vector)+len(graph))
	seen := make(map[string]int)
	add := func(it ContextItem) {
		key := string(it.Kind) + "\x00" + it.ID
		if i, ok := seen[key]; ok {
			if it.Score > items[i].Score {
				items[i].Score = it.Score
				items[i].Structured = items[i].Structured || it.Structured
			}
			return
		}
		seen[key] = len(items)
		items = append(items, it)
	}

	for _, h := range graph {
		e := h.Match.Entity
		if e == nil {
			continue
		}
		score := c.cfg.GraphScore
		if h.Structured {
			score = c.cfg.StructuredScore
		}
		src := e.Source
		if src == "" {
			src = graphSource
		}
		add(ContextItem{
			Kind: ItemEntity, ID: e.ID, Text: RenderEntity(h.Match),
			Score: score, Source: src, Structured: h.Structured,
		})
	}
	for _, sp := range vector {
		if sp.Passage == nil || sp.Score < c.cfg.MinSimilarity {
			continue
		}
		add(ContextItem{
			Kind: ItemPassage, ID: sp.Passage.ID, Text: sp.Passage.Text,
			Score: sp.Score * c.cfg.VectorWeight, Source: sp.Passage.SourceRef(),
		})
	}

	// 同分保持输入顺序：图命中在前，按查询顺序
	sort.SliceStable(items, func(i, j int) bool { return items[i].Score > items[j].Score })

	b := &Bundle{Items: make([]ContextItem, 0, len(items))}
	for i := range items {
		if limits.MaxItems > 0 && len(b.Items) >= limits.MaxItems {
			break
		}
		it := items[i]
		it.Tokens = c.count(it.Text)
		if limits.MaxTokens > 0 && b.Tokens+it.Tokens > limits.MaxTokens {
			if i > 0 {
				break
			}
			it.Text, it.Tokens = c.truncate(it.Text, limits.MaxTokens)
			if it.Tokens == 0 {
				break
			}
			it.Truncated = true
			c.logger.Debug("top context item truncated",
				zap.String("id", it.ID),
				zap.Int("max_tokens", limits.MaxTokens))
		}
		b.Items = append(b.Items, it)
		b.Tokens += it.Tokens
	}
	b.Dropped = len(items) - len(b.Items)
	b.Citations = citations(b.Items)
	if b.Dropped > 0 {
		c.logger.Debug("context truncated",
			zap.Int("kept", len(b.Items)),
			zap.Int("dropped", b.Dropped),
			zap.Int("tokens", b.Tokens))
	}
	return b
}

func (c *Composer) count(text string) int {
	n, err := c.tok.CountTokens(text)
	if err != nil {
		return len(text)/4 + 1
	}
	return n
}

// truncate 按 rune 二分，返回不超过 budget 个 Token 的最长前缀.
func (c *Composer) truncate(text string, budget int) (string, int) {
	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if c.count(string(runes[:mid])) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	out := strings.TrimSpace(string(runes[:lo]))
	if out == "" {
		return "", 0
	}
	return out, c.count(out)
}

// citations 按来源合并，段落和实体引用同一文档时只生成一条.
// 同时回填每个条目的引用序号.
func citations(items []ContextItem) []Citation {
	var out []Citation
	bySource := make(map[string]int)
	for i := range items {
		it := &items[i]
		ci, ok := bySource[it.Source]
		if !ok {
			ci = len(out)
			bySource[it.Source] = ci
			out = append(out, Citation{Index: ci + 1, Source: it.Source})
		}
		switch it.Kind {
		case ItemPassage:
			out[ci].PassageIDs = append(out[ci].PassageIDs, it.ID)
		case ItemEntity:
			out[ci].EntityIDs = append(out[ci].EntityIDs, it.ID)
		}
		it.Citation = ci + 1
	}
	return out
}

// RenderEntity 把实体渲染为一行文本，属性按名称排序.
func RenderEntity(m EntityMatch) string {
	e := m.Entity
	keys := make([]string, 0, len(e.Attributes))
	for k := range e.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	attrs := make([]string, 0, len(keys))
	for _, k := range keys {
		attrs = append(attrs, fmt.Sprintf("%s=%v", k, e.Attributes[k]))
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Type, e.ID)
	if len(attrs) > 0 {
		sb.WriteString(": ")
		sb.WriteString(strings.Join(attrs, ", "))
	}
	if len(m.Paths) > 0 {
		fmt.Fprintf(&sb, " (reached via %s)", m.Paths[0])
	}
	return sb.String()
}
