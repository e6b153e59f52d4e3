package rag

import (
	"fmt"
	"sort"

	"github.com/BaSui01/ddrflow/types"
	"go.uber.org/zap"
)

// EntityType 图实体类型.
type EntityType string

const (
	EntityWellbore  EntityType = "wellbore"
	EntityActivity  EntityType = "activity"
	EntityDepth     EntityType = "depth"
	EntityFormation EntityType = "formation"
	EntityLithology EntityType = "lithology"
	EntityFluid     EntityType = "fluid"
	EntityAnomaly   EntityType = "anomaly"
)

// EntityTypes 返回全部实体类型，顺序固定.
func EntityTypes() []EntityType {
	return []EntityType{
		EntityWellbore, EntityActivity, EntityDepth, EntityFormation,
		EntityLithology, EntityFluid, EntityAnomaly,
	}
}

// Valid 报告类型是否已知.
func (t EntityType) Valid() bool {
	for _, v := range EntityTypes() {
		if v == t {
			return true
		}
	}
	return false
}

// RelationType 关系类型.
type RelationType string

const (
	RelationTemporal RelationType = "temporal"
	RelationSpatial  RelationType = "spatial"
	RelationCausal   RelationType = "causal"
)

// Valid 报告类型是否已知.
func (t RelationType) Valid() bool {
	switch t {
	case RelationTemporal, RelationSpatial, RelationCausal:
		return true
	}
	return false
}

// Entity 图节点.
type Entity struct {
	ID         string         `json:"id"`
	Type       EntityType     `json:"type"`
	Attributes map[string]any `json:"attributes,omitempty"`
	// Source 来源文档，用于与段落合并引用
	Source string `json:"source,omitempty"`
}

// Attr 返回属性值.
func (e *Entity) Attr(name string) (any, bool) {
	v, ok := e.Attributes[name]
	return v, ok
}

// Relation 有向边. Label 保留原始关系名（NEXT、AT_DEPTH、HAS_ACTIVITY 等）.
// Weight 为 0 表示未设置.
type Relation struct {
	From   string       `json:"from"`
	To     string       `json:"to"`
	Type   RelationType `json:"type"`
	Label  string       `json:"label,omitempty"`
	Weight float64      `json:"weight,omitempty"`
}

// GraphStats 图统计.
type GraphStats struct {
	TotalEntities  int                  `json:"total_entities"`
	TotalRelations int                  `json:"total_relations"`
	ByType         map[EntityType]int   `json:"by_type"`
	ByRelation     map[RelationType]int `json:"by_relation"`
}

// KnowledgeGraph 是不可变的知识图.
// 实体存放在 arena 中（ID -> 下标），关系是独立的元组列表，
// 出边邻接表保存关系下标. 由 GraphBuilder 构建后只读，可并发查询.
type KnowledgeGraph struct {
	entities  []Entity
	index     map[string]int
	relations []Relation
	out       [][]int
	in        [][]int
}

// Len 返回实体数.
func (g *KnowledgeGraph) Len() int { return len(g.entities) }

// Entity 按 ID 查找实体，O(1).
func (g *KnowledgeGraph) Entity(id string) (*Entity, bool) {
	i, ok := g.index[id]
	if !ok {
		return nil, false
	}
	return &g.entities[i], true
}

// Entities 按插入顺序遍历实体.
func (g *KnowledgeGraph) Entities(fn func(pos int, e *Entity) bool) {
	for i := range g.entities {
		if !fn(i, &g.entities[i]) {
			return
		}
	}
}

// Relations 返回全部关系的副本.
func (g *KnowledgeGraph) Relations() []Relation {
	return append([]Relation(nil), g.relations...)
}

// Outgoing 返回从 id 出发的关系，按插入顺序.
func (g *KnowledgeGraph) Outgoing(id string) []*Relation {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	out := make([]*Relation, len(g.out[i]))
	for k, ri := range g.out[i] {
		out[k] = &g.relations[ri]
	}
	return out
}

// Incoming 返回指向 id 的关系，按插入顺序.
func (g *KnowledgeGraph) Incoming(id string) []*Relation {
	i, ok := g.index[id]
	if !ok {
		return nil
	}
	in := make([]*Relation, len(g.in[i]))
	for k, ri := range g.in[i] {
		in[k] = &g.relations[ri]
	}
	return in
}

// WellboreOf 返回连到该实体的井（沿入边查找一跳）.
func (g *KnowledgeGraph) WellboreOf(id string) string {
	e, ok := g.Entity(id)
	if !ok {
		return ""
	}
	if e.Type == EntityWellbore {
		return e.ID
	}
	if w, ok := e.Attributes["wellbore"].(string); ok && w != "" {
		return w
	}
	for _, r := range g.Incoming(id) {
		if src, ok := g.Entity(r.From); ok && src.Type == EntityWellbore {
			return src.ID
		}
	}
	return ""
}

// IDsOfType 返回指定类型的实体 ID，按插入顺序.
func (g *KnowledgeGraph) IDsOfType(t EntityType) []string {
	var ids []string
	for i := range g.entities {
		if g.entities[i].Type == t {
			ids = append(ids, g.entities[i].ID)
		}
	}
	return ids
}

// Stats 返回图统计.
func (g *KnowledgeGraph) Stats() GraphStats {
	s := GraphStats{
		TotalEntities:  len(g.entities),
		TotalRelations: len(g.relations),
		ByType:         make(map[EntityType]int),
		ByRelation:     make(map[RelationType]int),
	}
	for i := range g.entities {
		s.ByType[g.entities[i].Type]++
	}
	for i := range g.relations {
		s.ByRelation[g.relations[i].Type]++
	}
	return s
}

// ====== GraphBuilder ======

// GraphBuilder 收集实体与关系，Build 时校验关系端点.
type GraphBuilder struct {
	entities  []Entity
	index     map[string]int
	relations []Relation
	logger    *zap.Logger
}

// NewGraphBuilder 创建构建器.
func NewGraphBuilder(logger *zap.Logger) *GraphBuilder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphBuilder{
		index:  make(map[string]int),
		logger: logger.With(zap.String("component", "graph_builder")),
	}
}

// AddEntity 添加实体，ID 重复或类型未知时返回错误.
func (b *GraphBuilder) AddEntity(e Entity) error {
	if e.ID == "" {
		return types.NewInvalidRequestError("entity id is empty")
	}
	if !e.Type.Valid() {
		return types.NewInvalidRequestError(fmt.Sprintf("entity %s has unknown type %q", e.ID, e.Type))
	}
	if _, dup := b.index[e.ID]; dup {
		return types.NewInvalidRequestError("duplicate entity id: " + e.ID)
	}
	attrs := make(map[string]any, len(e.Attributes))
	for k, v := range e.Attributes {
		attrs[k] = v
	}
	e.Attributes = attrs
	b.index[e.ID] = len(b.entities)
	b.entities = append(b.entities, e)
	return nil
}

// AddRelation 添加关系. 同一对实体之间可以有多条不同类型的关系.
func (b *GraphBuilder) AddRelation(r Relation) error {
	if !r.Type.Valid() {
		return types.NewInvalidRequestError(fmt.Sprintf("relation %s->%s has unknown type %q", r.From, r.To, r.Type))
	}
	b.relations = append(b.relations, r)
	return nil
}

// Build 校验所有关系端点存在并生成只读图.
func (b *GraphBuilder) Build() (*KnowledgeGraph, error) {
	g := &KnowledgeGraph{
		entities:  b.entities,
		index:     b.index,
		relations: b.relations,
		out:       make([][]int, len(b.entities)),
		in:        make([][]int, len(b.entities)),
	}
	var dangling []string
	for ri, r := range b.relations {
		from, okFrom := b.index[r.From]
		to, okTo := b.index[r.To]
		if !okFrom || !okTo {
			dangling = append(dangling, r.From+"->"+r.To)
			continue
		}
		g.out[from] = append(g.out[from], ri)
		g.in[to] = append(g.in[to], ri)
	}
	if len(dangling) > 0 {
		sort.Strings(dangling)
		return nil, types.NewInvalidRequestError(fmt.Sprintf(
			"%d relations reference unknown entities: %v", len(dangling), dangling))
	}
	b.logger.Info("knowledge graph built",
		zap.Int("entities", len(g.entities)),
		zap.Int("relations", len(g.relations)))
	// builder 之后不可再用
	b.entities, b.index, b.relations = nil, make(map[string]int), nil
	return g, nil
}
