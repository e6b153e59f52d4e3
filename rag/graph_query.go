package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/BaSui01/ddrflow/types"
	"go.uber.org/zap"
)

// Comparator 属性比较符.
type Comparator string

const (
	OpEq       Comparator = "eq"
	OpGt       Comparator = "gt"
	OpGte      Comparator = "gte"
	OpLt       Comparator = "lt"
	OpLte      Comparator = "lte"
	OpBetween  Comparator = "between"
	OpContains Comparator = "contains"
)

func (op Comparator) numeric() bool {
	switch op {
	case OpGt, OpGte, OpLt, OpLte, OpBetween:
		return true
	}
	return false
}

// Condition 对单个属性的比较.
// OpBetween 使用 [Value, Upper] 闭区间.
type Condition struct {
	Attribute string     `json:"attribute"`
	Op        Comparator `json:"op"`
	Value     any        `json:"value"`
	Upper     float64    `json:"upper,omitempty"`
	// MatchIfAbsent 为 true 时属性缺失视为满足（如开放区间的岩性底深）
	MatchIfAbsent bool `json:"match_if_absent,omitempty"`
}

func (c Condition) String() string {
	if c.Op == OpBetween {
		return fmt.Sprintf("%s between %v and %v", c.Attribute, c.Value, c.Upper)
	}
	return fmt.Sprintf("%s %s %v", c.Attribute, c.Op, c.Value)
}

// MatchQuery 按类型与属性条件筛选实体.
// Conditions 全部满足；AnyOf 非空时至少满足其一.
type MatchQuery struct {
	Types      []EntityType `json:"types,omitempty"`
	Conditions []Condition  `json:"conditions,omitempty"`
	AnyOf      []Condition  `json:"any_of,omitempty"`
	// OrderBy 数值属性升序；缺失或非数值的排在最后
	OrderBy string `json:"order_by,omitempty"`
	Limit   int    `json:"limit,omitempty"`
}

// Traversal 从 Start 沿出边遍历至多 MaxHops 跳.
type Traversal struct {
	Start         string         `json:"start"`
	RelationTypes []RelationType `json:"relation_types,omitempty"`
	MaxHops       int            `json:"max_hops"`
}

// GraphQuery 是结构化谓词：Match 与 Traverse 二选一.
type GraphQuery struct {
	Name     string      `json:"name"`
	Match    *MatchQuery `json:"match,omitempty"`
	Traverse *Traversal  `json:"traverse,omitempty"`
}

func (q GraphQuery) String() string {
	switch {
	case q.Match != nil:
		parts := make([]string, 0, len(q.Match.Conditions)+len(q.Match.AnyOf))
		for _, c := range q.Match.Conditions {
			parts = append(parts, c.String())
		}
		if len(q.Match.AnyOf) > 0 {
			alts := make([]string, len(q.Match.AnyOf))
			for i, c := range q.Match.AnyOf {
				alts[i] = c.String()
			}
			parts = append(parts, "("+strings.Join(alts, " or ")+")")
		}
		return fmt.Sprintf("%s: match %v where %s", q.Name, q.Match.Types, strings.Join(parts, " and "))
	case q.Traverse != nil:
		return fmt.Sprintf("%s: traverse %s %v <= %d hops", q.Name, q.Traverse.Start, q.Traverse.RelationTypes, q.Traverse.MaxHops)
	}
	return q.Name
}

// Path 是一条关系链，首条关系的 From 为起点.
type Path []*Relation

// String 形如 a -[NEXT]-> b -[AT_DEPTH]-> c.
func (p Path) String() string {
	if len(p) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(p[0].From)
	for _, r := range p {
		label := r.Label
		if label == "" {
			label = string(r.Type)
		}
		fmt.Fprintf(&sb, " -[%s]-> %s", label, r.To)
	}
	return sb.String()
}

// EntityMatch 是一个命中实体. 遍历结果带有跳数与到达路径.
type EntityMatch struct {
	Entity *Entity `json:"entity"`
	Hops   int     `json:"hops,omitempty"`
	Paths  []Path  `json:"paths,omitempty"`
}

// QueryResult 查询结果. Excluded 记录因属性缺失或类型不符被排除的实体.
type QueryResult struct {
	Query    string         `json:"query"`
	Matches  []EntityMatch  `json:"matches"`
	Excluded []*types.Error `json:"excluded,omitempty"`
}

// GraphQueryConfig 查询引擎配置.
type GraphQueryConfig struct {
	MaxHops           int `yaml:"max_hops" json:"max_hops"`
	MaxPathsPerEntity int `yaml:"max_paths_per_entity" json:"max_paths_per_entity"`
}

// DefaultGraphQueryConfig 返回默认配置.
func DefaultGraphQueryConfig() GraphQueryConfig {
	return GraphQueryConfig{MaxHops: 3, MaxPathsPerEntity: 4}
}

// GraphQueryEngine 在只读知识图上执行结构化查询.
type GraphQueryEngine struct {
	graph  *KnowledgeGraph
	cfg    GraphQueryConfig
	logger *zap.Logger
}

// NewGraphQueryEngine 创建查询引擎.
func NewGraphQueryEngine(graph *KnowledgeGraph, cfg GraphQueryConfig, logger *zap.Logger) *GraphQueryEngine {
	def := DefaultGraphQueryConfig()
	if cfg.MaxHops <= 0 {
		cfg.MaxHops = def.MaxHops
	}
	if cfg.MaxPathsPerEntity <= 0 {
		cfg.MaxPathsPerEntity = def.MaxPathsPerEntity
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GraphQueryEngine{
		graph:  graph,
		cfg:    cfg,
		logger: logger.With(zap.String("component", "graph_query")),
	}
}

// Graph 返回底层知识图.
func (q *GraphQueryEngine) Graph() *KnowledgeGraph { return q.graph }

// Run 执行一个结构化查询.
func (q *GraphQueryEngine) Run(ctx context.Context, query GraphQuery) (*QueryResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, types.NewCancelledError("graph query cancelled", err)
	}
	var (
		res *QueryResult
		err error
	)
	switch {
	case query.Match != nil && query.Traverse != nil:
		return nil, types.NewInvalidRequestError("graph query must set exactly one of match or traverse")
	case query.Match != nil:
		res, err = q.Match(*query.Match)
	case query.Traverse != nil:
		res, err = q.Traverse(*query.Traverse)
	default:
		return nil, types.NewInvalidRequestError("graph query is empty")
	}
	if err != nil {
		return nil, err
	}
	res.Query = query.String()
	return res, nil
}

// Lookup 按 ID 返回实体.
func (q *GraphQueryEngine) Lookup(id string) (*Entity, error) {
	e, ok := q.graph.Entity(id)
	if !ok {
		return nil, types.NewNotFoundError("entity not found: " + id)
	}
	return e, nil
}

// Match 按插入顺序评估每个实体. 属性缺失或类型不符的实体被排除并记入
// Excluded，不影响整个查询.
func (q *GraphQueryEngine) Match(m MatchQuery) (*QueryResult, error) {
	if err := validateConditions(m.Conditions); err != nil {
		return nil, err
	}
	if err := validateConditions(m.AnyOf); err != nil {
		return nil, err
	}
	typeSet := make(map[EntityType]bool, len(m.Types))
	for _, t := range m.Types {
		typeSet[t] = true
	}

	res := &QueryResult{Matches: []EntityMatch{}}
	q.graph.Entities(func(_ int, e *Entity) bool {
		if len(typeSet) > 0 && !typeSet[e.Type] {
			return true
		}
		ok, err := matchEntity(e, m)
		if err != nil {
			q.logger.Debug("entity excluded",
				zap.String("entity", e.ID),
				zap.Error(err))
			res.Excluded = append(res.Excluded, err)
			return true
		}
		if ok {
			res.Matches = append(res.Matches, EntityMatch{Entity: e})
		}
		return true
	})

	if m.OrderBy != "" {
		key := m.OrderBy
		sort.SliceStable(res.Matches, func(i, j int) bool {
			a, aok := numericAttr(res.Matches[i].Entity, key)
			b, bok := numericAttr(res.Matches[j].Entity, key)
			if aok != bok {
				return aok
			}
			return aok && a < b
		})
	}
	if m.Limit > 0 && len(res.Matches) > m.Limit {
		res.Matches = res.Matches[:m.Limit]
	}
	return res, nil
}

// Traverse 广度优先沿指定类型的出边遍历，返回 1..MaxHops 跳内可达的实体
// （不含起点），每个实体只出现一次，附带到达它的最短路径.
// 结果按跳数、再按实体插入顺序排列.
func (q *GraphQueryEngine) Traverse(t Traversal) (*QueryResult, error) {
	start, ok := q.graph.index[t.Start]
	if !ok {
		return nil, types.NewNotFoundError("traversal start entity not found: " + t.Start)
	}
	hops := t.MaxHops
	if hops > q.cfg.MaxHops {
		q.logger.Debug("traversal hops clamped",
			zap.Int("requested", hops),
			zap.Int("max", q.cfg.MaxHops))
		hops = q.cfg.MaxHops
	}
	res := &QueryResult{Matches: []EntityMatch{}}
	if hops <= 0 {
		return res, nil
	}
	allowed := make(map[RelationType]bool, len(t.RelationTypes))
	for _, rt := range t.RelationTypes {
		if !rt.Valid() {
			return nil, types.NewInvalidRequestError(fmt.Sprintf("unknown relation type %q", rt))
		}
		allowed[rt] = true
	}

	g := q.graph
	dist := map[int]int{start: 0}
	paths := map[int][]Path{start: {nil}}
	frontier := []int{start}

	for depth := 1; depth <= hops && len(frontier) > 0; depth++ {
		var next []int
		for _, u := range frontier {
			for _, ri := range g.out[u] {
				r := &g.relations[ri]
				if len(allowed) > 0 && !allowed[r.Type] {
					continue
				}
				v := g.index[r.To]
				d, seen := dist[v]
				if !seen {
					dist[v] = depth
					next = append(next, v)
				} else if d != depth {
					continue
				}
				for _, p := range paths[u] {
					if len(paths[v]) >= q.cfg.MaxPathsPerEntity {
						break
					}
					np := make(Path, len(p)+1)
					copy(np, p)
					np[len(p)] = r
					paths[v] = append(paths[v], np)
				}
			}
		}
		frontier = next
	}

	reached := make([]int, 0, len(dist))
	for pos, d := range dist {
		if d > 0 {
			reached = append(reached, pos)
		}
	}
	sort.Slice(reached, func(i, j int) bool {
		a, b := reached[i], reached[j]
		if dist[a] != dist[b] {
			return dist[a] < dist[b]
		}
		return a < b
	})
	for _, pos := range reached {
		res.Matches = append(res.Matches, EntityMatch{
			Entity: &g.entities[pos],
			Hops:   dist[pos],
			Paths:  paths[pos],
		})
	}
	return res, nil
}

func validateConditions(conds []Condition) error {
	for _, c := range conds {
		if c.Attribute == "" {
			return types.NewInvalidRequestError("condition attribute is empty")
		}
		switch {
		case c.Op.numeric():
			if _, ok := toFloat(c.Value); !ok {
				return types.NewInvalidRequestError(fmt.Sprintf("condition %s needs a numeric value", c))
			}
			if c.Op == OpBetween {
				lo, _ := toFloat(c.Value)
				if lo > c.Upper {
					return types.NewInvalidRequestError(fmt.Sprintf("condition %s has an empty range", c))
				}
			}
		case c.Op == OpContains:
			if _, ok := c.Value.(string); !ok {
				return types.NewInvalidRequestError(fmt.Sprintf("condition %s needs a string value", c))
			}
		case c.Op == OpEq:
		default:
			return types.NewInvalidRequestError(fmt.Sprintf("unknown comparator %q", c.Op))
		}
	}
	return nil
}

func matchEntity(e *Entity, m MatchQuery) (bool, *types.Error) {
	for _, c := range m.Conditions {
		ok, err := evalCondition(e, c)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	if len(m.AnyOf) == 0 {
		return true, nil
	}
	// 只有所有备选条件都无法评估时才算属性异常
	evaluated := false
	var firstErr *types.Error
	for _, c := range m.AnyOf {
		ok, err := evalCondition(e, c)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if ok {
			return true, nil
		}
		evaluated = true
	}
	if !evaluated && firstErr != nil {
		return false, firstErr
	}
	return false, nil
}

func malformed(e *Entity, c Condition, reason string) *types.Error {
	return types.NewError(types.ErrMalformedAttr,
		fmt.Sprintf("entity %s: attribute %q %s", e.ID, c.Attribute, reason))
}

func evalCondition(e *Entity, c Condition) (bool, *types.Error) {
	raw, present := e.Attr(c.Attribute)
	if !present || raw == nil {
		if c.MatchIfAbsent {
			return true, nil
		}
		return false, malformed(e, c, "is absent")
	}

	if c.Op.numeric() {
		v, ok := toFloat(raw)
		if !ok {
			return false, malformed(e, c, fmt.Sprintf("is not numeric (%T)", raw))
		}
		want, _ := toFloat(c.Value)
		switch c.Op {
		case OpGt:
			return v > want, nil
		case OpGte:
			return v >= want, nil
		case OpLt:
			return v < want, nil
		case OpLte:
			return v <= want, nil
		case OpBetween:
			return v >= want && v <= c.Upper, nil
		}
	}

	switch c.Op {
	case OpContains:
		s, ok := raw.(string)
		if !ok {
			return false, malformed(e, c, fmt.Sprintf("is not a string (%T)", raw))
		}
		return strings.Contains(strings.ToLower(s), strings.ToLower(c.Value.(string))), nil
	case OpEq:
		if want, ok := toFloat(c.Value); ok {
			v, ok := toFloat(raw)
			if !ok {
				return false, malformed(e, c, fmt.Sprintf("is not numeric (%T)", raw))
			}
			return math.Abs(v-want) < 1e-9, nil
		}
		switch want := c.Value.(type) {
		case string:
			s, ok := raw.(string)
			if !ok {
				return false, malformed(e, c, fmt.Sprintf("is not a string (%T)", raw))
			}
			return strings.EqualFold(s, want), nil
		case bool:
			b, ok := raw.(bool)
			if !ok {
				return false, malformed(e, c, fmt.Sprintf("is not a bool (%T)", raw))
			}
			return b == want, nil
		}
		return fmt.Sprint(raw) == fmt.Sprint(c.Value), nil
	}
	return false, nil
}

func numericAttr(e *Entity, name string) (float64, bool) {
	raw, ok := e.Attr(name)
	if !ok {
		return 0, false
	}
	return toFloat(raw)
}

// toFloat 只接受真正的数值类型，数字字符串视为非数值.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, !math.IsNaN(n)
	case float32:
		return float64(n), !math.IsNaN(float64(n))
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	}
	return 0, false
}
