package rag

import (
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// IntentKind 查询意图分类.
type IntentKind string

const (
	// IntentStructured 可由图查询直接回答
	IntentStructured IntentKind = "structured"
	// IntentSemantic 无结构化谓词，只做语义检索
	IntentSemantic IntentKind = "semantic"
	// IntentHybrid 有结构化谓词且需要叙述性上下文
	IntentHybrid IntentKind = "hybrid"
)

// Intent 是问题的分类结果.
type Intent struct {
	Kind    IntentKind    `json:"kind"`
	Queries []GraphQuery  `json:"queries,omitempty"`
	Filter  PassageFilter `json:"filter"`
}

// Structured 报告是否提取到结构化谓词.
func (i Intent) Structured() bool { return len(i.Queries) > 0 }

// ClassifierOptions 分类器参数. Wellbores 与 EntityIDs 来自已加载的图.
type ClassifierOptions struct {
	Wellbores           []string
	EntityIDs           []string
	DepthTolerance      float64
	DefaultGasThreshold float64
	MaxHops             int
}

const (
	defaultDepthTolerance = 10
	defaultGasThreshold   = 1.2
)

var (
	reNumber     = `(\d+(?:\.\d+)?)`
	reGas        = regexp.MustCompile(`(?i)\bgas\b`)
	reGasPeak    = regexp.MustCompile(`(?i)\b(?:gas\s+(?:peaks?|spikes?|shows?|anomal\w*)|high\s+gas)\b`)
	reAbove      = regexp.MustCompile(`(?i)(?:above|over|greater than|more than|higher than|exceed(?:s|ing)?|>)\s*` + reNumber + `\s*%?`)
	reAtLeast    = regexp.MustCompile(`(?i)(?:at least|>=|no less than)\s*` + reNumber + `\s*%?`)
	reBelow      = regexp.MustCompile(`(?i)(?:below|under|less than|lower than|<)\s*` + reNumber + `\s*%?`)
	reBetween    = regexp.MustCompile(`(?i)between\s*` + reNumber + `\s*%?\s*(?:and|to|-)\s*` + reNumber)
	reDepthWord  = regexp.MustCompile(`(?i)\bdepth\s+(?:of\s+)?` + reNumber)
	reDepthUnit  = regexp.MustCompile(`(?i)(?:\bat|\bnear|\baround|@)\s*` + reNumber + `\s*(?:m|meters?|metres?|mmd|md)\b`)
	reLithology  = regexp.MustCompile(`(?i)\b(?:lithology|lithologies|rock|rocks|sandstone|shale|claystone|limestone|siltstone|marl)\b`)
	reActivity   = regexp.MustCompile(`(?i)\b(?:activit\w*|operations?|happen\w*|doing|performed)\b`)
	reCore       = regexp.MustCompile(`(?i)\bcor(?:e|es|ed|ing)\b`)
	reCausal     = regexp.MustCompile(`(?i)\b(?:caus\w*|led to|result\w*|because)\b`)
	reTemporal   = regexp.MustCompile(`(?i)\b(?:after|next|follow\w*|subsequent\w*|then)\b`)
	reRelated    = regexp.MustCompile(`(?i)\b(?:related|connected|linked|neighbou?r\w*)\b`)
	reNarrative  = regexp.MustCompile(`(?i)\b(?:why|explain\w*|describe\w*|summar\w*|how|reason\w*|impact\w*)\b`)
)

// ClassifyIntent 用关键词规则把问题分类为结构化、语义或混合查询.
// 纯函数，无副作用.
func ClassifyIntent(question string, opts ClassifierOptions) Intent {
	if opts.DepthTolerance <= 0 {
		opts.DepthTolerance = defaultDepthTolerance
	}
	if opts.DefaultGasThreshold <= 0 {
		opts.DefaultGasThreshold = defaultGasThreshold
	}
	if opts.MaxHops <= 0 {
		opts.MaxHops = DefaultGraphQueryConfig().MaxHops
	}

	intent := Intent{Kind: IntentSemantic}
	wellbore := mentioned(question, opts.Wellbores)
	intent.Filter.Wellbore = wellbore

	var scope []Condition
	if wellbore != "" {
		scope = []Condition{{Attribute: "wellbore", Op: OpEq, Value: wellbore}}
	}

	if q, ok := gasQuery(question, opts.DefaultGasThreshold); ok {
		q.Match.Conditions = append(q.Match.Conditions, scope...)
		intent.Queries = append(intent.Queries, q)
	}

	depth, hasDepth := extractDepth(question)
	switch {
	case reLithology.MatchString(question):
		m := &MatchQuery{Types: []EntityType{EntityLithology}, OrderBy: "start_depth"}
		if hasDepth {
			m.Conditions = []Condition{
				{Attribute: "start_depth", Op: OpLte, Value: depth, MatchIfAbsent: true},
				{Attribute: "end_depth", Op: OpGte, Value: depth, MatchIfAbsent: true},
			}
		}
		m.Conditions = append(m.Conditions, scope...)
		intent.Queries = append(intent.Queries, GraphQuery{Name: "lithology_at_depth", Match: m})
	case reCore.MatchString(question):
		m := &MatchQuery{
			Types: []EntityType{EntityActivity},
			AnyOf: []Condition{
				{Attribute: "remark", Op: OpContains, Value: "core"},
				{Attribute: "activity_type", Op: OpContains, Value: "core"},
			},
			Conditions: scope,
			OrderBy:    "depth",
		}
		intent.Queries = append(intent.Queries, GraphQuery{Name: "core_samples", Match: m})
	case hasDepth && reActivity.MatchString(question):
		m := &MatchQuery{
			Types: []EntityType{EntityActivity},
			Conditions: append([]Condition{{
				Attribute: "depth", Op: OpBetween,
				Value: depth - opts.DepthTolerance, Upper: depth + opts.DepthTolerance,
			}}, scope...),
			OrderBy: "depth",
		}
		intent.Queries = append(intent.Queries, GraphQuery{Name: "activities_at_depth", Match: m})
	}

	if start := mentioned(question, opts.EntityIDs); start != "" {
		var rels []RelationType
		switch {
		case reCausal.MatchString(question):
			rels = []RelationType{RelationCausal}
		case reTemporal.MatchString(question):
			rels = []RelationType{RelationTemporal}
		case reRelated.MatchString(question):
		default:
			start = ""
		}
		if start != "" {
			intent.Queries = append(intent.Queries, GraphQuery{
				Name:     "traverse",
				Traverse: &Traversal{Start: start, RelationTypes: rels, MaxHops: opts.MaxHops},
			})
		}
	}

	if len(intent.Queries) > 0 {
		intent.Kind = IntentStructured
		if reNarrative.MatchString(question) {
			intent.Kind = IntentHybrid
		}
	}
	return intent
}

func gasQuery(question string, defaultThreshold float64) (GraphQuery, bool) {
	if !reGas.MatchString(question) {
		return GraphQuery{}, false
	}
	var cond Condition
	switch {
	case reBetween.MatchString(question):
		m := reBetween.FindStringSubmatch(question)
		lo, hi := parseFloat(m[1]), parseFloat(m[2])
		if lo > hi {
			lo, hi = hi, lo
		}
		cond = Condition{Attribute: "gas_percentage", Op: OpBetween, Value: lo, Upper: hi}
	case reAtLeast.MatchString(question):
		cond = Condition{Attribute: "gas_percentage", Op: OpGte, Value: parseFloat(reAtLeast.FindStringSubmatch(question)[1])}
	case reAbove.MatchString(question):
		cond = Condition{Attribute: "gas_percentage", Op: OpGt, Value: parseFloat(reAbove.FindStringSubmatch(question)[1])}
	case reBelow.MatchString(question):
		cond = Condition{Attribute: "gas_percentage", Op: OpLt, Value: parseFloat(reBelow.FindStringSubmatch(question)[1])}
	case reGasPeak.MatchString(question):
		cond = Condition{Attribute: "gas_percentage", Op: OpGt, Value: defaultThreshold}
	default:
		return GraphQuery{}, false
	}
	return GraphQuery{
		Name: "gas_readings",
		Match: &MatchQuery{
			Types:      []EntityType{EntityAnomaly},
			Conditions: []Condition{cond},
			OrderBy:    "depth",
		},
	}, true
}

func extractDepth(question string) (float64, bool) {
	if m := reDepthWord.FindStringSubmatch(question); m != nil {
		return parseFloat(m[1]), true
	}
	if m := reDepthUnit.FindStringSubmatch(question); m != nil {
		return parseFloat(m[1]), true
	}
	return 0, false
}

// mentioned 返回问题中出现的最长候选（大小写不敏感）.
func mentioned(question string, candidates []string) string {
	if len(candidates) == 0 {
		return ""
	}
	sorted := append([]string(nil), candidates...)
	sort.SliceStable(sorted, func(i, j int) bool { return len(sorted[i]) > len(sorted[j]) })
	lq := strings.ToLower(question)
	for _, c := range sorted {
		if c != "" && strings.Contains(lq, strings.ToLower(c)) {
			return c
		}
	}
	return ""
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(s, 64)
	return f
}
