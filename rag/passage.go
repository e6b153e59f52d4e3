package rag

import "strings"

// PassageMetadata 段落元数据（来自 DDR 报告头）.
type PassageMetadata struct {
	Wellbore string  `json:"wellbore,omitempty"`
	Operator string  `json:"operator,omitempty"`
	Period   string  `json:"period,omitempty"`
	Date     string  `json:"date,omitempty"`
	DepthMD  float64 `json:"depth_md,omitempty"`
	Filename string  `json:"filename,omitempty"`
}

// Passage 是索引中的检索段落，入索引后不可变.
type Passage struct {
	ID        string          `json:"id"`
	Text      string          `json:"text"`
	Embedding []float64       `json:"embedding"`
	Source    string          `json:"source"`
	Metadata  PassageMetadata `json:"metadata"`
}

// SourceRef 返回用于引用去重的来源文档标识.
func (p *Passage) SourceRef() string {
	if p.Source != "" {
		return p.Source
	}
	if p.Metadata.Filename != "" {
		return p.Metadata.Filename
	}
	return p.ID
}

// ScoredPassage 是一次检索命中，Passage 指向索引内的同一对象.
type ScoredPassage struct {
	Passage *Passage `json:"passage"`
	Score   float64  `json:"score"`
}

// PassageFilter 按元数据过滤，空字段表示不限制.
type PassageFilter struct {
	Wellbore string `json:"wellbore,omitempty"`
	Operator string `json:"operator,omitempty"`
}

// Empty 报告过滤器是否不含任何条件.
func (f PassageFilter) Empty() bool {
	return f.Wellbore == "" && f.Operator == ""
}

// Match 报告段落是否满足过滤条件（大小写不敏感）.
func (f PassageFilter) Match(p *Passage) bool {
	if f.Wellbore != "" && !strings.EqualFold(f.Wellbore, p.Metadata.Wellbore) {
		return false
	}
	if f.Operator != "" && !strings.EqualFold(f.Operator, p.Metadata.Operator) {
		return false
	}
	return true
}
