package loader

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/BaSui01/ddrflow/rag"
)

// maxLineSize 限制 JSONL 单行大小（384 维向量约 8KB）.
const maxLineSize = 4 << 20

// ReadPassages 从 reader 读取段落. jsonl 为 true 时按行解析.
func ReadPassages(r io.Reader, jsonl bool) ([]*rag.Passage, error) {
	if !jsonl {
		var out []*rag.Passage
		if err := json.NewDecoder(r).Decode(&out); err != nil {
			if err == io.EOF {
				return []*rag.Passage{}, nil
			}
			return nil, fmt.Errorf("passages: %w", err)
		}
		return out, nil
	}

	var out []*rag.Passage
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		var p rag.Passage
		if err := json.Unmarshal([]byte(line), &p); err != nil {
			return nil, fmt.Errorf("passages: line %d: %w", lineNum, err)
		}
		out = append(out, &p)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("passages: %w", err)
	}
	return out, nil
}

// GraphSnapshot 是知识图快照的文件格式.
type GraphSnapshot struct {
	Entities  []rag.Entity   `json:"entities"`
	Relations []rag.Relation `json:"relations"`
}

// ReadGraph 读取知识图快照并构建只读图.
// 数值属性按 float64 解析，保证数值比较可用.
func ReadGraph(r io.Reader, b *rag.GraphBuilder) (*rag.KnowledgeGraph, error) {
	var snap GraphSnapshot
	if err := json.NewDecoder(r).Decode(&snap); err != nil && err != io.EOF {
		return nil, fmt.Errorf("graph: %w", err)
	}
	for _, e := range snap.Entities {
		if err := b.AddEntity(e); err != nil {
			return nil, fmt.Errorf("graph: %w", err)
		}
	}
	for _, rel := range snap.Relations {
		if err := b.AddRelation(rel); err != nil {
			return nil, fmt.Errorf("graph: %w", err)
		}
	}
	return b.Build()
}

// LoadPassages 按扩展名（.json / .jsonl）读取段落文件.
func LoadPassages(ctx context.Context, path string) ([]*rag.Passage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("passages loader: %w", err)
	}
	defer f.Close()
	passages, err := ReadPassages(f, strings.EqualFold(filepath.Ext(path), ".jsonl"))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return passages, nil
}

// LoadGraph 读取知识图快照文件.
func LoadGraph(ctx context.Context, path string, b *rag.GraphBuilder) (*rag.KnowledgeGraph, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("graph loader: %w", err)
	}
	defer f.Close()
	g, err := ReadGraph(f, b)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return g, nil
}
