package tokenizer

import (
	"fmt"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"
)

const defaultEncoding = "cl100k_base"

// 按顺序匹配模型名前缀。llama、mixtral、gemma 没有公开的 tiktoken 编码，
// 用 cl100k_base 近似。
var encodingByPrefix = [][2]string{
	{"gpt-4o", "o200k_base"},
	{"gpt-4", "cl100k_base"},
	{"gpt-3.5", "cl100k_base"},
	{"text-embedding-3", "cl100k_base"},
	{"llama", "cl100k_base"},
	{"meta-llama", "cl100k_base"},
	{"mixtral", "cl100k_base"},
	{"gemma", "cl100k_base"},
}

// EncodingForModel 未知模型返回 cl100k_base
func EncodingForModel(model string) string {
	m := strings.ToLower(model)
	for _, e := range encodingByPrefix {
		if strings.HasPrefix(m, e[0]) {
			return e[1]
		}
	}
	return defaultEncoding
}

// Tiktoken 精确计数。编码表在第一次 CountTokens 时加载（可能需要联网下载）。
type Tiktoken struct {
	encoding string
	load     func() (*tiktoken.Tiktoken, error)
}

func NewTiktoken(model string) *Tiktoken {
	name := EncodingForModel(model)
	return &Tiktoken{
		encoding: name,
		load: sync.OnceValues(func() (*tiktoken.Tiktoken, error) {
			enc, err := tiktoken.GetEncoding(name)
			if err != nil {
				return nil, fmt.Errorf("init tiktoken encoding %s: %w", name, err)
			}
			return enc, nil
		}),
	}
}

func (t *Tiktoken) CountTokens(text string) (int, error) {
	enc, err := t.load()
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

func (t *Tiktoken) Name() string { return "tiktoken[" + t.encoding + "]" }
