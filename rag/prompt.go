package rag

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/BaSui01/ddrflow/llm"
)

// DefaultSystemPrompt 默认系统提示词.
const DefaultSystemPrompt = `You are an expert drilling engineer with deep knowledge of daily drilling reports (DDR), well operations and petroleum engineering.
Answer only from the numbered context. Cite every fact with its context number in square brackets, for example [2].
If the context does not contain the answer, say so plainly.`

// NoDataAnswer 是检索为空时返回的回答.
const NoDataAnswer = "No relevant drilling report data was found for this question."

// PromptConfig 提示词参数.
type PromptConfig struct {
	SystemPrompt string `yaml:"system_prompt" json:"system_prompt"`
	// AnswerLanguage 非空时要求模型用该语言回答
	AnswerLanguage string `yaml:"answer_language" json:"answer_language"`
}

// BuildMessages 把上下文包和问题组装成对话消息.
func BuildMessages(question string, b *Bundle, cfg PromptConfig) []llm.Message {
	system := cfg.SystemPrompt
	if system == "" {
		system = DefaultSystemPrompt
	}
	if cfg.AnswerLanguage != "" {
		system += "\nAlways answer in " + cfg.AnswerLanguage + ", regardless of the question's language."
	}

	var sb strings.Builder
	sb.WriteString("Answer the question using the drilling report context below.\n\n")
	sb.WriteString("Context:\n")
	for _, it := range b.Items {
		fmt.Fprintf(&sb, "[%d] (%s %s, source: %s)\n%s\n\n", it.Citation, it.Kind, it.ID, it.Source, it.Text)
	}
	fmt.Fprintf(&sb, "Question: %s\n\nAnswer:", strings.TrimSpace(question))

	return []llm.Message{
		{Role: llm.RoleSystem, Content: system},
		{Role: llm.RoleUser, Content: sb.String()},
	}
}

var reCitationRef = regexp.MustCompile(`\[(\d+)\]`)

// ParseAnswer 清理模型回答并返回它引用的来源.
// 回答没有引用任何编号时，返回上下文包的全部来源.
func ParseAnswer(text string, b *Bundle) (string, []Citation) {
	answer := strings.TrimSpace(text)
	answer = strings.TrimPrefix(answer, "Answer:")
	answer = strings.TrimSpace(answer)
	if b.Empty() {
		return answer, nil
	}

	cited := make(map[int]bool)
	for _, m := range reCitationRef.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(m[1])
		if err == nil && n >= 1 && n <= len(b.Citations) {
			cited[n] = true
		}
	}
	if len(cited) == 0 {
		return answer, append([]Citation(nil), b.Citations...)
	}
	out := make([]Citation, 0, len(cited))
	for _, c := range b.Citations {
		if cited[c.Index] {
			out = append(out, c)
		}
	}
	return answer, out
}
