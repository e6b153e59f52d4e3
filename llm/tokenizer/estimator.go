package tokenizer

import "unicode"

// 经验值：英文与数字约 4 字符一个 token，中日韩文字约 1.5 字符一个 token
const (
	latinCharsPerToken = 4.0
	cjkCharsPerToken   = 1.5
)

var cjkTables = []*unicode.RangeTable{unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul}

// Estimator 按字符数估算 token，不依赖编码数据。
type Estimator struct{}

func NewEstimator() *Estimator { return &Estimator{} }

// CountTokens 非空文本至少计 1
func (Estimator) CountTokens(text string) (int, error) {
	if text == "" {
		return 0, nil
	}
	var cjk, other int
	for _, r := range text {
		if isWide(r) {
			cjk++
		} else {
			other++
		}
	}
	n := int(float64(cjk)/cjkCharsPerToken + float64(other)/latinCharsPerToken)
	return max(n, 1), nil
}

func (Estimator) Name() string { return "estimator" }

// 全角标点按 CJK 计
func isWide(r rune) bool {
	if (r >= 0x3000 && r <= 0x303F) || (r >= 0xFF00 && r <= 0xFFEF) {
		return true
	}
	return unicode.IsOneOf(cjkTables, r)
}
