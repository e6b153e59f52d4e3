package tokenizer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type brokenTokenizer struct{ calls int }

func (b *brokenTokenizer) CountTokens(string) (int, error) {
	b.calls++
	return 0, errors.New("encoding unavailable")
}
func (b *brokenTokenizer) Name() string { return "broken" }

func TestEstimator(t *testing.T) {
	e := NewEstimator()
	n, err := e.CountTokens("")
	require.NoError(t, err)
	assert.Zero(t, n)

	n, _ = e.CountTokens("abc")
	assert.Equal(t, 1, n)

	n, _ = e.CountTokens("Gas peak of 2.0% observed at 2900 m MD.") // 39 chars
	assert.Equal(t, 9, n)

	n, _ = e.CountTokens("钻井日报")
	assert.Equal(t, 2, n)
}

func TestCountMessagesAndEstimateCall(t *testing.T) {
	e := NewEstimator()
	msgs := []Message{{Role: "system", Content: "abcdefgh"}, {Role: "user", Content: "abcd"}}
	n, err := CountMessages(e, msgs)
	require.NoError(t, err)
	assert.Equal(t, 3+(2+4)+(1+4), n)

	n, err = EstimateCall(e, msgs, 512)
	require.NoError(t, err)
	assert.Equal(t, 14+512, n)
}

func TestFallback_SwitchesOnce(t *testing.T) {
	b := &brokenTokenizer{}
	f := NewFallback(b, NewEstimator(), zap.NewNop())
	assert.Equal(t, "broken", f.Name())

	n, err := f.CountTokens("abcdefgh")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "estimator", f.Name())

	_, _ = f.CountTokens("more text")
	assert.Equal(t, 1, b.calls, "primary is not retried after failing")
}

func TestEncodingForModel(t *testing.T) {
	assert.Equal(t, "o200k_base", EncodingForModel("gpt-4o-mini"))
	assert.Equal(t, "cl100k_base", EncodingForModel("llama-3.1-8b-instant"))
	assert.Equal(t, "cl100k_base", EncodingForModel("unknown"))
	assert.Equal(t, "tiktoken[cl100k_base]", NewTiktoken("mixtral-8x7b").Name())
}

func TestEstimator_KanaAndFullWidthCountAsWide(t *testing.T) {
	n, err := NewEstimator().CountTokens("カタカナ、")
	require.NoError(t, err)
	assert.Equal(t, 3, n) // 5 / 1.5
}

func TestFallback_HealthyPrimaryStays(t *testing.T) {
	f := NewFallback(NewEstimator(), &brokenTokenizer{}, nil)
	n, err := f.CountTokens("abcdefgh")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, "estimator", f.Name())
}
