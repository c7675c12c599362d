package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"talentbud/server/internal/model"
)

func newTestMatcher(t *testing.T) *Matcher {
	t.Helper()
	m, err := NewMatcher(DefaultCheckpoints())
	require.NoError(t, err)
	return m
}

// TestEvaluateNeverRegresses 验证结果永远不小于当前索引。
func TestEvaluateNeverRegresses(t *testing.T) {
	m := newTestMatcher(t)
	utterances := []string{
		"",
		"12345 !!! ???",
		"Tell me about your background",
		"What technologies do you use?",
		"What are your goals for the future?",
		"完全没有英文关键词",
	}
	for current := 1; current <= m.Len(); current++ {
		for _, u := range utterances {
			assert.GreaterOrEqual(t, m.Evaluate(u, current), current, "utterance %q at %d", u, current)
		}
	}
}

// TestEvaluateNoKeywordKeepsIndex 验证未命中后续关键词时索引不变。
func TestEvaluateNoKeywordKeepsIndex(t *testing.T) {
	m := newTestMatcher(t)
	assert.Equal(t, 1, m.Evaluate("Tell me about your background", 1))
	assert.Equal(t, 3, m.Evaluate("What technologies do you use?", 3))
	assert.Equal(t, 2, m.Evaluate("", 2))
}

// TestEvaluateSingleMatchAdvances 验证只命中某个后续检查点时跳到该检查点。
func TestEvaluateSingleMatchAdvances(t *testing.T) {
	m := newTestMatcher(t)
	assert.Equal(t, 2, m.Evaluate("Which TECHNOLOGIES are you most comfortable with?", 1))
	assert.Equal(t, 4, m.Evaluate("What was the most difficult bug?", 1))
}

// TestEvaluateHighestMatchWins 验证同时命中多个检查点时取最大索引。
func TestEvaluateHighestMatchWins(t *testing.T) {
	m := newTestMatcher(t)
	got := m.Evaluate("Beyond your skills, what are your goals?", 1)
	assert.Equal(t, 5, got)
}

// TestNewMatcherValidatesCatalogue 验证目录校验与关键词规范化。
func TestNewMatcherValidatesCatalogue(t *testing.T) {
	_, err := NewMatcher(nil)
	require.Error(t, err)

	_, err = NewMatcher([]model.Checkpoint{{Index: 1, ID: "a"}})
	require.Error(t, err)

	_, err = NewMatcher([]model.Checkpoint{
		{Index: 1, ID: "a", Keywords: []string{"x"}},
		{Index: 3, ID: "c", Keywords: []string{"y"}},
	})
	require.Error(t, err)

	m, err := NewMatcher([]model.Checkpoint{
		{Index: 2, ID: "b", Keywords: []string{"  Rust "}},
		{Index: 1, ID: "a", Keywords: []string{"Go"}},
	})
	require.NoError(t, err)
	cp, ok := m.Checkpoint(2)
	require.True(t, ok)
	assert.Equal(t, []string{"rust"}, cp.Keywords)
	assert.Equal(t, 2, m.Evaluate("I love rust", 1))

	_, ok = m.Checkpoint(0)
	assert.False(t, ok)
}
