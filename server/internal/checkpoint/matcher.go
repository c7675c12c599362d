package checkpoint

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"talentbud/server/internal/model"
)

// DefaultCheckpoints 是默认的面试覆盖里程碑。
func DefaultCheckpoints() []model.Checkpoint {
	return []model.Checkpoint{
		{Index: 1, ID: "background", Name: "Background", Keywords: []string{"background", "introduce yourself", "tell me about yourself", "experience"}},
		{Index: 2, ID: "skills", Name: "Skills", Keywords: []string{"skills", "technologies", "tech stack", "tools", "languages"}},
		{Index: 3, ID: "projects", Name: "Projects", Keywords: []string{"project", "built", "worked on", "portfolio"}},
		{Index: 4, ID: "challenges", Name: "Challenges", Keywords: []string{"challenge", "difficult", "obstacle", "problem you faced"}},
		{Index: 5, ID: "goals", Name: "Goals", Keywords: []string{"goals", "future", "five years", "aspire", "career"}},
	}
}

// Matcher 根据关键词集合判断一句 AI 发言是否推进了检查点。
// 只读，可在多个会话间共享。
type Matcher struct {
	checkpoints []model.Checkpoint
}

// NewMatcher 校验并规范化检查点目录：索引必须为 1..N 连续，关键词非空并转小写。
func NewMatcher(checkpoints []model.Checkpoint) (*Matcher, error) {
	if len(checkpoints) == 0 {
		return nil, errors.New("checkpoint catalogue is empty")
	}

	normalized := make([]model.Checkpoint, len(checkpoints))
	for i, cp := range checkpoints {
		keywords := make([]string, 0, len(cp.Keywords))
		for _, kw := range cp.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" {
				keywords = append(keywords, kw)
			}
		}
		if len(keywords) == 0 {
			return nil, fmt.Errorf("checkpoint %q has no keywords", cp.ID)
		}
		cp.Keywords = keywords
		normalized[i] = cp
	}

	sort.Slice(normalized, func(i, j int) bool { return normalized[i].Index < normalized[j].Index })
	for i, cp := range normalized {
		if cp.Index != i+1 {
			return nil, fmt.Errorf("checkpoint indices must be contiguous from 1, got %d at position %d", cp.Index, i+1)
		}
	}

	return &Matcher{checkpoints: normalized}, nil
}

// Evaluate 返回发言之后的检查点索引。
// 在所有索引大于 current 的检查点中取命中关键词的最大索引；都未命中则原样返回 current。
// 对任意输入（空串、无字母内容）都不会失败，结果永远不小于 current。
func (m *Matcher) Evaluate(utterance string, current int) int {
	text := strings.ToLower(utterance)
	if text == "" {
		return current
	}

	next := current
	for _, cp := range m.checkpoints {
		if cp.Index <= next {
			continue
		}
		for _, kw := range cp.Keywords {
			if strings.Contains(text, kw) {
				next = cp.Index
				break
			}
		}
	}
	return next
}

// Checkpoint 按索引查找检查点。
func (m *Matcher) Checkpoint(index int) (model.Checkpoint, bool) {
	if index < 1 || index > len(m.checkpoints) {
		return model.Checkpoint{}, false
	}
	return m.checkpoints[index-1], true
}

// Checkpoints 返回目录副本。
func (m *Matcher) Checkpoints() []model.Checkpoint {
	out := make([]model.Checkpoint, len(m.checkpoints))
	copy(out, m.checkpoints)
	return out
}

// Len 返回检查点数量。
func (m *Matcher) Len() int {
	return len(m.checkpoints)
}
