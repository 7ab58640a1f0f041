package knowledge

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	apperrors "github.com/si1ence90/SecAgentCore/internal/errors"
)

// Provider 定义知识库检索的通用接口。
type Provider interface {
	Query(query string) []Snippet
}

// Snippet 描述可供大模型引用的一段安全知识。
type Snippet struct {
	Title    string   `json:"title"`
	Content  string   `json:"content"`
	Keywords []string `json:"keywords"`
	Tags     []string `json:"tags"`
}

// 关键词命中计 1 分、标签命中计 0.5 分，总分低于该阈值的条目被丢弃。
const scoreThreshold = 0.3

// StaticProvider 基于本地 JSON 文件做关键词打分检索。
type StaticProvider struct {
	items      []Snippet
	maxResults int
}

var _ Provider = (*StaticProvider)(nil)

// NewStaticProvider 创建静态知识库实例。
func NewStaticProvider(items []Snippet, maxResults int) *StaticProvider {
	if maxResults <= 0 {
		maxResults = 3
	}
	return &StaticProvider{
		items:      items,
		maxResults: maxResults,
	}
}

// LoadStaticProvider 从 JSON 文件加载知识条目。
func LoadStaticProvider(path string, maxResults int) (*StaticProvider, error) {
	if strings.TrimSpace(path) == "" {
		return nil, apperrors.New(apperrors.CodeConfiguration, "知识库文件路径不能为空")
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfiguration, err, "解析知识库路径失败")
	}

	file, err := os.Open(absPath)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfiguration, err, "读取知识库文件失败")
	}
	defer file.Close()

	var entries []Snippet
	if err := json.NewDecoder(file).Decode(&entries); err != nil {
		return nil, apperrors.Wrap(apperrors.CodeConfiguration, err, "解析知识库文件失败")
	}

	return NewStaticProvider(entries, maxResults), nil
}

// Entries 返回全部知识条目，供前端展示或调试。
func (p *StaticProvider) Entries() []Snippet {
	out := make([]Snippet, len(p.items))
	copy(out, p.items)
	return out
}

// Query 对条目按关键词与标签命中打分，按得分降序返回前若干条。
func (p *StaticProvider) Query(query string) []Snippet {
	if p == nil {
		return nil
	}
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}

	type scored struct {
		snippet Snippet
		score   float64
		index   int
	}
	var hits []scored
	for i, item := range p.items {
		score := scoreSnippet(item, query)
		if score < scoreThreshold {
			continue
		}
		hits = append(hits, scored{snippet: item, score: score, index: i})
	}

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].index < hits[j].index
	})

	if len(hits) > p.maxResults {
		hits = hits[:p.maxResults]
	}
	results := make([]Snippet, 0, len(hits))
	for _, hit := range hits {
		results = append(results, hit.snippet)
	}
	return results
}

func scoreSnippet(snippet Snippet, query string) float64 {
	var score float64
	for _, keyword := range snippet.Keywords {
		normalized := strings.ToLower(strings.TrimSpace(keyword))
		if normalized == "" {
			continue
		}
		if strings.Contains(query, normalized) {
			score++
		}
	}
	for _, tag := range snippet.Tags {
		normalized := strings.ToLower(strings.TrimSpace(tag))
		if normalized == "" {
			continue
		}
		if strings.Contains(query, normalized) {
			score += 0.5
		}
	}
	return score
}
