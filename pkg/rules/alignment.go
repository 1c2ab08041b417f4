package rules

import (
	"strings"
	"unicode"
)

// DefaultAlignmentThreshold is the score below which a decision is treated
// as drifting from the session goal.
const DefaultAlignmentThreshold = 0.5

// synonymGroups are curated clusters of interchangeable domain terms. Two
// keywords in the same group count as a match even with no textual overlap.
var synonymGroups = [][]string{
	{"销售", "订单", "交易", "营收", "收入", "sales", "order", "revenue"},
	{"报表", "报告", "统计", "汇总", "report", "summary"},
	{"数据", "信息", "记录", "data", "record"},
	{"分析", "分类", "analysis", "analyze", "classify"},
	{"查询", "检索", "搜索", "query", "search", "lookup"},
	{"生成", "创建", "构建", "generate", "create", "build"},
}

// dangerousVerbs are destructive operations that discount alignment when the
// action mentions them but the goal does not.
var dangerousVerbs = []string{
	"删除", "清空", "销毁", "格式化",
	"drop", "delete", "truncate", "destroy", "wipe",
}

// asciiStopwords are skipped during keyword extraction.
var asciiStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "and": true, "or": true, "of": true,
	"to": true, "in": true, "for": true, "with": true, "on": true, "is": true,
	"all": true, "from": true, "by": true, "at": true,
}

// cjkLexicon holds known multi-character CJK terms matched greedily before
// falling back to bigrams.
var cjkLexicon = []string{
	"销售数据", "销售", "订单", "交易", "营收", "收入", "报表", "报告",
	"统计", "汇总", "数据", "信息", "记录", "分析", "分类", "查询",
	"检索", "搜索", "生成", "创建", "构建", "客户", "用户", "产品",
	"删除", "清空", "销毁", "格式化", "武器", "制造",
}

// AlignmentChecker scores how well an action description serves the session
// goal, in [0, 1].
type AlignmentChecker struct {
	Threshold float64
}

// NewAlignmentChecker creates a checker with the default threshold.
func NewAlignmentChecker() *AlignmentChecker {
	return &AlignmentChecker{Threshold: DefaultAlignmentThreshold}
}

// Score computes the alignment of action against goal. Scoring: extract
// keyword sets from both texts; each goal keyword scores a hit when an
// action keyword contains it, is contained by it, or shares a synonym
// group. Base = hits / max(len(goalKeywords), 1), capped at 1. A dangerous
// verb in the action that the goal lacks multiplies the base by 0.3. When
// ctx carries progress below 0.8 a +0.1 exploration bonus applies, capped
// at 1.
func (c *AlignmentChecker) Score(goal, action string, ctx map[string]any) float64 {
	goalKeywords := ExtractKeywords(goal)
	actionKeywords := ExtractKeywords(action)

	if len(goalKeywords) == 0 {
		return 1.0
	}

	matches := 0
	for _, gk := range goalKeywords {
		for _, ak := range actionKeywords {
			if keywordsMatch(gk, ak) {
				matches++
				break
			}
		}
	}

	score := float64(matches) / float64(len(goalKeywords))
	if score > 1.0 {
		score = 1.0
	}

	if hasDangerousVerb(action) && !hasDangerousVerb(goal) {
		score *= 0.3
	}

	if ctx != nil {
		if progress, ok := toFloat(ctx["progress"]); ok && progress < 0.8 {
			score += 0.1
		}
	}
	if score > 1.0 {
		score = 1.0
	}
	return score
}

// Aligned reports whether action clears the threshold.
func (c *AlignmentChecker) Aligned(goal, action string, ctx map[string]any) bool {
	return c.Score(goal, action, ctx) >= c.Threshold
}

// ExtractKeywords tokenizes mixed Chinese/English text into a keyword list.
// ASCII runs become lowercased word tokens (stopwords removed); CJK runs are
// matched greedily against the domain lexicon, with character bigrams as the
// fallback for unknown spans.
func ExtractKeywords(text string) []string {
	var keywords []string
	seen := make(map[string]bool)
	add := func(k string) {
		if k != "" && !seen[k] {
			seen[k] = true
			keywords = append(keywords, k)
		}
	}

	runes := []rune(text)
	i := 0
	for i < len(runes) {
		r := runes[i]
		switch {
		case unicode.Is(unicode.Han, r):
			j := i
			for j < len(runes) && unicode.Is(unicode.Han, runes[j]) {
				j++
			}
			for _, k := range extractCJK(runes[i:j]) {
				add(k)
			}
			i = j
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			j := i
			for j < len(runes) && (unicode.IsLetter(runes[j]) || unicode.IsDigit(runes[j])) && !unicode.Is(unicode.Han, runes[j]) {
				j++
			}
			word := strings.ToLower(string(runes[i:j]))
			if len(word) >= 2 && !asciiStopwords[word] {
				add(word)
			}
			i = j
		default:
			i++
		}
	}
	return keywords
}

// extractCJK segments one Han run: greedy longest lexicon match first, then
// bigram fallback for the remainder.
func extractCJK(run []rune) []string {
	var out []string
	i := 0
	for i < len(run) {
		matched := ""
		for _, term := range cjkLexicon {
			tr := []rune(term)
			if len(tr) <= len(run)-i && string(run[i:i+len(tr)]) == term && len(tr) > len([]rune(matched)) {
				matched = term
			}
		}
		if matched != "" {
			out = append(out, matched)
			i += len([]rune(matched))
			continue
		}
		if i+1 < len(run) {
			out = append(out, string(run[i:i+2]))
		} else {
			out = append(out, string(run[i:i+1]))
		}
		i++
	}
	return out
}

// keywordsMatch reports containment either way or shared synonym group.
func keywordsMatch(a, b string) bool {
	if strings.Contains(a, b) || strings.Contains(b, a) {
		return true
	}
	for _, group := range synonymGroups {
		inA, inB := false, false
		for _, term := range group {
			if term == a {
				inA = true
			}
			if term == b {
				inB = true
			}
		}
		if inA && inB {
			return true
		}
	}
	return false
}

func hasDangerousVerb(text string) bool {
	lower := strings.ToLower(text)
	for _, verb := range dangerousVerbs {
		if strings.Contains(lower, verb) {
			return true
		}
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}
