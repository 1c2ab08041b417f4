package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractKeywords(t *testing.T) {
	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "english words",
			text: "Generate the quarterly sales report",
			want: []string{"generate", "quarterly", "sales", "report"},
		},
		{
			name: "chinese lexicon terms",
			text: "销售数据",
			want: []string{"销售数据"},
		},
		{
			name: "mixed",
			text: "生成报表 for Q3",
			want: []string{"生成", "报表", "q3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExtractKeywords(tt.text))
		})
	}
}

func TestScoreMatchingGoal(t *testing.T) {
	c := NewAlignmentChecker()

	// Direct keyword overlap.
	score := c.Score("generate sales report", "build the sales report table", nil)
	assert.Greater(t, score, 0.5)

	// Synonym-group match: 销售 and 订单 are in the same cluster.
	score = c.Score("汇总销售情况", "统计订单金额", nil)
	assert.Greater(t, score, 0.0)

	// Unrelated action scores low.
	score = c.Score("generate sales report", "reboot the cluster", nil)
	assert.Less(t, score, 0.5)
}

func TestDangerousVerbDiscount(t *testing.T) {
	c := NewAlignmentChecker()

	aligned := c.Score("analyze sales data", "analyze sales data trends", nil)
	destructive := c.Score("analyze sales data", "analyze sales data then drop the table", nil)
	require.Greater(t, aligned, destructive)
	assert.Less(t, destructive, c.Threshold)

	// A goal that itself names the dangerous verb is not discounted.
	cleanup := c.Score("delete stale records", "delete stale records older than 30 days", nil)
	assert.Greater(t, cleanup, 0.5)
}

func TestProgressBonus(t *testing.T) {
	c := NewAlignmentChecker()

	base := c.Score("generate report", "collect report data", nil)
	early := c.Score("generate report", "collect report data", map[string]any{"progress": 0.2})
	assert.InDelta(t, base+0.1, early, 0.0001)

	// Near completion: no bonus.
	late := c.Score("generate report", "collect report data", map[string]any{"progress": 0.9})
	assert.InDelta(t, base, late, 0.0001)
}

func TestScoreCappedAtOne(t *testing.T) {
	c := NewAlignmentChecker()
	score := c.Score("sales", "sales", map[string]any{"progress": 0.1})
	assert.LessOrEqual(t, score, 1.0)
}
