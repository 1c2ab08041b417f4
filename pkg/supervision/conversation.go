// Package supervision implements the coordinator agent's safety layer:
// pattern-based conversation checks, workflow efficiency monitoring, a
// strategy repository, the intervention coordinator, and the facade that
// executes interventions through the context injection channel.
package supervision

import (
	"log/slog"
	"regexp"
)

// Issue codes produced by conversation checks.
const (
	IssueGenderBias      = "gender_bias"
	IssueRacialBias      = "racial_bias"
	IssueAgeBias         = "age_bias"
	IssueViolence        = "violence"
	IssueIllegalActivity = "illegal_activity"
	IssueSelfHarm        = "self_harm"
	IssuePromptInjection = "prompt_injection"
	IssueJailbreak       = "jailbreak"
	IssueContextOverflow = "context_overflow"
)

// Actions a check can recommend.
const (
	ActionAllow = "allow"
	ActionBlock = "block"
)

// maxInputLength is the context overflow threshold.
const maxInputLength = 50000

// blockingIssues force a block; bias warns but never blocks.
var blockingIssues = map[string]bool{
	IssueViolence:        true,
	IssueIllegalActivity: true,
	IssueSelfHarm:        true,
	IssuePromptInjection: true,
	IssueJailbreak:       true,
}

type pattern struct {
	issue string
	re    *regexp.Regexp
}

// ComprehensiveCheckResult is the outcome of checking one input across all
// conversation categories.
type ComprehensiveCheckResult struct {
	Passed bool     `json:"passed"`
	Issues []string `json:"issues"`
	Action string   `json:"action"`
}

// ConversationModule runs pattern-based detection over user input: bias,
// harmful content, and stability (injection attacks, context overflow).
type ConversationModule struct {
	bias      []pattern
	harmful   []pattern
	stability []pattern
	logger    *slog.Logger
}

// NewConversationModule compiles the built-in detection patterns.
func NewConversationModule(logger *slog.Logger) *ConversationModule {
	if logger == nil {
		logger = slog.Default()
	}
	m := &ConversationModule{logger: logger}

	m.bias = compilePatterns(logger, map[string][]string{
		IssueGenderBias: {
			`(?i)(women|men|girls|boys)\s+(are|can't|cannot|shouldn't)\s+\w+`,
			`女人(都|就是|不适合|不会)`,
			`男人(都|就是|不适合|不会)`,
		},
		IssueRacialBias: {
			`(?i)(race|ethnicity|nationality)\s+determines`,
			`(?i)all\s+(asians|africans|europeans|americans)\s+are`,
		},
		IssueAgeBias: {
			`(?i)(old|young)\s+people\s+(are|can't|cannot)\s+\w+`,
			`(老年人|年轻人)(都|就是|不会|不行)`,
		},
	})

	m.harmful = compilePatterns(logger, map[string][]string{
		IssueViolence: {
			`(?i)how\s+to\s+(make|build|manufacture)\s+(a\s+)?(weapon|bomb|gun|explosive)`,
			`(如何|怎么|怎样)(制造|制作|做)(武器|炸弹|枪|爆炸物)`,
			`(?i)(kill|murder|attack)\s+(someone|people|him|her)`,
			`(杀|伤害|攻击)(人|他|她)`,
		},
		IssueIllegalActivity: {
			`(?i)how\s+to\s+(hack|steal|launder|counterfeit)`,
			`(如何|怎么)(入侵|盗取|洗钱|造假)`,
			`(?i)(buy|sell|make)\s+(drugs|illegal)`,
			`(购买|出售|制作)(毒品|违禁品)`,
		},
		IssueSelfHarm: {
			`(?i)(hurt|harm|kill)\s+myself`,
			`(?i)(suicide|self.?harm)\s+(method|way|how)`,
			`(自杀|自残|自伤)(方法|方式|怎么)`,
		},
	})

	m.stability = compilePatterns(logger, map[string][]string{
		IssuePromptInjection: {
			`(?i)ignore\s+(all\s+)?(previous|above|prior)\s+(instructions?|prompts?)`,
			`(?i)disregard\s+(your|the)\s+(instructions?|rules?|guidelines?)`,
			`忽略(之前|上面|以上)的(指令|提示|规则)`,
		},
		IssueJailbreak: {
			`(?i)(pretend|act\s+as\s+if)\s+you\s+(are|have)\s+no\s+(restrictions?|limits?|rules?)`,
			`(?i)developer\s+mode`,
			`(?i)\bDAN\b.*mode`,
			`(假装|扮演)你(没有|不受)(限制|约束)`,
		},
	})
	return m
}

func compilePatterns(logger *slog.Logger, raw map[string][]string) []pattern {
	var out []pattern
	for issue, sources := range raw {
		for _, src := range sources {
			re, err := regexp.Compile(src)
			if err != nil {
				// A broken pattern degrades coverage, never the process.
				logger.Warn("skipping invalid supervision pattern",
					"issue", issue, "pattern", src, "error", err)
				continue
			}
			out = append(out, pattern{issue: issue, re: re})
		}
	}
	return out
}

// CheckBias returns the bias issues found in text.
func (m *ConversationModule) CheckBias(text string) []string {
	return match(m.bias, text)
}

// CheckHarmfulContent returns the harmful-content issues found in text.
func (m *ConversationModule) CheckHarmfulContent(text string) []string {
	return match(m.harmful, text)
}

// CheckStability returns stability issues: injection attacks plus context
// overflow when the input is longer than the hard limit.
func (m *ConversationModule) CheckStability(text string) []string {
	issues := match(m.stability, text)
	if len(text) > maxInputLength {
		issues = append(issues, IssueContextOverflow)
	}
	return issues
}

// CheckAll runs every category and derives the recommended action: block
// when any issue is in the blocking set, allow otherwise. Bias alone warns
// without blocking.
func (m *ConversationModule) CheckAll(text string) ComprehensiveCheckResult {
	var issues []string
	issues = append(issues, m.CheckBias(text)...)
	issues = append(issues, m.CheckHarmfulContent(text)...)
	issues = append(issues, m.CheckStability(text)...)

	action := ActionAllow
	for _, issue := range issues {
		if blockingIssues[issue] {
			action = ActionBlock
			break
		}
	}
	result := ComprehensiveCheckResult{
		Passed: len(issues) == 0,
		Issues: issues,
		Action: action,
	}
	if !result.Passed {
		m.logger.Warn("conversation check flagged input",
			"issues", issues, "action", action)
	}
	return result
}

func match(patterns []pattern, text string) []string {
	seen := make(map[string]bool)
	var issues []string
	for _, p := range patterns {
		if seen[p.issue] {
			continue
		}
		if p.re.MatchString(text) {
			seen[p.issue] = true
			issues = append(issues, p.issue)
		}
	}
	return issues
}
