package guardian

import (
	"fmt"
	"strings"
)

// Keyword classes for goal analysis. Euphemisms are verbs that mean
// "delete" in disguise; combined with a system path they score as an
// evasion attempt rather than a routine request.
var (
	euphemismKeywords = []string{
		"clear", "clean", "wipe", "purge", "organize", "tidy", "archive",
		"free up", "reclaim", "empty", "reset", "format", "nuke", "sanitize",
	}
	highRiskKeywords = []string{
		"delete", "drop", "hack", "exploit", "bypass", "admin", "root", "sudo",
		"rm -rf", "rmdir", "truncate", "destroy", "erase", "shred", "kill",
	}
	systemPaths = []string{
		"root", "/root", "/etc", "/var", "/usr", "/bin", "/sys", "/boot",
		"system32", "windows", "c:\\", "home directory", "all files",
		"everything", "entire", "whole system",
	}
	mediumRiskKeywords = []string{"modify", "update", "change", "write", "send", "transfer"}

	toolKeywords = map[string][]string{
		"shell":       {"shell", "bash", "cmd", "exec", "run", "terminal", "command"},
		"file_write":  {"write", "save", "create file", "modify file"},
		"file_delete": {"delete", "remove", "rm", "unlink", "clear", "wipe", "clean", "purge"},
		"network":     {"http", "api", "fetch", "request", "curl"},
		"database":    {"sql", "query", "select", "insert", "update", "delete from"},
		"email":       {"email", "mail", "send message", "notify"},
	}
)

// RiskAssessment is the analyzed shape of one goal.
type RiskAssessment struct {
	Score          float64            `json:"score"`
	Indicators     map[string]float64 `json:"indicators"`
	ToolsRequired  []string           `json:"tools_required"`
	ReasoningTrace string             `json:"reasoning_trace"`
}

// AnalyzeGoal scores a free-text goal against the keyword classes.
// Scoring is paranoid on purpose: a euphemism aimed at a system path
// scores near-critical even without an explicit destructive verb.
func AnalyzeGoal(goal string) *RiskAssessment {
	lower := strings.ToLower(goal)
	indicators := map[string]float64{}
	score := 0.1

	var tools []string
	for tool, kws := range toolKeywords {
		if containsAny(lower, kws) {
			tools = append(tools, tool)
		}
	}

	hasEuphemism := containsAny(lower, euphemismKeywords)
	hasSystemPath := containsAny(lower, systemPaths)

	if hasEuphemism && hasSystemPath {
		indicators["euphemism_attack"] = 0.95
		indicators["system_path_target"] = 0.9
		score = 0.95
		tools = appendUnique(tools, "file_delete", "shell")
	}

	if n := countMatches(lower, euphemismKeywords); n > 0 && !hasSystemPath {
		v := min(0.5+0.1*float64(n), 0.7)
		indicators["suspicious_euphemism"] = v
		score = max(score, v)
	}
	if n := countMatches(lower, highRiskKeywords); n > 0 {
		v := min(0.3*float64(n), 0.9)
		indicators["destructive_intent"] = v
		score = max(score, v)
	}
	if hasSystemPath && !hasEuphemism {
		indicators["system_path_access"] = 0.7
		score = max(score, 0.7)
	}
	if n := countMatches(lower, mediumRiskKeywords); n > 0 {
		v := min(0.15*float64(n), 0.5)
		indicators["modification_intent"] = v
		score = max(score, v)
	}
	if hasTool(tools, "shell") || hasTool(tools, "file_delete") {
		indicators["dangerous_tools"] = 0.7
		score = max(score, 0.7)
	}

	if len(tools) == 0 {
		tools = []string{"none"}
	}
	return &RiskAssessment{
		Score:         min(score, 1.0),
		Indicators:    indicators,
		ToolsRequired: tools,
		ReasoningTrace: fmt.Sprintf("analyzed goal with %d tools detected, %d risk indicators",
			len(tools), len(indicators)),
	}
}

func containsAny(s string, kws []string) bool {
	for _, kw := range kws {
		if strings.Contains(s, kw) {
			return true
		}
	}
	return false
}

func countMatches(s string, kws []string) int {
	n := 0
	for _, kw := range kws {
		if strings.Contains(s, kw) {
			n++
		}
	}
	return n
}

func hasTool(tools []string, name string) bool {
	for _, t := range tools {
		if t == name {
			return true
		}
	}
	return false
}

func appendUnique(tools []string, names ...string) []string {
	for _, name := range names {
		if !hasTool(tools, name) {
			tools = append(tools, name)
		}
	}
	return tools
}
