// Package sanitize strips reasoning traces and vendor markup from model
// output and pulls the answer out of the JSON envelope the prompt asks for.
package sanitize

import (
	"regexp"
	"strings"
)

// Step is one named transform of the cleaning pipeline.
type Step struct {
	Name  string
	Apply func(string) string
}

func removeStep(name string, patterns ...string) Step {
	res := make([]*regexp.Regexp, 0, len(patterns))
	for _, p := range patterns {
		res = append(res, regexp.MustCompile(p))
	}
	return Step{
		Name: name,
		Apply: func(s string) string {
			for _, re := range res {
				s = re.ReplaceAllLiteralString(s, "")
			}
			return s
		},
	}
}

var (
	reasoningChannelHeader = regexp.MustCompile(`(?i)<\|channel\|>\s*(?:analysis|reasoning|thinking|thought|internal)\s*<\|message\|>`)
	channelMarker          = regexp.MustCompile(`(?i)<\|channel\|>`)
	excessNewlines         = regexp.MustCompile(`\n{3,}`)
)

var pipeline = []Step{
	removeStep("thinking", `(?is)<thinking(?:\s[^>]*)?>.*?</thinking\s*>`),
	removeStep("think", `(?is)<think(?:\s[^>]*)?>.*?</think\s*>`),
	removeStep("bracket-think", `(?is)\[think\].*?\[/think\]`),
	removeStep("thought-tags", `(?i)</?\s*thought(?:\s[^>]*)?>`),
	removeStep("reasoning", `(?is)<reasoning(?:\s[^>]*)?>.*?</reasoning\s*>`),
	{Name: "reasoning-channels", Apply: stripReasoningChannels},
	removeStep("channel-headers", `(?i)<\|channel\|>\s*[\w.-]*\s*<\|message\|>`),
	removeStep("bare-markers",
		`(?i)<\|start\|>(?:assistant|user|system|developer)?`,
		`(?i)<\|(?:channel|message|endoftext|end|return)\|>`,
	),
	removeStep("html-comments", `(?s)<!--.*?-->`),
	removeStep("boilerplate",
		`(?i)\*\*Final Answer:\*\*`,
		`(?i)Final Answer:[ \t]*`,
		`(?i)\*\*Answer:\*\*`,
		`(?im)^Answer:[ \t]*`,
		`(?i)\*\*Response:\*\*`,
		`(?im)^Response:[ \t]*`,
	),
	{Name: "collapse-newlines", Apply: func(s string) string {
		return excessNewlines.ReplaceAllLiteralString(s, "\n\n")
	}},
	{Name: "trim", Apply: strings.TrimSpace},
}

// Steps returns the pipeline in application order.
func Steps() []Step {
	return append([]Step(nil), pipeline...)
}

func Clean(raw string) string {
	out := raw
	for _, step := range pipeline {
		out = step.Apply(out)
	}
	return out
}

// stripReasoningChannels drops every reasoning-tagged channel section up to
// the next channel marker, or to the end of the text when none follows.
func stripReasoningChannels(s string) string {
	var b strings.Builder
	for {
		loc := reasoningChannelHeader.FindStringIndex(s)
		if loc == nil {
			b.WriteString(s)
			return b.String()
		}
		b.WriteString(s[:loc[0]])
		rest := s[loc[1]:]
		next := channelMarker.FindStringIndex(rest)
		if next == nil {
			return b.String()
		}
		s = rest[next[0]:]
	}
}
