package compliance

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

var (
	// essayTopic marks a query as being about written application content.
	essayTopic = regexp.MustCompile(`(?i)\b(essay|narrative|personal statement|merit hiring plan|mhp|cover letter|ksa|statement of (qualifications|interest)|application questions?)\b`)

	// generationRequest matches an imperative request to produce the text.
	// Questions ("how should I write my essay?") do not match.
	generationRequest = regexp.MustCompile(`(?i)(^|[.!?]\s+)(please\s+|can you\s+|could you\s+|would you\s+)?(write|draft|compose|generate|produce)\s+(me\s+)?(my|an?|the|this)\b[^.?!]{0,60}\b(essays?|narratives?|statements?|responses?)\b`)

	// deliveredEssay matches a response handing over finished text.
	deliveredEssay = regexp.MustCompile(`(?i)\bhere('s| is)\s+(your|the|a)\s+(draft\s+|completed\s+|final\s+|polished\s+)?(essay|narrative|response|statement)\b`)

	// starNarrative matches first-person accomplishment sentences of the kind
	// a finished STAR narrative consists of.
	starNarrative = regexp.MustCompile(`(?i)\b(in my (role|position|time) as|as (a|the) [a-z ]{2,30} at|i (led|managed|developed|spearheaded|implemented|oversaw|designed|built|analyzed|delivered|reduced|increased))\b`)

	// essayGuidance matches structural advice about writing.
	essayGuidance = regexp.MustCompile(`(?i)\b(star method|situation,? task,? action,? (and )?result|structure|outline|focus on|highlight|word limit|word count)\b`)

	aiAuthorship = []*regexp.Regexp{
		regexp.MustCompile(`(?i)\b(this|the|your)\s+(essay|narrative|response|statement|application|answer)\b[^.]{0,40}\b(was|is|has been)\s+(written|generated|drafted|created|produced)\s+(by|with|using)\s+(an?\s+)?(ai|artificial intelligence|chatgpt|language model|llm|assistant)\b`),
		regexp.MustCompile(`(?i)\b(written|generated|drafted|created)\s+(by|with)\s+(an?\s+)?(ai|artificial intelligence|chatgpt|language model|llm)\b`),
		regexp.MustCompile(`(?i)\bas an ai( language model)?,?\s+i\s+(wrote|have written|drafted|generated|composed)\b`),
		regexp.MustCompile(`(?i)\b(you can|just|simply)\s+(certify|attest|claim|say)\s+(that\s+)?(you|it)\s+(wrote|is (all )?your own)\b`),
	}
)

// isNarrative reports whether text reads as delivered essay content.
func isNarrative(text string) bool {
	if deliveredEssay.MatchString(text) {
		return true
	}
	return len(starNarrative.FindAllString(text, -1)) >= 2
}

// CheckEssayContent flags requests to write application essays and
// responses that deliver one. Guidance on how to write passes.
func (e *Engine) CheckEssayContent(_ context.Context, query, response string) CheckResult {
	result := newResult()

	switch {
	case generationRequest.MatchString(query):
		result.addViolation(e.violation(
			ViolationEssayContentGeneration, LevelCritical,
			"request asks for essay content to be written on the applicant's behalf",
			true, true,
			map[string]any{"source": "query"},
		))
	case essayTopic.MatchString(query) && isNarrative(response):
		result.addViolation(e.violation(
			ViolationEssayContentGeneration, LevelCritical,
			"response contains generated essay narrative",
			true, true,
			map[string]any{"source": "response"},
		))
	}

	return result
}

type wordLimitPatterns struct {
	limit   int
	ignore  *regexp.Regexp
	mention *regexp.Regexp
}

func newWordLimitPatterns(limit int) wordLimitPatterns {
	n := fmt.Sprintf(`(%d[- ]?words?|word)`, limit)
	return wordLimitPatterns{
		limit: limit,
		ignore: regexp.MustCompile(`(?i)\b(` +
			`(don'?t|do not|no need to|never)\s+(worry|care|bother)\s+about\s+(the\s+)?` + n + `\s*(limit|count|cap)` +
			`|ignore\s+(the\s+)?(` + n + `\s*)?(limit|count|cap)` +
			`|exceed(ing)?\s+(the\s+)?(` + n + `\s*)?(limit|count|cap)` +
			`|go\s+(over|beyond|past)\s+(the\s+)?` + n + `\s*(limit|count|cap)` +
			`|(limit|word count)\s+(doesn'?t|does not)\s+matter` +
			`)`),
		mention: regexp.MustCompile(`(?i)\b(` + fmt.Sprintf(`%d[- ]?words?`, limit) + `|word limit|word count)\b`),
	}
}

// CheckWordLimit flags text telling the applicant to ignore or exceed the
// word limit. Essay guidance that never mentions the limit gets a warning.
func (e *Engine) CheckWordLimit(_ context.Context, query, response string) CheckResult {
	result := newResult()
	p := e.wordLimit

	for _, part := range []struct{ source, text string }{{"query", query}, {"response", response}} {
		if m := p.ignore.FindString(part.text); m != "" {
			result.addViolation(e.violation(
				ViolationWordLimit, LevelHigh,
				fmt.Sprintf("text disregards the %d-word limit", p.limit),
				true, true,
				map[string]any{"source": part.source, "match": m},
			))
			return result
		}
	}

	if response != "" && essayTopic.MatchString(query) && essayGuidance.MatchString(response) &&
		!p.mention.MatchString(response) {
		result.warn("essay guidance does not mention the %d-word limit", p.limit)
	}

	return result
}

// CheckAIAttestation flags text disclosing AI authorship of application
// content or advising the applicant to misattest authorship.
func (e *Engine) CheckAIAttestation(_ context.Context, _ string, response string) CheckResult {
	result := newResult()
	for _, re := range aiAuthorship {
		if m := re.FindString(response); m != "" {
			result.addViolation(e.violation(
				ViolationAIAttestation, LevelCritical,
				"response discloses AI authorship of application content",
				true, true,
				map[string]any{"match": strings.TrimSpace(m)},
			))
			break
		}
	}
	return result
}
