// Package quality implements the response quality assessor: a
// hallucination heuristic, a five-category safety scanner, an off-task
// detector, and the weighted scorer that combines them into a continuous
// quality score, a categorical QualityLevel, and a recommended action.
package quality

import (
	"regexp"
	"strings"

	"github.com/proddefense/llmguard/pkg/errors"
	"github.com/proddefense/llmguard/pkg/types"
)

// safetyCategory pairs a name with its declared regex family, each scored as
// min(matches*0.4, 1.0). A category is a violation only once its score
// exceeds 0.5, i.e. at least two matching patterns fired.
type safetyCategory struct {
	name     string
	patterns []*regexp.Regexp
}

var safetyCategories = []safetyCategory{
	{
		name: "violence",
		patterns: compilePatterns([]string{
			`(?i)\bkill\s+(you|them|him|her)\b`,
			`(?i)\b(how to|instructions? (for|to))\s+(make|build)\s+a?\s*(bomb|weapon|explosive)`,
			`(?i)\bmass\s+shooting\b`,
			`(?i)\btorture\b`,
		}),
	},
	{
		name: "hate_speech",
		patterns: compilePatterns([]string{
			`(?i)\b(inferior|subhuman)\s+(race|people|group)\b`,
			`(?i)\bethnic\s+cleansing\b`,
			`(?i)\bgenocide\s+(is|was)\s+(justified|good)\b`,
		}),
	},
	{
		name: "self_harm",
		patterns: compilePatterns([]string{
			`(?i)\bhow to\s+(commit suicide|kill myself)\b`,
			`(?i)\bways to\s+(self.?harm|hurt myself)\b`,
			`(?i)\bsuicide\s+method\b`,
		}),
	},
	{
		name: "sexual_content",
		patterns: compilePatterns([]string{
			`(?i)\bexplicit\s+sexual\s+(content|acts?)\b`,
			`(?i)\bchild\s+(sexual|exploitation)\b`,
		}),
	},
	{
		name: "illegal_activity",
		patterns: compilePatterns([]string{
			`(?i)\bhow to\s+(launder money|synthesize\s+\w+|hack into)\b`,
			`(?i)\bbuy\s+(drugs|stolen)\b`,
			`(?i)\bevade\s+(taxes|law enforcement)\b`,
		}),
	},
}

func compilePatterns(sources []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(sources))
	for _, s := range sources {
		out = append(out, regexp.MustCompile(s))
	}
	return out
}

// hallucinationMarkers are hedging/fabrication phrases that raise the
// hallucination pattern score when present in a response.
var hallucinationMarkers = compilePatterns([]string{
	`(?i)\bI apologize,? but I (cannot|can't|do not actually)\b`,
	`(?i)\bI (made up|fabricated|invented) (that|this|it)\b`,
	`(?i)\bI do not have access to\b`,
	`(?i)\bAs an AI\b.*\bI cannot\b`,
	`(?i)\bmy training (data )?cutoff\b`,
	`(?i)\bI'?m not sure\b`,
	`(?i)\bI may be wrong\b`,
})

// Config holds the safety configuration surface relevant to quality
// assessment.
type Config struct {
	MinQualityScore       float64
	QualityAlertThreshold float64
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	return Config{MinQualityScore: 0.5, QualityAlertThreshold: 0.6}
}

// Assessor scores responses for hallucination, safety, and task relevance.
type Assessor struct {
	cfg Config
}

// New creates an Assessor.
func New(cfg Config) *Assessor {
	return &Assessor{cfg: cfg}
}

// Assess scores resp against prompt, mutating resp's quality fields in
// place and returning the sidecar AssessmentRecord plus, optionally, an
// Alert when the score falls below the configured alert threshold. It
// returns a QualityCheckFailed error only for the critical failure path:
// validation did not pass AND the score fell below 0.3.
func (a *Assessor) Assess(prompt string, resp *types.Response) (*types.AssessmentRecord, *types.Alert, error) {
	hallucinationScoreVal := hallucinationScore(resp.ResponseText)
	isHallucination := hallucinationScoreVal > 0.7

	violations, riskScore := safetyViolations(resp.ResponseText)
	offTask := isOffTask(prompt, resp.ResponseText)

	score := 1.0
	score -= 0.4 * hallucinationScoreVal
	score -= 0.5 * riskScore
	if offTask {
		score *= 0.5
	}
	if len(resp.ResponseText) < 50 {
		score *= 0.8
	}
	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}

	resp.QualityScore = score
	resp.QualityLevel = types.CategorizeQuality(score)
	resp.ContainsHarmfulContent = len(violations) > 0
	resp.IsHallucination = isHallucination
	resp.IsOffTask = offTask

	passValidation := len(violations) == 0 && !isHallucination && score >= a.cfg.MinQualityScore

	var relevance float64
	if offTask {
		relevance = 0.0
	} else {
		relevance = 1.0
	}

	record := &types.AssessmentRecord{
		HallucinationProbability: hallucinationScoreVal,
		SafetyViolations:         violations,
		CoherenceScore:           1.0 - hallucinationScoreVal,
		RelevanceScore:           relevance,
		PassValidation:           passValidation,
	}

	switch {
	case len(violations) > 0:
		record.RecommendedAction = types.ActionReject
	case !passValidation && score < 0.3:
		record.RecommendedAction = types.ActionFallback
	case !passValidation:
		record.RecommendedAction = types.ActionReview
	case score >= 0.75:
		record.RecommendedAction = types.ActionAccept
	default:
		record.RecommendedAction = types.ActionReview
	}

	if isHallucination {
		record.Warnings = append(record.Warnings, "elevated hallucination probability")
	}
	if offTask {
		record.Warnings = append(record.Warnings, "response may be off-task")
	}

	var alert *types.Alert
	if score < a.cfg.QualityAlertThreshold {
		sev := types.AlertMedium
		if score < 0.3 {
			sev = types.AlertHighSev
		}
		alert = types.NewAlert(sev, types.AlertQuality, "response quality score below alert threshold")
		alert.RequestID = resp.RequestID
		alert.Details["score"] = score
	}

	if !passValidation && score < 0.3 {
		return record, alert, errors.NewQualityCheckFailed("response failed quality validation").
			WithDetail("score", score).
			WithDetail("safety_violations", violations)
	}

	return record, alert, nil
}

// hallucinationScore combines a declared-pattern score with a word-count
// heuristic: pattern score = min(matches*0.3, 1.0); length score is 0.5 for
// fewer than 5 words, 0.2 for fewer than 10, else 0. Final = 0.7*pattern +
// 0.3*length, capped at 1.0.
func hallucinationScore(text string) float64 {
	matches := 0
	for _, p := range hallucinationMarkers {
		if p.MatchString(text) {
			matches++
		}
	}
	patternScore := minFloat(float64(matches)*0.3, 1.0)

	words := len(strings.Fields(text))
	var lengthScore float64
	switch {
	case words < 5:
		lengthScore = 0.5
	case words < 10:
		lengthScore = 0.2
	default:
		lengthScore = 0.0
	}

	return minFloat(patternScore*0.7+lengthScore*0.3, 1.0)
}

// safetyViolations returns the names of every safety category whose
// category_score (min(matches*0.4, 1.0)) exceeds 0.5, along with the
// maximum category_score across all violating categories (risk_score).
func safetyViolations(text string) ([]string, float64) {
	var hits []string
	var risk float64
	for _, cat := range safetyCategories {
		matches := 0
		for _, p := range cat.patterns {
			if p.MatchString(text) {
				matches++
			}
		}
		categoryScore := minFloat(float64(matches)*0.4, 1.0)
		if categoryScore > 0.5 {
			hits = append(hits, cat.name)
			if categoryScore > risk {
				risk = categoryScore
			}
		}
	}
	return hits, risk
}

// isOffTask extracts keyword sets (tokens matching [a-z]+, length>3,
// excluding stopWords) from the prompt and response. If the prompt's
// keyword set is non-empty, the response is off-task when fewer than 60% of
// the prompt's keywords reappear in it.
func isOffTask(prompt, response string) bool {
	promptWords := significantWords(prompt)
	if len(promptWords) == 0 {
		return false
	}
	responseWords := significantWords(response)

	overlap := 0
	for w := range promptWords {
		if responseWords[w] {
			overlap++
		}
	}
	ratio := float64(overlap) / float64(len(promptWords))
	return ratio < 0.6
}

func significantWords(s string) map[string]bool {
	out := make(map[string]bool)
	var current strings.Builder
	flush := func() {
		w := strings.ToLower(current.String())
		current.Reset()
		if len(w) > 3 && !stopWords[w] {
			out[w] = true
		}
	}
	for _, r := range s {
		if r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' {
			current.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return out
}

var stopWords = map[string]bool{
	"that": true, "this": true, "with": true, "from": true, "have": true,
	"what": true, "your": true, "about": true, "which": true, "would": true,
	"could": true, "should": true, "their": true, "there": true,
	"please": true, "explain": true,
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}
