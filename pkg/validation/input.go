// Package validation implements the pipeline's input and output
// validators: regex-based prompt-injection detection,
// length and forbidden-pattern checks, topic gating, and post-execution
// quality/safety gating on the provider's response.
package validation

import (
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/multierr"

	"github.com/proddefense/llmguard/pkg/errors"
	"github.com/proddefense/llmguard/pkg/types"
)

// injectionPatterns is the declared, case-insensitive prompt-injection
// pattern family. Unicode folding is intentionally not applied; homoglyph
// obfuscation is out of scope.
var injectionPatterns = compilePatterns([]string{
	`(?i)ignore\s+(previous|above|all|any)\s+(instructions?|prompts?|rules?)`,
	`(?i)disregard\s+.*(prior|above)\s+instructions?`,
	`(?i)(new|updated)\s+instruction\s*:`,
	`(?i)system\s*:\s*(you\s+are|act\s+as|pretend|simulate)`,
	`<\|im_start\|>`,
	`<\|im_end\|>`,
	`\[INST\]`,
	`\[/INST\]`,
	`(?i)forget\s+everything\s+previous`,
	`(?i)override\s+safety\s+rules`,
})

func compilePatterns(sources []string) []*regexp.Regexp {
	out := make([]*regexp.Regexp, 0, len(sources))
	for _, s := range sources {
		out = append(out, regexp.MustCompile(s))
	}
	return out
}

// InputConfig holds the safety configuration surface relevant to input
// validation.
type InputConfig struct {
	MaxPromptLength int
}

// DefaultInputConfig returns the documented default.
func DefaultInputConfig() InputConfig {
	return InputConfig{MaxPromptLength: 100_000}
}

// InputValidator runs the ordered pre-execution checks on a request.
type InputValidator struct {
	cfg InputConfig
}

// NewInputValidator creates an InputValidator with the given configuration.
func NewInputValidator(cfg InputConfig) *InputValidator {
	return &InputValidator{cfg: cfg}
}

// Validate runs the checks in order: (1) declared injection patterns — a
// match raises PromptInjection immediately; (2) prompt length; (3) each
// forbidden pattern supplied on the request context; (4) allowed-topics
// membership (a warning only). Any error-level failure other than warnings
// is returned as a ValidationError wrapping the accumulated rule violations.
func (v *InputValidator) Validate(ctx *types.RequestContext) (*types.ValidationResult, error) {
	for _, pat := range injectionPatterns {
		if pat.MatchString(ctx.Prompt) {
			return nil, errors.NewPromptInjection("prompt matched a declared injection pattern").
				WithDetail("pattern", pat.String()).
				WithDetail("request_id", ctx.RequestID)
		}
	}

	result := &types.ValidationResult{IsValid: true}
	var combined error

	if len(ctx.Prompt) > v.cfg.MaxPromptLength {
		msg := fmt.Sprintf("prompt length %d exceeds max_prompt_length %d", len(ctx.Prompt), v.cfg.MaxPromptLength)
		result.Errors = append(result.Errors, msg)
		combined = multierr.Append(combined, fmt.Errorf("%s", msg))
	}

	for _, src := range ctx.ForbiddenPatterns {
		re, err := regexp.Compile("(?i)" + src)
		if err != nil {
			continue
		}
		if re.MatchString(ctx.Prompt) {
			msg := fmt.Sprintf("prompt matched forbidden pattern %q", src)
			result.Errors = append(result.Errors, msg)
			combined = multierr.Append(combined, fmt.Errorf("%s", msg))
		}
	}

	if len(ctx.AllowedTopics) > 0 {
		lowerPrompt := strings.ToLower(ctx.Prompt)
		matched := false
		for _, topic := range ctx.AllowedTopics {
			if strings.Contains(lowerPrompt, strings.ToLower(topic)) {
				matched = true
				break
			}
		}
		if !matched {
			result.Warnings = append(result.Warnings, "prompt does not reference any allowed topic")
		}
	}

	if len(result.Errors) > 0 {
		result.IsValid = false
		result.Severity = types.SeverityHigh
		return result, errors.NewValidationError("input validation failed").
			WithDetail("errors", result.Errors).
			WithCause(combined)
	}

	if len(result.Warnings) > 0 {
		result.Severity = types.SeverityWarn
	}

	return result, nil
}
