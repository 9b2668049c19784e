package validation

import (
	"fmt"

	"go.uber.org/multierr"

	"github.com/proddefense/llmguard/pkg/errors"
	"github.com/proddefense/llmguard/pkg/types"
)

// OutputConfig holds the output rule thresholds.
type OutputConfig struct {
	MinQualityScore  float64
	MinResponseChars int
}

// DefaultOutputConfig returns the documented defaults.
func DefaultOutputConfig() OutputConfig {
	return OutputConfig{
		MinQualityScore:  0.5,
		MinResponseChars: 10,
	}
}

// OutputValidator runs severity-graded rules against an
// assessed Response. Rules are independent; every one that matches
// contributes to the ValidationResult, and the result's Severity is the
// highest severity among the matched rules (critical > high > warning).
type OutputValidator struct {
	cfg OutputConfig
}

// NewOutputValidator creates an OutputValidator.
func NewOutputValidator(cfg OutputConfig) *OutputValidator {
	return &OutputValidator{cfg: cfg}
}

// Validate evaluates resp against the rule set. A CRITICAL- or HIGH-severity
// match causes the result to be invalid; a CRITICAL match is additionally
// returned as a QualityCheckFailed error for the orchestrator to act on
// (fallback). Warning-only matches leave the response accepted.
func (v *OutputValidator) Validate(resp *types.Response) (*types.ValidationResult, error) {
	result := &types.ValidationResult{IsValid: true}
	var combined error
	worst := types.SeverityNone

	raise := func(sev types.ValidationSeverity, msg string) {
		if sev == types.SeverityWarn {
			result.Warnings = append(result.Warnings, msg)
		} else {
			result.Errors = append(result.Errors, msg)
			combined = multierr.Append(combined, fmt.Errorf("%s", msg))
		}
		if severityRank(sev) > severityRank(worst) {
			worst = sev
		}
	}

	if resp.ContainsHarmfulContent {
		raise(types.SeverityCritical, "response contains harmful content")
	}
	if resp.QualityScore < v.cfg.MinQualityScore {
		raise(types.SeverityHigh, fmt.Sprintf("quality score %.3f below minimum %.3f", resp.QualityScore, v.cfg.MinQualityScore))
	}
	if resp.IsHallucination {
		raise(types.SeverityHigh, "response flagged as a likely hallucination")
	}
	if len(resp.ResponseText) == 0 {
		raise(types.SeverityHigh, "response text is empty")
	}
	if resp.IsOffTask {
		raise(types.SeverityWarn, "response appears off-task relative to the prompt")
	}
	if len(resp.ResponseText) > 0 && len(resp.ResponseText) < v.cfg.MinResponseChars {
		raise(types.SeverityWarn, fmt.Sprintf("response length %d below minimum %d characters", len(resp.ResponseText), v.cfg.MinResponseChars))
	}

	result.Severity = worst

	if worst == types.SeverityCritical || worst == types.SeverityHigh {
		result.IsValid = false
	}

	// Only CRITICAL severity aborts the pipeline and triggers fallback;
	// HIGH and WARNING findings are logged by the orchestrator but the
	// response is still returned.
	if worst == types.SeverityCritical {
		return result, errors.NewQualityCheckFailed("output validation failed").
			WithDetail("severity", string(worst)).
			WithDetail("errors", result.Errors).
			WithCause(combined)
	}

	return result, nil
}

func severityRank(s types.ValidationSeverity) int {
	switch s {
	case types.SeverityCritical:
		return 3
	case types.SeverityHigh:
		return 2
	case types.SeverityWarn:
		return 1
	default:
		return 0
	}
}
