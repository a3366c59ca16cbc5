// Package compliance detects policy violations in requests and generated
// responses and decides whether an action may proceed.
//
// Each check covers one violation class and returns a CheckResult. Checks
// are keyword and pattern based: paraphrases that avoid the patterns are not
// caught. ComprehensiveCheck runs every applicable check and merges them:
// violations are unioned, ActionAllowed is the AND of the sub-results and
// HumanReviewRequired is the OR.
//
// RealTimeCheck runs the text-only subset (essay generation, AI attestation,
// word limit) against in-flight content and raises a dynamic interrupt on
// any Critical match.
package compliance
