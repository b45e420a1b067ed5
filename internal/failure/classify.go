// Package failure triages runtime build errors: it classifies them, counts
// retry attempts per error signature, and escalates to a human once a
// signature keeps failing or the whole session accumulates too many
// escalations.
package failure

import "strings"

// Category buckets an error for retry decision-making.
type Category string

const (
	// CategoryNeverRetry marks failures that retrying cannot fix:
	// credentials, permissions, billing, rate limits.
	CategoryNeverRetry Category = "NEVER_RETRY"

	// CategoryEnvError marks transient environment failures: network,
	// timeouts, registries, disk space.
	CategoryEnvError Category = "ENV_ERROR"

	// CategoryCodeError is the default: the generated code itself is
	// wrong and another attempt may fix it.
	CategoryCodeError Category = "CODE_ERROR"
)

// Classify categorizes an error by its type name and message. Matching is
// keyword-based and case-insensitive; anything unrecognized, including an
// empty type, is a code error.
func Classify(errType, message string) Category {
	text := strings.ToLower(errType + " " + message)

	// Never retry: auth, permissions, billing, rate limits.
	if strings.Contains(text, "permission") ||
		strings.Contains(text, "access denied") ||
		strings.Contains(text, "unauthorized") ||
		strings.Contains(text, "forbidden") ||
		strings.Contains(text, "401") ||
		strings.Contains(text, "403") ||
		strings.Contains(text, "invalid api key") ||
		strings.Contains(text, "invalid key") ||
		strings.Contains(text, "authentication") ||
		strings.Contains(text, "billing") ||
		strings.Contains(text, "payment") ||
		strings.Contains(text, "rate limit") ||
		strings.Contains(text, "rate_limit") ||
		strings.Contains(text, "429") ||
		strings.Contains(text, "quota exceeded") {
		return CategoryNeverRetry
	}

	// Environment: network, timeouts, registries, disk.
	if strings.Contains(text, "timeout") ||
		strings.Contains(text, "timed out") ||
		strings.Contains(text, "deadline exceeded") ||
		strings.Contains(text, "connection refused") ||
		strings.Contains(text, "connection reset") ||
		strings.Contains(text, "econnrefused") ||
		strings.Contains(text, "unreachable") ||
		strings.Contains(text, "network") ||
		strings.Contains(text, "dns") ||
		strings.Contains(text, "registry") ||
		strings.Contains(text, "no space left") ||
		strings.Contains(text, "disk full") ||
		strings.Contains(text, "502") ||
		strings.Contains(text, "503") {
		return CategoryEnvError
	}

	return CategoryCodeError
}
