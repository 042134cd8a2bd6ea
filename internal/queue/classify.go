package queue

import (
	"errors"
	"regexp"

	"github.com/oakline/orderflow/internal/broker"
)

// ErrorClass buckets a failure for retry purposes.
type ErrorClass int

const (
	// ClassUnknown is anything the rules below don't recognize. Unknown
	// failures are retried up to the attempt ceiling so a new failure mode is
	// neither dropped nor looped forever.
	ClassUnknown ErrorClass = iota
	ClassTransient
	ClassPermanent
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassPermanent:
		return "permanent"
	default:
		return "unknown"
	}
}

// Retryable reports whether a failure of this class should be retried.
func (c ErrorClass) Retryable() bool {
	return c != ClassPermanent
}

type classRule struct {
	pattern *regexp.Regexp
	class   ErrorClass
}

// classRules is an ordered pattern table; the first match wins. Transient
// rules come first so phrasing like "temporarily rejected" fails toward retry.
var classRules = []classRule{
	{regexp.MustCompile(`(?i)timeout|timed out|deadline exceeded`), ClassTransient},
	{regexp.MustCompile(`(?i)connection (reset|refused)|broken pipe|no such host|network`), ClassTransient},
	{regexp.MustCompile(`(?i)too many requests|rate limit`), ClassTransient},
	{regexp.MustCompile(`(?i)internal server error|bad gateway|service unavailable|gateway timeout`), ClassTransient},
	{regexp.MustCompile(`(?i)temporar|unavailable|try again`), ClassTransient},
	{regexp.MustCompile(`(?i)invalid symbol|symbol not found|unknown symbol`), ClassPermanent},
	{regexp.MustCompile(`(?i)insufficient (buying power|balance|funds)`), ClassPermanent},
	{regexp.MustCompile(`(?i)account is (blocked|restricted)|account blocked|trading is blocked`), ClassPermanent},
	{regexp.MustCompile(`(?i)not tradable|non-tradable|not active`), ClassPermanent},
	{regexp.MustCompile(`(?i)invalid (qty|quantity|order)|quantity must be`), ClassPermanent},
	{regexp.MustCompile(`(?i)rejected|forbidden|unauthorized`), ClassPermanent},
}

// Classify maps a failure to an ErrorClass. Venue errors carrying an HTTP
// status are classified by code (429 and 5xx transient, other 4xx permanent);
// everything else falls through the pattern table.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassUnknown
	}

	var apiErr *broker.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.StatusCode == 429:
			return ClassTransient
		case apiErr.StatusCode >= 500:
			return ClassTransient
		case apiErr.StatusCode >= 400:
			return ClassPermanent
		}
	}

	msg := err.Error()
	for _, rule := range classRules {
		if rule.pattern.MatchString(msg) {
			return rule.class
		}
	}
	return ClassUnknown
}
