package settle

import (
	"net/url"
	"regexp"
)

// IgnoreRule excludes matching URLs from tracking. A rule is either an exact string, compared
// for equality, or a regular expression.
type IgnoreRule struct {
	literal string
	re      *regexp.Regexp
}

// IgnoreExact returns a rule matching exactly the given URL.
func IgnoreExact(u string) IgnoreRule {
	return IgnoreRule{literal: u}
}

// IgnoreRegexp returns a rule matching URLs accepted by re.
func IgnoreRegexp(re *regexp.Regexp) IgnoreRule {
	return IgnoreRule{re: re}
}

// IgnorePattern compiles expr into a rule.
func IgnorePattern(expr string) (IgnoreRule, error) {
	re, err := regexp.Compile(expr)
	if err != nil {
		return IgnoreRule{}, err
	}
	return IgnoreRule{re: re}, nil
}

// Match reports whether the rule matches u.
func (r IgnoreRule) Match(u string) bool {
	if r.re != nil {
		return r.re.MatchString(u)
	}
	return r.literal == u
}

// String returns the literal or the pattern source.
func (r IgnoreRule) String() string {
	if r.re != nil {
		return r.re.String()
	}
	return r.literal
}

// IsPattern reports whether the rule is a regular expression.
func (r IgnoreRule) IsPattern() bool {
	return r.re != nil
}

// MarshalText encodes pattern rules as /expr/ and literals as-is.
func (r IgnoreRule) MarshalText() ([]byte, error) {
	if r.re != nil {
		return []byte("/" + r.re.String() + "/"), nil
	}
	return []byte(r.literal), nil
}

// UnmarshalText parses a rule; text wrapped in slashes is compiled as a regular expression.
func (r *IgnoreRule) UnmarshalText(text []byte) error {
	s := string(text)
	if len(s) >= 2 && s[0] == '/' && s[len(s)-1] == '/' {
		rule, err := IgnorePattern(s[1 : len(s)-1])
		if err != nil {
			return err
		}
		*r = rule
		return nil
	}
	*r = IgnoreExact(s)
	return nil
}

// ignoreList is an ordered set of rules.
type ignoreList []IgnoreRule

// matches reports whether any rule matches u.
func (l ignoreList) matches(u string) bool {
	for _, rule := range l {
		if rule.Match(u) {
			return true
		}
	}
	return false
}

// beaconRule derives the rule excluding the telemetry endpoint. Parseable endpoints are reduced
// to their origin and anchored; anything else falls back to a literal match, reported by ok.
func beaconRule(endpoint string) (rule IgnoreRule, ok bool) {
	u, err := url.Parse(endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return IgnoreExact(endpoint), false
	}
	origin := u.Scheme + "://" + u.Host
	return IgnoreRegexp(regexp.MustCompile("^" + regexp.QuoteMeta(origin) + "([/?#]|$)")), true
}
