// Package canon normalizes raw log messages into canonical template text by
// replacing high-entropy substrings (timestamps, IPs, UUIDs, PIDs, durations)
// with typed placeholders.
//
// Rule sets are versioned and ordered. Order is load-bearing: structured
// field rules (key=value forms, request-log summaries) run before the
// generic catch-alls, because a generic pattern applied first would corrupt
// a structured field before its own rule can see it. When rules change, add
// a new version and bump Active; old versions stay callable so templates
// stored under them can be regenerated or compared.
//
// Canonicalize is pure: no I/O, no shared state, and idempotent for any
// input and version.
package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"strings"
)

// Version names a canonicalization rule set.
type Version string

// V1 is the initial rule set.
const V1 Version = "v1"

// Active is the rule version applied to newly ingested events.
const Active = V1

// UnsupportedVersionError is returned for rule versions this build does not
// know. Callers must not fall back to a different version: silently guessing
// would make stored templates diverge from their recorded rule version.
type UnsupportedVersionError struct {
	Version Version
}

func (e *UnsupportedVersionError) Error() string {
	return fmt.Sprintf("unsupported canonicalization rule version %q", e.Version)
}

// rule is one ordered substitution.
type rule struct {
	re   *regexp.Regexp
	repl string
}

// v1Rules in application order. Specific structured patterns first, generic
// catch-alls after, whitespace collapse last.
var v1Rules = []rule{
	// Firewall-style key=value fields.
	{regexp.MustCompile(`\bMAC=([0-9a-fA-F]{2}:){5,}[0-9a-fA-F]{2}\b`), "MAC=<MAC>"},
	{regexp.MustCompile(`\bSRC=\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`), "SRC=<IPV4>"},
	{regexp.MustCompile(`\bDST=\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`), "DST=<IPV4>"},
	{regexp.MustCompile(`\bSPT=\d+\b`), "SPT=<PORT>"},
	{regexp.MustCompile(`\bDPT=\d+\b`), "DPT=<PORT>"},
	{regexp.MustCompile(`\bLEN=\d+\b`), "LEN=<N>"},
	{regexp.MustCompile(`\bID=\d+\b`), "ID=<N>"},
	{regexp.MustCompile(`\bTTL=\d+\b`), "TTL=<N>"},

	// Structured-logger key=value fields.
	{regexp.MustCompile(`\bts=\S+`), "ts=<TS>"},
	{regexp.MustCompile(`\bcaller=(\w+\.go):\d+`), "caller=${1}:<LINE>"},
	{regexp.MustCompile(`\bduration=\S+`), "duration=<DUR>"},

	// Batch-count announcements.
	{regexp.MustCompile(`\[BATCH\] Sending \d+`), "[BATCH] Sending <N>"},

	// Authentication-session user fields.
	{regexp.MustCompile(`\bfor user \S+`), "for user <USER>"},

	// Scheduler command lines.
	{regexp.MustCompile(`\((\w+)\) CMD \((.+?)\)`), "(<USER>) CMD (<CMD>)"},

	// Request-log summary lines, then trailing duration magnitudes.
	{regexp.MustCompile(`\[GIN\]\s*\d{4}/\d{2}/\d{2}\s*-\s*\d{2}:\d{2}:\d{2}\s*\|\s*(\d+)\s*\|\s*[\d.]+[^|]*\|\s*\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}`), "[GIN] <TS> | ${1} | <DUR> | <IPV4>"},
	{regexp.MustCompile(`\b\d+(\.\d+)?(ms|s|m|h|us|ns)\b`), "<DUR>"},

	// Leading ISO-ish timestamp prefix.
	{regexp.MustCompile(`^\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}[.\d]*[Z]?\s*`), "<TS> "},

	// Bracketed process-id wrapper.
	{regexp.MustCompile(`\[\s*\d+\]`), "[<PID>]"},

	// Generic catch-alls, broadest last.
	{regexp.MustCompile(`\d{4}-\d{2}-\d{2}[T ]\d{2}:\d{2}:\d{2}([.\d]*)([+-]\d{2}:?\d{2}|Z)?`), "<TS>"},
	{regexp.MustCompile(`\b[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}\b`), "<UUID>"},
	{regexp.MustCompile(`\b[0-9a-fA-F]{16,}\b`), "<HEX>"},
	{regexp.MustCompile(`\b\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3}\b`), "<IPV4>"},
	{regexp.MustCompile(`\b([0-9a-fA-F]{2}:){5}[0-9a-fA-F]{2}\b`), "<MAC>"},
	{regexp.MustCompile(`\b([0-9a-fA-F]{1,4}:){2,7}[0-9a-fA-F]{1,4}\b`), "<IPV6>"},
	{regexp.MustCompile(`\bpid=\d+\b`), "pid=<PID>"},
	{regexp.MustCompile(`\b\d+(\.\d+)?\s*(ms|s|m|h|us|ns|seconds|minutes|hours)\b`), "<DUR>"},
	// Large bare integers only: small integers (retry counts, thresholds)
	// carry meaning, not entropy.
	{regexp.MustCompile(`\b\d{5,}\b`), "<N>"},
}

var multiSpace = regexp.MustCompile(`  +`)

// Canonicalize applies the named rule version to text.
func Canonicalize(text string, version Version) (string, error) {
	switch version {
	case V1:
		return applyRules(v1Rules, text), nil
	}
	return "", &UnsupportedVersionError{Version: version}
}

func applyRules(rules []rule, text string) string {
	for _, r := range rules {
		text = r.re.ReplaceAllString(text, r.repl)
	}
	text = multiSpace.ReplaceAllString(text, " ")
	return strings.TrimSpace(text)
}

// Hash computes the template fingerprint for already-canonical text: a
// 32-character truncated SHA-256 over service, level, and text. Service and
// level are included so identical text from different services yields
// distinct templates.
func Hash(canonicalText, service, level string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s", service, level, canonicalText))
	return hex.EncodeToString(sum[:])[:32]
}

// Key canonicalizes a raw message and fingerprints it in one call.
func Key(rawMessage, service, level string, version Version) (canonical, hash string, err error) {
	canonical, err = Canonicalize(rawMessage, version)
	if err != nil {
		return "", "", err
	}
	return canonical, Hash(canonical, service, level), nil
}
