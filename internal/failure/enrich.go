package failure

import (
	"regexp"
	"strings"
)

var agentErrorToken = regexp.MustCompile(`\[Agent error: [^\]]*\]`)

// diagnosisPatterns identify no-result failures whose cause is a
// configuration or environment problem no retry can fix. A diagnosed
// no-result blocks the task immediately.
var diagnosisPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)authentication required`),
	regexp.MustCompile(`(?i)not logged in`),
	regexp.MustCompile(`(?i)missing (the )?\S* ?CLI`),
	regexp.MustCompile(`(?i)command not found`),
	regexp.MustCompile(`(?i)executable file not found`),
	regexp.MustCompile(`(?i)missing API key`),
	regexp.MustCompile(`(?i)invalid API key`),
	regexp.MustCompile(`(?i)rate.?limit`),
	regexp.MustCompile(`(?i)task file (is )?unreadable`),
	regexp.MustCompile(`(?i)no output for 5 minutes`),
	regexp.MustCompile(`(?i)not a chat model`),
	regexp.MustCompile(`(?i)\b40[134]\b`),
}

// EnrichReason augments a bare failure reason with detail from the agent's
// output log: the most recent "[Agent error: ...]" token when present,
// otherwise the last 8 non-blank log lines joined by " | ". The result is
// capped at ReasonCap characters.
func EnrichReason(reason, outputLog string) string {
	detail := ""
	if tokens := agentErrorToken.FindAllString(outputLog, -1); len(tokens) > 0 {
		detail = tokens[len(tokens)-1]
	} else if tail := lastNonBlankLines(outputLog, 8); len(tail) > 0 {
		detail = strings.Join(tail, " | ")
	}

	enriched := reason
	if detail != "" {
		if enriched != "" {
			enriched += ": "
		}
		enriched += detail
	}
	return clipRunes(enriched, ReasonCap)
}

// clipRunes caps s at max runes so a multibyte character is never split.
func clipRunes(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}

// Diagnosed reports whether an enriched no-result reason matches a known
// unrecoverable cause.
func Diagnosed(reason string) bool {
	for _, p := range diagnosisPatterns {
		if p.MatchString(reason) {
			return true
		}
	}
	return false
}

func lastNonBlankLines(s string, n int) []string {
	var lines []string
	for _, line := range strings.Split(s, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, strings.TrimSpace(line))
		}
	}
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return lines
}

// APIBlockKind categorizes provider-level refusals.
type APIBlockKind string

const (
	APIBlockRateLimited  APIBlockKind = "rate_limited"
	APIBlockUnauthorized APIBlockKind = "unauthorized"
	APIBlockOutOfCredit  APIBlockKind = "out_of_credit"
)

var apiBlockPatterns = []struct {
	kind APIBlockKind
	re   *regexp.Regexp
}{
	{APIBlockRateLimited, regexp.MustCompile(`(?i)rate.?limit|too many requests|\b429\b`)},
	{APIBlockOutOfCredit, regexp.MustCompile(`(?i)out of credit|insufficient (credit|funds|quota)|quota exceeded|billing`)},
	{APIBlockUnauthorized, regexp.MustCompile(`(?i)unauthorized|forbidden|invalid api key|authentication|\b40[134]\b`)},
}

// ClassifyAPIBlock detects provider-level refusals in a failure reason.
// These additionally mark the provider exhausted and raise a notification.
func ClassifyAPIBlock(reason string) (APIBlockKind, bool) {
	for _, p := range apiBlockPatterns {
		if p.re.MatchString(reason) {
			return p.kind, true
		}
	}
	return "", false
}
