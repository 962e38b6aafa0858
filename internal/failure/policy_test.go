package failure

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"

	"github.com/opensprint/opensprint/internal/task"
)

func TestPlainRequeueOffThreshold(t *testing.T) {
	out := Decide(Input{
		Type:               TypeCodingFailure,
		Reason:             "tests failed",
		CumulativeAttempts: 2,
		Priority:           2,
	})
	assert.Equal(t, ActionRequeue, out.Action)
	assert.False(t, out.FreshBranch)
	assert.Equal(t, task.Priority(2), out.NewPriority)
}

func TestDemotionAtThreshold(t *testing.T) {
	out := Decide(Input{
		Type:               TypeCodingFailure,
		Reason:             "tests failed",
		CumulativeAttempts: 5,
		Priority:           2,
	})
	assert.Equal(t, ActionDemote, out.Action)
	assert.Equal(t, task.Priority(3), out.NewPriority)
	assert.True(t, out.FreshBranch)
}

func TestBlockAtThresholdAndMaxPriority(t *testing.T) {
	out := Decide(Input{
		Type:               TypeCodingFailure,
		Reason:             "tests failed",
		CumulativeAttempts: 5,
		Priority:           task.PriorityLowest,
	})
	assert.Equal(t, ActionBlock, out.Action)
	assert.Equal(t, "Coding Failure", out.BlockReason)
}

func TestInfrastructureRetryBeatsBackoff(t *testing.T) {
	// Even at the backoff threshold an infrastructure failure retries
	// first.
	out := Decide(Input{
		Type:               TypeTimeout,
		Reason:             "no output",
		CumulativeAttempts: 5,
		Priority:           2,
		InfraRetries:       0,
	})
	assert.Equal(t, ActionInfraRetry, out.Action)
	assert.False(t, out.FreshBranch)
}

func TestInfrastructureRetryLimit(t *testing.T) {
	out := Decide(Input{
		Type:               TypeAgentCrash,
		Reason:             "exit status 137",
		CumulativeAttempts: 2,
		Priority:           1,
		InfraRetries:       InfraRetryLimit,
	})
	assert.Equal(t, ActionRequeue, out.Action)
}

func TestDiagnosedNoResultBlocksImmediately(t *testing.T) {
	out := Decide(Input{
		Type:               TypeNoResult,
		Reason:             "agent produced no result",
		OutputLog:          "starting\n[Agent error: 404 not a chat model]\n",
		CumulativeAttempts: 1,
		Priority:           0,
	})
	assert.Equal(t, ActionBlock, out.Action)
	assert.True(t, out.Diagnosed)
	assert.Contains(t, out.Reason, "[Agent error: 404 not a chat model]")
	assert.True(t, out.APIBlocked)
}

func TestUndiagnosedNoResultFollowsLadder(t *testing.T) {
	out := Decide(Input{
		Type:               TypeNoResult,
		Reason:             "agent produced no result",
		OutputLog:          "working on it\nstill working\n",
		CumulativeAttempts: 1,
		Priority:           0,
	})
	assert.Equal(t, ActionRequeue, out.Action)
	assert.False(t, out.Diagnosed)
	assert.Contains(t, out.Reason, "still working")
}

func TestEnrichReasonPrefersLatestAgentErrorToken(t *testing.T) {
	log := "[Agent error: first]\nsome output\n[Agent error: second]\ntrailing"
	got := EnrichReason("no result", log)
	assert.Contains(t, got, "[Agent error: second]")
	assert.NotContains(t, got, "[Agent error: first]")
}

func TestEnrichReasonFallsBackToLastLines(t *testing.T) {
	var lines []string
	for i := 0; i < 12; i++ {
		lines = append(lines, strings.Repeat("line", 1)+string(rune('a'+i)))
	}
	log := strings.Join(lines, "\n\n")
	got := EnrichReason("no result", log)
	assert.Contains(t, got, " | ")
	assert.Contains(t, got, "linel")
	// Only the last 8 lines survive.
	assert.NotContains(t, got, "linea")
}

func TestEnrichReasonCapped(t *testing.T) {
	got := EnrichReason("x", "[Agent error: "+strings.Repeat("y", 5000)+"]")
	assert.LessOrEqual(t, len(got), ReasonCap)
}

func TestEnrichReasonClipsOnRuneBoundary(t *testing.T) {
	got := EnrichReason("x", "[Agent error: "+strings.Repeat("déjà", 2000)+"]")
	assert.True(t, utf8.ValidString(got))
	assert.Len(t, []rune(got), ReasonCap)
}

func TestQuotedRefusalTextIsNotAnAPIBlock(t *testing.T) {
	// A review or crash dump that merely mentions rate limits must not
	// exhaust the provider.
	out := Decide(Input{
		Type:               TypeReviewRejection,
		Reason:             "review rejected: handle 403 and rate limit responses from the backend",
		CumulativeAttempts: 1,
		Priority:           1,
	})
	assert.False(t, out.APIBlocked)
	assert.Empty(t, string(out.APIBlock))

	out = Decide(Input{
		Type:               TypeCodingFailure,
		Reason:             "billing page test failed",
		CumulativeAttempts: 1,
		Priority:           1,
	})
	assert.False(t, out.APIBlocked)

	// The agent's own exit still classifies.
	out = Decide(Input{
		Type:               TypeAgentCrash,
		Reason:             "429 too many requests",
		CumulativeAttempts: 1,
		Priority:           1,
	})
	assert.True(t, out.APIBlocked)
	assert.Equal(t, APIBlockRateLimited, out.APIBlock)
}

func TestClassifyAPIBlock(t *testing.T) {
	cases := []struct {
		reason string
		kind   APIBlockKind
		ok     bool
	}{
		{"429 too many requests", APIBlockRateLimited, true},
		{"rate limited, retry later", APIBlockRateLimited, true},
		{"401 unauthorized", APIBlockUnauthorized, true},
		{"invalid API key provided", APIBlockUnauthorized, true},
		{"insufficient quota for this request", APIBlockOutOfCredit, true},
		{"billing hard limit reached", APIBlockOutOfCredit, true},
		{"tests failed on CI", "", false},
	}
	for _, tc := range cases {
		kind, ok := ClassifyAPIBlock(tc.reason)
		assert.Equal(t, tc.ok, ok, tc.reason)
		assert.Equal(t, tc.kind, kind, tc.reason)
	}
}

func TestDiagnosisPatterns(t *testing.T) {
	diagnosed := []string{
		"authentication required to continue",
		"claude: command not found",
		"missing API key for provider",
		"rate limit exceeded",
		"task file unreadable",
		"no output for 5 minutes",
	}
	for _, r := range diagnosed {
		assert.True(t, Diagnosed(r), r)
	}
	assert.False(t, Diagnosed("tests failed: want 3 got 4"))
}

func TestInfrastructureSet(t *testing.T) {
	assert.True(t, TypeTimeout.Infrastructure())
	assert.True(t, TypeAgentCrash.Infrastructure())
	assert.True(t, TypeMergeConflict.Infrastructure())
	assert.False(t, TypeCodingFailure.Infrastructure())
	assert.False(t, TypeNoResult.Infrastructure())
	assert.False(t, TypeReviewRejection.Infrastructure())
}
