package classifier

import (
	"testing"

	"github.com/google/uuid"
)

func TestClassifyPrimaryTemplate(t *testing.T) {
	c := New()
	r := c.Classify("You are Claude Code, Anthropic's official CLI for Claude.")
	if !r.FirstParty {
		t.Fatalf("expected first-party, got score %v", r.Score)
	}
	if r.Score != 1.0 {
		t.Fatalf("expected exact match score 1.0, got %v", r.Score)
	}
}

func TestClassifyGenericAssistantPrompt(t *testing.T) {
	c := New()
	r := c.Classify("You are a helpful assistant.")
	if r.FirstParty {
		t.Fatalf("expected non-first-party, got score %v", r.Score)
	}
	if r.Score >= DefaultThreshold {
		t.Fatalf("expected score below threshold, got %v", r.Score)
	}
}

func TestClassifyEmptyPrompt(t *testing.T) {
	c := New()
	r := c.Classify("")
	if r.FirstParty {
		t.Fatal("empty prompt must never be first-party")
	}
}

func TestClassifyWhitespaceOnlyPrompt(t *testing.T) {
	c := New()
	r := c.Classify("   \n\t  ")
	if r.FirstParty {
		t.Fatal("whitespace-only prompt must never be first-party")
	}
}

func TestDiceCoefficientProperties(t *testing.T) {
	pairs := [][2]string{
		{"hello world", "hello rust"},
		{"", ""},
		{"a", "a"},
		{"a", "b"},
		{"abc", "xyz"},
	}

	for _, p := range pairs {
		s1 := diceCoefficient(p[0], p[1])
		s2 := diceCoefficient(p[1], p[0])
		if s1 != s2 {
			t.Fatalf("dice(%q,%q)=%v but dice(%q,%q)=%v: not symmetric", p[0], p[1], s1, p[1], p[0], s2)
		}
		if s1 < 0 || s1 > 1 {
			t.Fatalf("dice(%q,%q)=%v out of [0,1]", p[0], p[1], s1)
		}
	}
}

func TestDiceCoefficientIdentical(t *testing.T) {
	if diceCoefficient("same text", "same text") != 1.0 {
		t.Fatal("identical strings must score 1.0")
	}
}

func TestDiceCoefficientSingleCharNoBigrams(t *testing.T) {
	if score := diceCoefficient("a", "b"); score != 0.0 {
		t.Fatalf("distinct single-char strings must score 0.0, got %v", score)
	}
	if score := diceCoefficient("a", "ab"); score != 0.0 {
		t.Fatalf("single-char vs multi-char must score 0.0 (no bigrams on one side), got %v", score)
	}
}

func TestDiceCoefficientKnownValue(t *testing.T) {
	// "hello world" bigrams: he el ll lo o_ _w wo or rl ld (10, with the
	// repeated "l" span counted once as a set) vs "hello rust".
	score := diceCoefficient("hello world", "hello rust")
	if score <= 0.3 || score >= 0.7 {
		t.Fatalf("expected a moderate similarity score, got %v", score)
	}
}

func TestIsFirstPartySessionID(t *testing.T) {
	valid := "session_" + uuid.New().String()
	if !IsFirstPartySessionID(valid) {
		t.Fatalf("expected %q to be recognized as a first-party session id", valid)
	}

	cases := []string{
		"",
		"session_not-a-uuid",
		uuid.New().String(), // missing prefix
		"session_",
	}
	for _, c := range cases {
		if IsFirstPartySessionID(c) {
			t.Fatalf("expected %q to be rejected", c)
		}
	}
}

func TestClassifyWithSessionIDOverridesPrompt(t *testing.T) {
	c := New()
	r := c.ClassifyWithSessionID("completely generic prompt", "session_"+uuid.New().String())
	if !r.FirstParty {
		t.Fatal("valid session id should classify as first-party regardless of prompt text")
	}
}

func TestNormalizeCollapsesWhitespaceAndPlaceholder(t *testing.T) {
	got := normalize("You are an interactive CLI tool that helps users   __PLACEHOLDER__  Use the instructions.")
	want := "You are an interactive CLI tool that helps users Use the instructions."
	if got != want {
		t.Fatalf("got %q want %q", got, want)
	}
}
