package relay

import "testing"

func TestExtractSSEUsage_ClaudeStyleCumulative(t *testing.T) {
	body := []byte(
		"event: message_start\n" +
			`data: {"type":"message_start","message":{"usage":{"input_tokens":12,"output_tokens":0}}}` + "\n\n" +
			"event: message_delta\n" +
			`data: {"type":"message_delta","usage":{"output_tokens":7}}` + "\n\n" +
			"event: message_delta\n" +
			`data: {"type":"message_delta","usage":{"output_tokens":19}}` + "\n\n" +
			"data: [DONE]\n",
	)

	usage := ExtractSSEUsage(body)
	if usage.InputTokens != 12 {
		t.Errorf("expected input_tokens=12, got %d", usage.InputTokens)
	}
	if usage.OutputTokens != 19 {
		t.Errorf("expected output_tokens to be the max seen (19), got %d", usage.OutputTokens)
	}
}

func TestExtractSSEUsage_OpenAIStyle(t *testing.T) {
	body := []byte(
		`data: {"choices":[{"delta":{"content":"hi"}}]}` + "\n\n" +
			`data: {"usage":{"prompt_tokens":5,"completion_tokens":3}}` + "\n\n" +
			"data: [DONE]\n",
	)

	usage := ExtractSSEUsage(body)
	if usage.InputTokens != 5 || usage.OutputTokens != 3 {
		t.Errorf("expected input=5 output=3, got input=%d output=%d", usage.InputTokens, usage.OutputTokens)
	}
}

func TestExtractSSEUsage_EmptyBody(t *testing.T) {
	usage := ExtractSSEUsage(nil)
	if usage.InputTokens != 0 || usage.OutputTokens != 0 {
		t.Errorf("expected zero usage for empty body, got %+v", usage)
	}
}

func TestExtractSSEUsage_IgnoresNonDataLines(t *testing.T) {
	body := []byte("event: ping\n\n: comment line\n" +
		`data: {"usage":{"input_tokens":1,"output_tokens":2}}` + "\n\n")

	usage := ExtractSSEUsage(body)
	if usage.InputTokens != 1 || usage.OutputTokens != 2 {
		t.Errorf("expected input=1 output=2, got %+v", usage)
	}
}
