package relay

import (
	"bufio"
	"bytes"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/wayfind-oss/relaygate/internal/pricing"
)

// ExtractSSEUsage scans a relayed Server-Sent-Events body for usage fields,
// keeping the maximum value seen per field across all "data: " chunks.
// Claude and OpenAI's streaming APIs report usage cumulatively across
// message_start/message_delta-style events, so the running maximum is the
// final total; a client that disconnects mid-stream is still billed for
// whatever usage made it into the chunks already relayed.
func ExtractSSEUsage(body []byte) pricing.Usage {
	var total pricing.Usage

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			continue
		}

		payload := []byte(data)
		if !gjson.GetBytes(payload, "usage").Exists() {
			// Claude's message_start event nests its usage under "message".
			if msg := gjson.GetBytes(payload, "message"); msg.IsObject() {
				payload = []byte(msg.Raw)
			}
		}
		u := extractUsage(payload)
		total.InputTokens = maxInt64(total.InputTokens, u.InputTokens)
		total.OutputTokens = maxInt64(total.OutputTokens, u.OutputTokens)
		total.CacheCreationTokens = maxInt64(total.CacheCreationTokens, u.CacheCreationTokens)
		total.CacheReadTokens = maxInt64(total.CacheReadTokens, u.CacheReadTokens)
	}

	return total
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
