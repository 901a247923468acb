package relay

import (
	"net/http"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// RetryAfterParser extracts how long to back off an account after a 429.
// Each platform gets its own strategy rather than a single shared
// header-only parser: Gemini in particular reports its retry hint inside
// the JSON error body, not a header.
type RetryAfterParser interface {
	Parse(statusCode int, headers http.Header, body []byte) (time.Duration, bool)
}

// headerRetryAfterParser reads the standard Retry-After header, either as
// a number of seconds or an HTTP-date. Used by Claude, OpenAI, and
// Bedrock, whose 429 responses all follow RFC 7231 §7.1.3.
type headerRetryAfterParser struct{}

func (headerRetryAfterParser) Parse(statusCode int, headers http.Header, _ []byte) (time.Duration, bool) {
	if statusCode != http.StatusTooManyRequests {
		return 0, false
	}
	v := headers.Get("Retry-After")
	if v == "" {
		return 0, false
	}
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, true
	}
	if t, err := http.ParseTime(v); err == nil {
		d := time.Until(t)
		if d < 0 {
			d = 0
		}
		return d, true
	}
	return 0, false
}

// geminiRetryAfterParser honours a Retry-After header when present and
// otherwise reads the retryDelay field Gemini embeds inside its
// RESOURCE_EXHAUSTED error body (e.g. "13s").
type geminiRetryAfterParser struct{}

func (geminiRetryAfterParser) Parse(statusCode int, headers http.Header, body []byte) (time.Duration, bool) {
	if statusCode != http.StatusTooManyRequests {
		return 0, false
	}
	if d, ok := (headerRetryAfterParser{}).Parse(statusCode, headers, body); ok {
		return d, true
	}

	var raw string
	gjson.GetBytes(body, "error.details").ForEach(func(_, detail gjson.Result) bool {
		if v := detail.Get("retryDelay").String(); v != "" {
			raw = v
			return false
		}
		return true
	})
	if raw == "" {
		return 0, false
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, false
	}
	return d, true
}

// retryAfterParsers maps each platform to its RetryAfterParser.
var retryAfterParsers = map[string]RetryAfterParser{
	"claude":  headerRetryAfterParser{},
	"openai":  headerRetryAfterParser{},
	"bedrock": headerRetryAfterParser{},
	"gemini":  geminiRetryAfterParser{},
}
