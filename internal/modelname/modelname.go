// Package modelname implements the small string-matching helpers the
// scheduler, registry, and pricing packages all need to reason about
// upstream model identifiers: vendor-prefix parsing, family classification,
// and Bedrock region-prefix stripping.
package modelname

import "strings"

// ParsedModel is the result of splitting an optional vendor prefix off a
// model identifier, e.g. "bedrock:us.anthropic.claude-sonnet-4" splits into
// vendor "bedrock" and base model "us.anthropic.claude-sonnet-4".
type ParsedModel struct {
	Vendor    string // empty when no recognized vendor prefix is present
	BaseModel string
	Original  string
}

var knownVendorPrefixes = map[string]bool{
	"ccr":     true,
	"bedrock": true,
	"azure":   true,
	"custom":  true,
}

// ParseVendorPrefixed splits a "<vendor>:<model>" identifier. Colons that
// don't precede a recognized vendor prefix are left in BaseModel untouched
// (e.g. an OpenAI-compatible base URL alias that happens to contain one).
func ParseVendorPrefixed(model string) ParsedModel {
	if i := strings.IndexByte(model, ':'); i >= 0 {
		vendor, base := model[:i], model[i+1:]
		if knownVendorPrefixes[vendor] {
			return ParsedModel{Vendor: vendor, BaseModel: base, Original: model}
		}
	}
	return ParsedModel{BaseModel: model, Original: model}
}

// Contains reports whether model contains keyword, case-insensitively.
func Contains(model, keyword string) bool {
	return strings.Contains(strings.ToLower(model), strings.ToLower(keyword))
}

// IsClaudeOfficial reports whether model looks like a first-party Claude
// model name.
func IsClaudeOfficial(model string) bool {
	lower := strings.ToLower(model)
	return strings.HasPrefix(lower, "claude-") ||
		strings.Contains(lower, "claude") ||
		strings.Contains(lower, "sonnet") ||
		strings.Contains(lower, "opus") ||
		strings.Contains(lower, "haiku")
}

// IsOpus reports whether model belongs to the Opus family. This is a
// stable substring match — the weekly opus cost bucket depends on this
// classification remaining stable across the pricing table, so it must
// never consult pricing data itself.
func IsOpus(model string) bool { return Contains(model, "opus") }

// IsSonnet reports whether model belongs to the Sonnet family.
func IsSonnet(model string) bool { return Contains(model, "sonnet") }

// IsHaiku reports whether model belongs to the Haiku family.
func IsHaiku(model string) bool { return Contains(model, "haiku") }

var bedrockRegionPrefixes = []string{"us.", "eu.", "apac.", "ap-", "ca-"}

// RemoveBedrockRegionPrefix strips a leading Bedrock region prefix, e.g.
// "us.anthropic.claude-sonnet-4" → "anthropic.claude-sonnet-4".
func RemoveBedrockRegionPrefix(model string) string {
	for _, prefix := range bedrockRegionPrefixes {
		if rest, ok := strings.CutPrefix(model, prefix); ok {
			return rest
		}
	}
	return model
}

// Normalize lowercases model and removes hyphens and underscores, for loose
// fuzzy matching against pricing-table keys that may differ in punctuation.
func Normalize(model string) string {
	lower := strings.ToLower(model)
	lower = strings.ReplaceAll(lower, "-", "")
	lower = strings.ReplaceAll(lower, "_", "")
	return lower
}
