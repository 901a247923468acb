package relay

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/tidwall/gjson"

	"github.com/wayfind-oss/relaygate/internal/classifier"
)

// computeSessionHash derives the scheduler's session affinity key from an
// opaque client request body. Precedence:
//  1. a first-party session ID carried in metadata.user_id
//  2. sha256 (first 32 hex chars) of every content block carrying an
//     ephemeral cache-control marker, concatenated
//  3. sha256 of the system prompt text
//  4. sha256 of the first user message text
//
// Returns "" when none of the above is present.
func computeSessionHash(body []byte) string {
	if userID := gjson.GetBytes(body, "metadata.user_id").String(); userID != "" {
		if classifier.IsFirstPartySessionID(userID) {
			return userID
		}
	}

	if blocks := ephemeralCacheBlocks(body); blocks != "" {
		return shortHash(blocks)
	}

	if system := gjson.GetBytes(body, "system").String(); system != "" {
		return shortHash(system)
	}
	// system can also arrive as a content-block array; concatenate text parts.
	if system := systemBlocksText(body); system != "" {
		return shortHash(system)
	}

	if first := firstUserMessageText(body); first != "" {
		return shortHash(first)
	}

	return ""
}

// ephemeralCacheBlocks concatenates the text of every content block, across
// every message, whose cache_control.type is "ephemeral".
func ephemeralCacheBlocks(body []byte) string {
	var sb []byte
	messages := gjson.GetBytes(body, "messages")
	if !messages.IsArray() {
		return ""
	}
	messages.ForEach(func(_, msg gjson.Result) bool {
		content := msg.Get("content")
		if !content.IsArray() {
			return true
		}
		content.ForEach(func(_, block gjson.Result) bool {
			if block.Get("cache_control.type").String() == "ephemeral" {
				sb = append(sb, block.Get("text").String()...)
			}
			return true
		})
		return true
	})
	return string(sb)
}

func systemBlocksText(body []byte) string {
	system := gjson.GetBytes(body, "system")
	if !system.IsArray() {
		return ""
	}
	var sb []byte
	system.ForEach(func(_, block gjson.Result) bool {
		sb = append(sb, block.Get("text").String()...)
		return true
	})
	return string(sb)
}

func firstUserMessageText(body []byte) string {
	messages := gjson.GetBytes(body, "messages")
	if !messages.IsArray() {
		return ""
	}
	var result string
	messages.ForEach(func(_, msg gjson.Result) bool {
		if msg.Get("role").String() != "user" {
			return true
		}
		content := msg.Get("content")
		if content.Type == gjson.String {
			result = content.String()
			return false
		}
		if content.IsArray() {
			content.ForEach(func(_, block gjson.Result) bool {
				if t := block.Get("text").String(); t != "" {
					result = t
					return false
				}
				return true
			})
		}
		return result == ""
	})
	return result
}

func shortHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:32]
}
