package classifier

// placeholderToken marks dynamic content stripped from a captured system
// prompt before it was turned into a template.
const placeholderToken = "__PLACEHOLDER__"

// Template is one canonical first-party system-prompt fingerprint.
type Template struct {
	ID   string
	Text string
}

// templates is the definitive fingerprint list. Text is extracted from
// real first-party client system prompts with dynamic content replaced by
// placeholderToken.
var templates = []Template{
	{
		ID:   "claude_code_primary",
		Text: "You are Claude Code, Anthropic's official CLI for Claude.",
	},
	{
		ID:   "claude_code_secondary",
		Text: "You are an interactive CLI tool that helps users __PLACEHOLDER__ Use the instructions below and the tools available to you to assist the user.",
	},
	{
		ID:   "claude_agent_sdk",
		Text: "You are a Claude agent, built on Anthropic's Claude Agent SDK.",
	},
	{
		ID:   "claude_code_agent_sdk",
		Text: "You are Claude Code, Anthropic's official CLI for Claude, running within the Claude Agent SDK.",
	},
	{
		ID:   "claude_code_compact",
		Text: "You are Claude, tasked with summarizing conversations from Claude Code sessions.",
	},
}
