// Package apikey implements the client API-key registry: issuance,
// hash-indexed validation, rate/concurrency/cost quota enforcement, and
// usage accounting.
package apikey

import "time"

// Permission scopes a key to one platform or every platform the gateway
// fronts.
type Permission string

const (
	PermissionAll     Permission = "ALL"
	PermissionClaude  Permission = "CLAUDE"
	PermissionGemini  Permission = "GEMINI"
	PermissionOpenAI  Permission = "OPENAI"
	PermissionBedrock Permission = "BEDROCK"
)

// ExpirationMode selects how a key's lifetime is computed.
type ExpirationMode string

const (
	ExpirationNone       ExpirationMode = "NONE"
	ExpirationFixed      ExpirationMode = "FIXED"
	ExpirationActivation ExpirationMode = "ACTIVATION"
)

// ActivationUnit is the unit activation_days is measured in.
type ActivationUnit string

const (
	ActivationUnitDays  ActivationUnit = "DAYS"
	ActivationUnitHours ActivationUnit = "HOURS"
)

// Platform identifies one upstream vendor, shared with the account and
// scheduler packages.
type Platform string

const (
	PlatformClaude  Platform = "CLAUDE"
	PlatformGemini  Platform = "GEMINI"
	PlatformBedrock Platform = "BEDROCK"
	PlatformOpenAI  Platform = "OPENAI"
)

// ClientRestriction gates one named client integration on or off.
type ClientRestriction struct {
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// Limits bundles every quota an APIKey can carry.
type Limits struct {
	TokenLimit             int64   `json:"tokenLimit"`
	ConcurrencyLimit       int     `json:"concurrencyLimit"`
	RateLimitWindowSeconds int     `json:"rateLimitWindowSeconds"`
	RateLimitRequests      int     `json:"rateLimitRequests"`
	RateLimitCost          float64 `json:"rateLimitCost"`
	DailyCostLimit         float64 `json:"dailyCostLimit"`
	TotalCostLimit         float64 `json:"totalCostLimit"`
	WeeklyOpusCostLimit    float64 `json:"weeklyOpusCostLimit"`
}

// APIKey is one issued client credential. Raw key material is never stored
// — only KeyHash and, transiently, the raw string returned at creation
// time.
type APIKey struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Icon        string `json:"icon,omitempty"`

	KeyHash     string     `json:"keyHash"`
	Permissions Permission `json:"permissions"`

	Limits Limits `json:"limits"`

	ExpirationMode  ExpirationMode `json:"expirationMode"`
	ExpiresAt       *time.Time     `json:"expiresAt,omitempty"`
	ActivatedAt     *time.Time     `json:"activatedAt,omitempty"`
	ActivationDays  int            `json:"activationDays,omitempty"`
	ActivationUnit  ActivationUnit `json:"activationUnit,omitempty"`

	RestrictedModels        []string            `json:"restrictedModels,omitempty"`
	EnableModelRestriction  bool                `json:"enableModelRestriction"`
	AllowedClients          []ClientRestriction `json:"allowedClients,omitempty"`
	EnableClientRestriction bool                `json:"enableClientRestriction"`

	// AccountBindings pins this key to a single upstream account per
	// platform, e.g. {"CLAUDE": "acct_123"}. When set for a platform, the
	// scheduler must never pick a different account for that platform.
	AccountBindings map[Platform]string `json:"accountBindings,omitempty"`

	IsActive  bool       `json:"isActive"`
	IsDeleted bool       `json:"isDeleted"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
	DeletedBy string     `json:"deletedBy,omitempty"`

	CreatedBy     string `json:"createdBy,omitempty"`
	CreatedByType string `json:"createdByType,omitempty"`

	Tags []string `json:"tags,omitempty"`

	CreatedAt  time.Time  `json:"createdAt"`
	UpdatedAt  time.Time  `json:"updatedAt"`
	LastUsedAt *time.Time `json:"lastUsedAt,omitempty"`
}

// Usable reports whether the key may currently be used to authenticate a
// request: active, not deleted, and not expired.
func (k *APIKey) Usable(now time.Time) bool {
	if !k.IsActive || k.IsDeleted {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	return true
}

// AllowsModel reports whether model is permitted under this key's
// restriction list. When EnableModelRestriction is false the list is
// ignored entirely — an empty list and "no restriction" are distinguished
// by this flag, not by list length.
func (k *APIKey) AllowsModel(model string) bool {
	if !k.EnableModelRestriction || len(k.RestrictedModels) == 0 {
		return true
	}
	for _, m := range k.RestrictedModels {
		if m == model {
			return false
		}
	}
	return true
}

// AllowsPlatform reports whether permissions cover platform.
func (k *APIKey) AllowsPlatform(p Platform) bool {
	if k.Permissions == PermissionAll {
		return true
	}
	return string(k.Permissions) == string(p)
}

// UsageRecord describes one forwarded request's accounting, handed to
// Registry.RecordUsage by the relay pipeline after C9 computes cost.
type UsageRecord struct {
	KeyID               string
	AccountID           string
	Model               string
	InputTokens         int64
	OutputTokens        int64
	CacheCreationTokens int64
	CacheReadTokens      int64
	CostUSD             float64
	Timestamp           time.Time
}
