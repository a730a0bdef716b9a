package config

// ExecMode names an execution backend policy selected by an exec slot.
type ExecMode string

const (
	ModeAPI              ExecMode = "api"
	ModePrivilegedLocal  ExecMode = "privileged_local"
	ModeDeferred         ExecMode = "deferred"
	ModeFailoverDisabled ExecMode = "failover_disabled"
)

// Valid reports whether m is a known mode.
func (m ExecMode) Valid() bool {
	switch m {
	case ModeAPI, ModePrivilegedLocal, ModeDeferred, ModeFailoverDisabled:
		return true
	default:
		return false
	}
}

// RoutingFile is the merged on-disk routing configuration.
type RoutingFile struct {
	Version         int                     `yaml:"version,omitempty"`
	DefaultTier     string                  `yaml:"default_tier,omitempty"`
	DefaultSlot     int                     `yaml:"default_slot,omitempty"`
	DefaultExecSlot int                     `yaml:"default_exec_slot,omitempty"`
	Providers       map[string]ProviderDef  `yaml:"providers"`
	Models          map[string]ModelDef     `yaml:"models"`
	Aliases         map[string]string       `yaml:"aliases,omitempty"`
	Tiers           map[string]TierDef      `yaml:"tiers"`
	Families        map[string]FamilyDef    `yaml:"families,omitempty"`
	TaskOverrides   map[string]TaskOverride `yaml:"task_overrides,omitempty"`
	Slots           map[int]SlotDef         `yaml:"slots,omitempty"`
	ExecSlots       map[int]ExecSlotDef     `yaml:"exec_slots,omitempty"`
	Policy          PolicyDef               `yaml:"policy,omitempty"`
	Retry           RetryConfig             `yaml:"retry,omitempty"`
	Local           LocalDef                `yaml:"local,omitempty"`
}

// ProviderDef describes a backend. Credentials are referenced by env var name.
type ProviderDef struct {
	Kind         string   `yaml:"kind"`
	APIKeyEnv    string   `yaml:"api_key_env,omitempty"`
	BaseURL      string   `yaml:"base_url,omitempty"`
	Capabilities []string `yaml:"capabilities,omitempty"`
}

// ModelDef binds a model key to a provider and backend model id.
type ModelDef struct {
	Provider       string       `yaml:"provider"`
	BackendModelID string       `yaml:"backend_model_id"`
	Capabilities   []string     `yaml:"capabilities,omitempty"`
	Pricing        ModelPricing `yaml:"pricing,omitempty"`
}

// ModelPricing defines per-1k token pricing.
type ModelPricing struct {
	PromptPer1K     float64 `yaml:"prompt_per_1k,omitempty"`
	CompletionPer1K float64 `yaml:"completion_per_1k,omitempty"`
}

// TierDef is a quality/cost class with its global default chain.
type TierDef struct {
	Description string   `yaml:"description,omitempty"`
	Models      []string `yaml:"models"`
}

// FamilyDef groups task names that share policy exceptions.
type FamilyDef struct {
	Patterns         []string `yaml:"patterns"`
	Protected        bool     `yaml:"protected,omitempty"`
	DefaultTier      string   `yaml:"default_tier,omitempty"`
	AllowedProviders []string `yaml:"allowed_providers,omitempty"`
	AllowDeferral    bool     `yaml:"allow_deferral,omitempty"`
	Requires         []string `yaml:"requires,omitempty"`
}

// TaskOverride pins tier, chain, or options for a single task.
type TaskOverride struct {
	Tier     string            `yaml:"tier,omitempty"`
	Models   []string          `yaml:"models,omitempty"`
	Options  map[string]string `yaml:"options,omitempty"`
	Requires []string          `yaml:"requires,omitempty"`
}

// SlotDef is a numbered routing profile mapping tiers to chains.
type SlotDef struct {
	Description string                   `yaml:"description,omitempty"`
	Tiers       map[string][]string      `yaml:"tiers,omitempty"`
	Families    map[string]SlotFamilyDef `yaml:"families,omitempty"`
}

// SlotFamilyDef is a family-specific table inside a slot. When Exclusive is
// set the generic table and global chains are never consulted for the family.
type SlotFamilyDef struct {
	Tiers            map[string][]string `yaml:"tiers,omitempty"`
	AllowedProviders []string            `yaml:"allowed_providers,omitempty"`
	Exclusive        bool                `yaml:"exclusive,omitempty"`
}

// ExecSlotDef selects the execution backend policy.
type ExecSlotDef struct {
	Description       string   `yaml:"description,omitempty"`
	Mode              ExecMode `yaml:"mode"`
	DeferOnExhaustion bool     `yaml:"defer_on_exhaustion,omitempty"`
	TimeoutSeconds    int      `yaml:"timeout_seconds,omitempty"`
}

// PolicyDef carries data-driven policy rules.
type PolicyDef struct {
	DenySubstrings     []string          `yaml:"deny_substrings,omitempty"`
	OptionCapabilities map[string]string `yaml:"option_capabilities,omitempty"`
}

// RetryConfig defines same-candidate retry for transient provider errors.
// Timeouts never retry the same candidate.
type RetryConfig struct {
	MaxRetries    int `yaml:"max_retries,omitempty"`
	BaseBackoffMs int `yaml:"base_backoff_ms,omitempty"`
	MaxBackoffMs  int `yaml:"max_backoff_ms,omitempty"`
}

// LocalDef configures the privileged local execution backend.
type LocalDef struct {
	Command        []string `yaml:"command,omitempty"`
	Workdir        string   `yaml:"workdir,omitempty"`
	AllowedTasks   []string `yaml:"allowed_tasks,omitempty"`
	TimeoutSeconds int      `yaml:"timeout_seconds,omitempty"`
}

func applyRoutingDefaults(cfg *RoutingFile) {
	if cfg == nil {
		return
	}
	if cfg.Retry.BaseBackoffMs == 0 {
		cfg.Retry.BaseBackoffMs = 200
	}
	if cfg.Retry.MaxBackoffMs == 0 {
		cfg.Retry.MaxBackoffMs = 2000
	}
	if cfg.Retry.MaxBackoffMs < cfg.Retry.BaseBackoffMs {
		cfg.Retry.MaxBackoffMs = cfg.Retry.BaseBackoffMs
	}
	if cfg.ExecSlots == nil {
		cfg.ExecSlots = make(map[int]ExecSlotDef)
	}
	if _, ok := cfg.ExecSlots[0]; !ok {
		cfg.ExecSlots[0] = ExecSlotDef{Description: "plain API", Mode: ModeAPI}
	}
	if cfg.Local.TimeoutSeconds == 0 {
		cfg.Local.TimeoutSeconds = 300
	}
}
