package keystore

import "time"

// ACL holds the per-tool allow/deny sets checked by the gate evaluator
// (spec §4.8 step 6). An empty AllowedTools means "no whitelist configured".
type ACL struct {
	AllowedTools map[string]struct{}
	DeniedTools  map[string]struct{}
}

// AliasCredential is an extra (id, secretHash) pair that authenticates
// the same Record as its primary credential.
type AliasCredential struct {
	ID         string `json:"id"`
	SecretHash []byte `json:"secretHash"`
}

// Note is a free-text admin annotation attached to a key.
type Note struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// QuotaConfig is the closed set of quota limits from spec §3. Zero means
// the corresponding limit is not enforced.
type QuotaConfig struct {
	DailyCallLimit     int64 `json:"dailyCallLimit"`
	MonthlyCallLimit   int64 `json:"monthlyCallLimit"`
	DailyCreditLimit   int64 `json:"dailyCreditLimit"`
	MonthlyCreditLimit int64 `json:"monthlyCreditLimit"`
	HourlyCallLimit    int64 `json:"hourlyCallLimit"`
	HourlyCreditLimit  int64 `json:"hourlyCreditLimit"`

	// RolloverCallLimit enables the named quota-with-rollover component
	// (spec §4.4): a call budget per RolloverPeriod ("daily" or
	// "monthly") where RolloverPercent of any unused budget (capped at
	// MaxRollover) carries into the next period. Zero disables it.
	RolloverCallLimit int64  `json:"rolloverCallLimit"`
	RolloverPeriod    string `json:"rolloverPeriod"`
	RolloverPercent   int64  `json:"rolloverPercent"`
	MaxRollover       int64  `json:"maxRollover"`
}

// QuotaCounters tracks the consumption side of QuotaConfig. LastResetDay
// and LastResetMonth drive the "reset on first access after boundary"
// rule in spec §4.4.
type QuotaCounters struct {
	DailyCalls     int64  `json:"dailyCalls"`
	MonthlyCalls   int64  `json:"monthlyCalls"`
	DailyCredits   int64  `json:"dailyCredits"`
	MonthlyCredits int64  `json:"monthlyCredits"`
	LastResetDay   string `json:"lastResetDay"`
	LastResetMonth string `json:"lastResetMonth"`
}

// Record is the key record from spec §3. The bearer string itself is
// never stored; only its bcrypt hash (SecretHash) and the lookup ID
// (the key's prefix) live here.
type Record struct {
	ID         string
	SecretHash []byte
	Name       string

	Credits    int64
	TotalSpent int64
	TotalCalls int64

	Active    bool
	Suspended bool
	ExpiresAt *time.Time

	Namespace string
	Group     string

	// Aliases are additional valid bearer credentials for this record,
	// issued by RegisterAlias so a caller can roll a secret without an
	// immediate hard cutover. Each alias resolves exactly like the
	// primary key during Gate.evaluate's resolve step (spec §4.8 step 1).
	Aliases []AliasCredential

	// Scopes maps a tool name to the scope that must be present for the
	// caller to invoke it (spec §4.8 step 7). A tool absent from this map
	// requires no scope.
	Scopes map[string]string

	// GrantedScopes is the set of scopes this key actually holds, checked
	// against Scopes[tool] during step 7.
	GrantedScopes map[string]struct{}

	ACL           ACL
	Quota         QuotaConfig
	QuotaCounters QuotaCounters

	SandboxPolicy string

	// ShadowMode overrides the gate's global shadow-mode flag for this
	// key alone (spec §4.8 shadow mode): checks 5-17 still run, but a
	// denial is logged and converted to an allowed "shadow:<reason>"
	// outcome instead of being enforced.
	ShadowMode bool

	SpendingLimit int64

	Tags  map[string]string
	Notes []Note

	CreatedAt time.Time
	UpdatedAt time.Time
}

// NewRecord returns a Record with the lifecycle defaults a freshly
// created key holds: active, not suspended, zeroed counters.
func NewRecord(id string, secretHash []byte, name string) *Record {
	now := time.Now().UTC()
	return &Record{
		ID:         id,
		SecretHash: secretHash,
		Name:       name,
		Active:     true,
		ACL: ACL{
			AllowedTools: make(map[string]struct{}),
			DeniedTools:  make(map[string]struct{}),
		},
		Scopes:        make(map[string]string),
		GrantedScopes: make(map[string]struct{}),
		Tags:          make(map[string]string),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Clone returns a deep-enough copy for safe hand-off outside a shard lock.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	c.Aliases = append([]AliasCredential(nil), r.Aliases...)
	c.Scopes = cloneStringMap(r.Scopes)
	c.GrantedScopes = cloneSet(r.GrantedScopes)
	c.Tags = cloneStringMap(r.Tags)
	c.Notes = append([]Note(nil), r.Notes...)
	c.ACL = ACL{
		AllowedTools: cloneSet(r.ACL.AllowedTools),
		DeniedTools:  cloneSet(r.ACL.DeniedTools),
	}
	if r.ExpiresAt != nil {
		t := *r.ExpiresAt
		c.ExpiresAt = &t
	}
	return &c
}

// MaskKey renders a bearer key string as the 10-character prefix the spec
// requires everywhere outside key creation: "abcdefghij...".
func MaskKey(rawKey string) string {
	if len(rawKey) <= 10 {
		return rawKey + "..."
	}
	return rawKey[:10] + "..."
}

func cloneStringMap(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func cloneSet(m map[string]struct{}) map[string]struct{} {
	if m == nil {
		return nil
	}
	out := make(map[string]struct{}, len(m))
	for k := range m {
		out[k] = struct{}{}
	}
	return out
}
