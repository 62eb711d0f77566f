package domain

import "time"

// RiskLevel is the final classification band of a scanned URL.
type RiskLevel string

const (
	LevelBenign     RiskLevel = "benign"
	LevelSuspicious RiskLevel = "suspicious"
	LevelMalicious  RiskLevel = "malicious"
)

// OverrideStatus is the administrator decision attached to a URL hash.
type OverrideStatus string

const (
	OverrideAllow OverrideStatus = "allow"
	OverrideDeny  OverrideStatus = "deny"
)

// ManualOverride is an administrator decision read from the database.
// The pipeline treats it as read-only; precedence is absolute (see scoring).
type ManualOverride struct {
	Status    OverrideStatus `json:"status"`
	Scope     string         `json:"scope,omitempty"`
	ExpiresAt *time.Time     `json:"expires_at,omitempty"`
}

// HomoglyphRisk orders homoglyph findings from harmless to brand-spoof.
type HomoglyphRisk string

const (
	HomoglyphNone   HomoglyphRisk = "none"
	HomoglyphLow    HomoglyphRisk = "low"
	HomoglyphMedium HomoglyphRisk = "medium"
	HomoglyphHigh   HomoglyphRisk = "high"
)

// ConfusableChar records one visually-confusable character found in a
// hostname, with the ASCII character it imitates.
type ConfusableChar struct {
	Original     string   `json:"original"`
	ConfusedWith string   `json:"confused_with"`
	Position     int      `json:"position"`
	Script       string   `json:"script"`
	Alternatives []string `json:"alternatives,omitempty"`
}

// HomoglyphResult is the structured output of the homoglyph detector.
// Invariant: Detected=false implies RiskLevel=none, no confusable chars and
// both boolean flags false.
type HomoglyphResult struct {
	Detected         bool             `json:"detected"`
	IsPunycode       bool             `json:"is_punycode"`
	MixedScript      bool             `json:"mixed_script"`
	UnicodeHostname  string           `json:"unicode_hostname"`
	NormalizedDomain string           `json:"normalized_domain"`
	ConfusableChars  []ConfusableChar `json:"confusable_chars"`
	RiskLevel        HomoglyphRisk    `json:"risk_level"`
	RiskReasons      []string         `json:"risk_reasons"`
}

// Signals is the open record of evidence gathered for one URL. Every field
// is optional; a nil pointer means "not evaluated", never "negative".
type Signals struct {
	GsbThreatTypes []string `json:"gsb_threat_types,omitempty"`

	VtMalicious  *int `json:"vt_malicious,omitempty"`
	VtSuspicious *int `json:"vt_suspicious,omitempty"`
	VtHarmless   *int `json:"vt_harmless,omitempty"`

	UrlhausListed          bool `json:"urlhaus_listed,omitempty"`
	PhishtankVerified      bool `json:"phishtank_verified,omitempty"`
	OpenphishListed        bool `json:"openphish_listed,omitempty"`
	CertPlListed           bool `json:"certpl_listed,omitempty"`
	SuspiciousDomainListed bool `json:"suspicious_domain_listed,omitempty"`

	DomainAgeDays *int `json:"domain_age_days,omitempty"`

	IsIPLiteral            bool `json:"is_ip_literal,omitempty"`
	HasSuspiciousTld       bool `json:"has_suspicious_tld,omitempty"`
	RedirectCount          int  `json:"redirect_count,omitempty"`
	HasUncommonPort        bool `json:"has_uncommon_port,omitempty"`
	URLLength              int  `json:"url_length,omitempty"`
	HasExecutableExtension bool `json:"has_executable_extension,omitempty"`
	WasShortened           bool `json:"was_shortened,omitempty"`
	HasUserInfo            bool `json:"has_user_info,omitempty"`
	FinalURLMismatch       bool `json:"final_url_mismatch,omitempty"`

	// TypoSquatTarget is the well-known domain the hostname is one edit
	// away from; TypoSquatMethod names the edit.
	TypoSquatTarget string `json:"typosquat_target,omitempty"`
	TypoSquatMethod string `json:"typosquat_method,omitempty"`

	Homoglyph      *HomoglyphResult `json:"homoglyph,omitempty"`
	ManualOverride *ManualOverride  `json:"manual_override,omitempty"`
	HeuristicsOnly bool             `json:"heuristics_only,omitempty"`
}

// RiskVerdict is the scoring engine's immutable output.
type RiskVerdict struct {
	Score    int       `json:"score"`
	Level    RiskLevel `json:"level"`
	Reasons  []string  `json:"reasons"`
	CacheTTL int       `json:"cache_ttl"`
}

// ScanJob is the inbound queue payload.
type ScanJob struct {
	URL       string `json:"url"`
	ChatID    string `json:"chatId,omitempty"`
	MessageID string `json:"messageId,omitempty"`
	Rescan    bool   `json:"rescan,omitempty"`
}

// HasChatContext reports whether a verdict job can be dispatched for this scan.
func (j ScanJob) HasChatContext() bool {
	return j.ChatID != "" && j.MessageID != ""
}

// VerdictJob is dispatched downstream when chat context is present.
// JobID is assigned at dispatch time and correlates queue entries in logs.
type VerdictJob struct {
	JobID     string    `json:"jobId"`
	ChatID    string    `json:"chatId"`
	MessageID string    `json:"messageId"`
	URLHash   string    `json:"urlHash"`
	Verdict   RiskLevel `json:"verdict"`
	Score     int       `json:"score"`
	Reasons   []string  `json:"reasons"`
}

// DeepScanJob requests an asynchronous headless-browser confirmation for a
// degraded-mode suspicious-or-worse verdict.
type DeepScanJob struct {
	JobID   string `json:"jobId"`
	URL     string `json:"url"`
	URLHash string `json:"urlHash"`
}

// ScanRecord is the persisted shape of a verdict, keyed by URL hash.
type ScanRecord struct {
	URLHash          string    `json:"url_hash"`
	URL              string    `json:"url"`
	FinalURL         string    `json:"final_url"`
	Verdict          RiskLevel `json:"verdict"`
	Score            int       `json:"score"`
	Reasons          []string  `json:"reasons"`
	CacheTTL         int       `json:"cache_ttl"`
	RedirectChain    []string  `json:"redirect_chain"`
	WasShortened     bool      `json:"was_shortened"`
	FinalURLMismatch bool      `json:"final_url_mismatch"`
	Degraded         bool      `json:"degraded"`
	DecidedAt        time.Time `json:"decided_at"`
}
