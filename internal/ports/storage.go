package ports

import (
	"context"

	"github.com/safemode/link-scanner/internal/domain"
)

// OverrideStore defines the contract for manual allow/deny list lookups.
type OverrideStore interface {
	// GetOverride returns the active override for a URL hash or its domain,
	// or nil when none applies. Expired overrides are never returned.
	GetOverride(ctx context.Context, urlHash, hostname string) (*domain.ManualOverride, error)
}

// ScanStore defines the contract for persisting scan verdicts.
type ScanStore interface {
	// SaveScan upserts the verdict record for a URL hash.
	SaveScan(ctx context.Context, record *domain.ScanRecord) error

	// GetScan returns the stored record for a URL hash, or nil when absent.
	GetScan(ctx context.Context, urlHash string) (*domain.ScanRecord, error)

	// Lifecycle
	Close() error
}
