package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/safemode/link-scanner/internal/domain"
)

// PostgresStore implements ports.OverrideStore and ports.ScanStore for PostgreSQL
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL storage instance
func NewPostgresStore(connStr string) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Set connection pool settings
	// In production, should be set based on workload
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PostgresStore{db: db}, nil
}

// Close closes the database connection
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// InitSchema creates database tables if they don't exist
// In production, use proper migration tools
func (s *PostgresStore) InitSchema() error {
	schema := `
	-- ============================================================================
	-- MANUAL_OVERRIDES TABLE
	-- ============================================================================
	-- Admin-managed allow/deny list. An override is absolute: once one matches,
	-- no external provider is consulted for the verdict.
	--
	-- scope='url' targets a single normalized URL by its hash; scope='domain'
	-- targets every URL on a hostname. expires_at NULL means permanent.
	CREATE TABLE IF NOT EXISTS manual_overrides (
		id SERIAL PRIMARY KEY,
		target VARCHAR(255) NOT NULL,
		scope VARCHAR(10) NOT NULL CHECK (scope IN ('url', 'domain')),
		status VARCHAR(10) NOT NULL CHECK (status IN ('allow', 'deny')),
		created_by VARCHAR(100),
		expires_at TIMESTAMP,
		created_at TIMESTAMP DEFAULT NOW(),
		UNIQUE(target, scope)
	);

	-- Backs GetOverride: one lookup per scan, filtered on target+scope
	CREATE INDEX IF NOT EXISTS idx_overrides_target ON manual_overrides(target, scope);

	-- ============================================================================
	-- SCANS TABLE
	-- ============================================================================
	-- Durable copy of every verdict, keyed by the URL hash. Redis holds the hot
	-- copy with a TTL; this table is the audit trail and survives cache flushes.
	--
	-- reasons and redirect_chain as JSONB string arrays: they are always read
	-- alongside the scan row, so a dedicated table buys nothing here.
	CREATE TABLE IF NOT EXISTS scans (
		url_hash CHAR(64) PRIMARY KEY,
		url TEXT NOT NULL,
		final_url TEXT,
		verdict VARCHAR(10) NOT NULL,
		score SMALLINT NOT NULL,
		reasons JSONB,
		cache_ttl INTEGER NOT NULL,
		redirect_chain JSONB,
		was_shortened BOOLEAN DEFAULT FALSE,
		final_url_mismatch BOOLEAN DEFAULT FALSE,
		degraded BOOLEAN DEFAULT FALSE,
		decided_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP DEFAULT NOW()
	);

	-- Dashboard query: recent malicious verdicts first
	CREATE INDEX IF NOT EXISTS idx_scans_verdict ON scans(verdict, decided_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// GetOverride retrieves the active override for a URL hash or its hostname.
// A URL-scoped override wins over a domain-scoped one.
func (s *PostgresStore) GetOverride(ctx context.Context, urlHash, hostname string) (*domain.ManualOverride, error) {
	query := `
		SELECT status, scope, expires_at
		FROM manual_overrides
		WHERE ((target = $1 AND scope = 'url') OR (target = $2 AND scope = 'domain'))
		  AND (expires_at IS NULL OR expires_at > NOW())
		ORDER BY CASE scope WHEN 'url' THEN 0 ELSE 1 END
		LIMIT 1
	`
	override := &domain.ManualOverride{}
	var expiresAt sql.NullTime
	err := s.db.QueryRowContext(ctx, query, urlHash, hostname).Scan(
		&override.Status, &override.Scope, &expiresAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if expiresAt.Valid {
		override.ExpiresAt = &expiresAt.Time
	}
	return override, nil
}

// SaveScan upserts the verdict record for a URL hash
func (s *PostgresStore) SaveScan(ctx context.Context, record *domain.ScanRecord) error {
	reasonsJSON, err := json.Marshal(record.Reasons)
	if err != nil {
		return fmt.Errorf("failed to marshal reasons: %w", err)
	}
	chainJSON, err := json.Marshal(record.RedirectChain)
	if err != nil {
		return fmt.Errorf("failed to marshal redirect chain: %w", err)
	}

	query := `
		INSERT INTO scans (
			url_hash, url, final_url, verdict, score, reasons, cache_ttl,
			redirect_chain, was_shortened, final_url_mismatch, degraded,
			decided_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW())
		ON CONFLICT (url_hash) DO UPDATE
		SET final_url = EXCLUDED.final_url,
		    verdict = EXCLUDED.verdict,
		    score = EXCLUDED.score,
		    reasons = EXCLUDED.reasons,
		    cache_ttl = EXCLUDED.cache_ttl,
		    redirect_chain = EXCLUDED.redirect_chain,
		    was_shortened = EXCLUDED.was_shortened,
		    final_url_mismatch = EXCLUDED.final_url_mismatch,
		    degraded = EXCLUDED.degraded,
		    decided_at = EXCLUDED.decided_at,
		    updated_at = NOW()
	`
	_, err = s.db.ExecContext(ctx, query,
		record.URLHash, record.URL, record.FinalURL, record.Verdict,
		record.Score, reasonsJSON, record.CacheTTL, chainJSON,
		record.WasShortened, record.FinalURLMismatch, record.Degraded,
		record.DecidedAt,
	)
	return err
}

// GetScan retrieves the stored record for a URL hash
func (s *PostgresStore) GetScan(ctx context.Context, urlHash string) (*domain.ScanRecord, error) {
	query := `
		SELECT url_hash, url, final_url, verdict, score, reasons, cache_ttl,
		       redirect_chain, was_shortened, final_url_mismatch, degraded,
		       decided_at
		FROM scans
		WHERE url_hash = $1
	`
	record := &domain.ScanRecord{}
	var reasonsJSON, chainJSON []byte

	err := s.db.QueryRowContext(ctx, query, urlHash).Scan(
		&record.URLHash, &record.URL, &record.FinalURL, &record.Verdict,
		&record.Score, &reasonsJSON, &record.CacheTTL, &chainJSON,
		&record.WasShortened, &record.FinalURLMismatch, &record.Degraded,
		&record.DecidedAt,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	json.Unmarshal(reasonsJSON, &record.Reasons)
	json.Unmarshal(chainJSON, &record.RedirectChain)

	return record, nil
}
