package db

import (
	"fmt"

	"gorm.io/gorm"

	types "github.com/telopea-platform/compliance-backend/internal/domain"
)

func AutoMigrateAll(db *gorm.DB) error {
	return db.AutoMigrate(

		// =========================
		// Operator access
		// =========================
		&types.AdminUser{},

		// =========================
		// Policy store
		// =========================
		&types.PolicyVersion{},
		&types.PolicyChangeSet{},

		// =========================
		// Rollback
		// =========================
		&types.RollbackPlan{},
		&types.RollbackExecution{},

		// =========================
		// Audit + consent
		// =========================
		&types.AuditEntry{},
		&types.ConsentRecord{},

		// =========================
		// Jobs / worker
		// =========================
		&types.JobRun{},
	)
}

func EnsurePolicyIndexes(db *gorm.DB) error {
	// uuid-ossp is already enabled in NewPostgresService, but safe to re-run
	if err := db.Exec(`CREATE EXTENSION IF NOT EXISTS "uuid-ossp";`).Error; err != nil {
		return fmt.Errorf("enable uuid-ossp: %w", err)
	}

	// Latest-version lookup per policy.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_policy_version_policy_created
		ON policy_version (policy_id, created_at DESC);
	`).Error; err != nil {
		return fmt.Errorf("create idx_policy_version_policy_created: %w", err)
	}

	// Tag-targeted rollback resolution.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_policy_version_tags
		ON policy_version USING GIN (tags);
	`).Error; err != nil {
		return fmt.Errorf("create idx_policy_version_tags: %w", err)
	}

	return nil
}

func EnsureAuditIndexes(db *gorm.DB) error {
	// Query paths: by actor and by category, newest first.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_audit_entry_actor_created
		ON audit_entry (actor_id, created_at DESC);
	`).Error; err != nil {
		return fmt.Errorf("create idx_audit_entry_actor_created: %w", err)
	}

	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_audit_entry_category_created
		ON audit_entry (category, created_at DESC);
	`).Error; err != nil {
		return fmt.Errorf("create idx_audit_entry_category_created: %w", err)
	}

	// Retention purges only ever touch non-sensitive rows.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_audit_entry_purge
		ON audit_entry (category, created_at)
		WHERE cultural_sensitive = false;
	`).Error; err != nil {
		return fmt.Errorf("create idx_audit_entry_purge: %w", err)
	}

	return nil
}

func EnsureConsentIndexes(db *gorm.DB) error {
	// At most one live record per subject and purpose.
	if err := db.Exec(`
		CREATE UNIQUE INDEX IF NOT EXISTS idx_consent_live_subject_purpose
		ON consent_record (subject_id, purpose)
		WHERE status IN ('pending', 'granted');
	`).Error; err != nil {
		return fmt.Errorf("create idx_consent_live_subject_purpose: %w", err)
	}

	// Expiry sweep.
	if err := db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_consent_expiry_scan
		ON consent_record (expires_at)
		WHERE status = 'granted' AND expires_at IS NOT NULL;
	`).Error; err != nil {
		return fmt.Errorf("create idx_consent_expiry_scan: %w", err)
	}

	return nil
}

func (s *PostgresService) AutoMigrateAll() error {
	s.log.Info("Auto migrating postgres tables...")
	if err := AutoMigrateAll(s.db); err != nil {
		s.log.Error("Auto migration failed", "error", err)
		return err
	}
	if err := EnsurePolicyIndexes(s.db); err != nil {
		s.log.Error("Policy index migration failed", "error", err)
		return err
	}
	if err := EnsureAuditIndexes(s.db); err != nil {
		s.log.Error("Audit index migration failed", "error", err)
		return err
	}
	if err := EnsureConsentIndexes(s.db); err != nil {
		s.log.Error("Consent index migration failed", "error", err)
		return err
	}

	return nil
}
