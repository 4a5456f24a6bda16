package models

import "time"

// BackupType distinguishes backup strategies.
type BackupType string

const (
	BackupFull        BackupType = "full"
	BackupIncremental BackupType = "incremental"
	BackupSnapshot    BackupType = "snapshot"
)

// Valid reports whether t is a known backup type.
func (t BackupType) Valid() bool {
	switch t {
	case BackupFull, BackupIncremental, BackupSnapshot:
		return true
	}
	return false
}

// BackupStatus is the lifecycle state of a backup.
type BackupStatus string

const (
	BackupPending   BackupStatus = "pending"
	BackupRunning   BackupStatus = "running"
	BackupCompleted BackupStatus = "completed"
	BackupFailed    BackupStatus = "failed"
	BackupCancelled BackupStatus = "cancelled"
)

// BackupRecord describes a completed or in-flight backup.
type BackupRecord struct {
	ID              string            `json:"id"`
	Type            BackupType        `json:"type"`
	Status          BackupStatus      `json:"status"`
	TenantID        string            `json:"tenant_id,omitempty"`
	DatasetIDs      []string          `json:"dataset_ids,omitempty"`
	SizeBytes       int64             `json:"size_bytes"`
	CompressedBytes int64             `json:"compressed_bytes"`
	Checksum        string            `json:"checksum,omitempty"` // SHA-256 of the archive
	StorageURI      string            `json:"storage_uri,omitempty"`
	DurationSeconds float64           `json:"duration_seconds"`
	Error           string            `json:"error,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// RestoreOptions controls how a backup is restored.
type RestoreOptions struct {
	TargetTenant      string            `json:"target_tenant,omitempty"`
	DatasetMapping    map[string]string `json:"dataset_mapping,omitempty"`
	OverwriteExisting bool              `json:"overwrite_existing,omitempty"`
	VerifyIntegrity   bool              `json:"verify_integrity,omitempty"`
	RestoreIndexes    bool              `json:"restore_indexes,omitempty"`
	RestoreMetadata   bool              `json:"restore_metadata,omitempty"`
}
