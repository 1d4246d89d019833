package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Audit actions
const (
	AuditActionEcho     = "echo"
	AuditActionFind     = "find"
	AuditActionRetrieve = "retrieve"
	AuditActionImport   = "import"
)

// Audit statuses
const (
	AuditStatusSuccess   = "success"
	AuditStatusWarning   = "warning"
	AuditStatusFailure   = "failure"
	AuditStatusCancelled = "cancelled"
)

// AuditLog represents an audit log entry
type AuditLog struct {
	ID           uuid.UUID  `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	OperatorID   *uuid.UUID `gorm:"type:uuid;index" json:"operator_id,omitempty"`
	PACSID       uuid.UUID  `gorm:"type:uuid;not null;index" json:"pacs_id"`
	Action       string     `gorm:"type:varchar(100);not null;index" json:"action"`
	ResourceType string     `gorm:"type:varchar(50);index" json:"resource_type"`
	ResourceUID  string     `gorm:"type:varchar(255);index" json:"resource_uid"`
	IPAddress    string     `gorm:"type:varchar(45)" json:"ip_address"`
	Status       string     `gorm:"type:varchar(20);index" json:"status"`
	ErrorMessage string     `gorm:"type:text" json:"error_message,omitempty"`
	ResultCount  int        `json:"result_count"`
	Duration     int64      `json:"duration_ms"` // milliseconds
	CreatedAt    time.Time  `gorm:"index" json:"timestamp"`
}

// TableName overrides the table name
func (AuditLog) TableName() string {
	return "audit_logs"
}

// BeforeCreate hook
func (a *AuditLog) BeforeCreate(tx *gorm.DB) error {
	if a.ID == uuid.Nil {
		a.ID = uuid.New()
	}
	return nil
}
