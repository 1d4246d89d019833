package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// PACSConfig represents a saved remote archive
type PACSConfig struct {
	ID        uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Name      string    `gorm:"type:varchar(255);not null" json:"name"`
	Host      string    `gorm:"type:varchar(500);not null" json:"host"`
	Port      int       `gorm:"not null" json:"port"`
	AETitle   string    `gorm:"type:varchar(16);not null" json:"ae_title"`
	Secure    bool      `gorm:"default:false" json:"secure"`
	IsActive  bool      `gorm:"default:true" json:"is_active"`
	IsPrimary bool      `gorm:"default:false" json:"is_primary"`

	// Connection status tracking
	LastEchoAt     time.Time `gorm:"index" json:"last_echo_at,omitempty"`
	LastEchoStatus bool      `json:"last_echo_status,omitempty"`
	LastError      string    `gorm:"type:text" json:"last_error,omitempty"`

	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `gorm:"index" json:"-"`
}

// TableName overrides the table name
func (PACSConfig) TableName() string {
	return "pacs_configs"
}

// BeforeCreate hook
func (p *PACSConfig) BeforeCreate(tx *gorm.DB) error {
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}
	return nil
}

// Remote returns the endpoint the engine dials for this archive.
func (p *PACSConfig) Remote() RemoteEndpoint {
	return RemoteEndpoint{
		AETitle: p.AETitle,
		Host:    p.Host,
		Port:    p.Port,
		Secure:  p.Secure,
	}
}

// ConnectionStatus represents the result of a C-ECHO
type ConnectionStatus struct {
	IsConnected  bool      `json:"is_connected"`
	LastChecked  time.Time `json:"last_checked"`
	ResponseTime int64     `json:"response_time_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// PACSConfigRequest represents a request to create/update PACS config
type PACSConfigRequest struct {
	Name      string `json:"name"`
	Host      string `json:"host"`
	Port      int    `json:"port"`
	AETitle   string `json:"ae_title"`
	Secure    bool   `json:"secure"`
	IsPrimary bool   `json:"is_primary"`
}
