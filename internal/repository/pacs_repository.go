package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/otcheredev/ris-dicom-qr/internal/database"
	"github.com/otcheredev/ris-dicom-qr/internal/models"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("record not found")

// PACSRepository handles PACS configuration database operations
type PACSRepository struct{}

// NewPACSRepository creates a new PACS repository
func NewPACSRepository() *PACSRepository {
	return &PACSRepository{}
}

// Create creates a new PACS configuration. When it is primary, every other
// configuration loses the primary flag in the same transaction.
func (r *PACSRepository) Create(ctx context.Context, config *models.PACSConfig) error {
	err := database.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if config.IsPrimary {
			if err := tx.Model(&models.PACSConfig{}).
				Where("is_primary = ?", true).
				Update("is_primary", false).Error; err != nil {
				return fmt.Errorf("failed to unset primary flags: %w", err)
			}
		}
		return tx.Create(config).Error
	})
	if err != nil {
		return fmt.Errorf("failed to create PACS config: %w", err)
	}
	return nil
}

// GetByID retrieves a PACS configuration by ID
func (r *PACSRepository) GetByID(ctx context.Context, id uuid.UUID) (*models.PACSConfig, error) {
	var config models.PACSConfig
	if err := database.DB.WithContext(ctx).Where("id = ?", id).First(&config).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get PACS config: %w", err)
	}
	return &config, nil
}

// List retrieves all active PACS configurations, primary first
func (r *PACSRepository) List(ctx context.Context) ([]models.PACSConfig, error) {
	var configs []models.PACSConfig
	if err := database.DB.WithContext(ctx).
		Where("is_active = ?", true).
		Order("is_primary DESC, created_at ASC").
		Find(&configs).Error; err != nil {
		return nil, fmt.Errorf("failed to get PACS configs: %w", err)
	}
	return configs, nil
}

// GetPrimary retrieves the primary PACS configuration
func (r *PACSRepository) GetPrimary(ctx context.Context) (*models.PACSConfig, error) {
	var config models.PACSConfig
	if err := database.DB.WithContext(ctx).
		Where("is_primary = ? AND is_active = ?", true, true).
		First(&config).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get primary PACS config: %w", err)
	}
	return &config, nil
}

// Update updates a PACS configuration
func (r *PACSRepository) Update(ctx context.Context, config *models.PACSConfig) error {
	if err := database.DB.WithContext(ctx).Save(config).Error; err != nil {
		return fmt.Errorf("failed to update PACS config: %w", err)
	}
	return nil
}

// Delete soft deletes a PACS configuration
func (r *PACSRepository) Delete(ctx context.Context, id uuid.UUID) error {
	if err := database.DB.WithContext(ctx).Delete(&models.PACSConfig{}, id).Error; err != nil {
		return fmt.Errorf("failed to delete PACS config: %w", err)
	}
	return nil
}

// SetPrimary sets a PACS configuration as primary (and unsets others)
func (r *PACSRepository) SetPrimary(ctx context.Context, id uuid.UUID) error {
	// Start transaction
	tx := database.DB.WithContext(ctx).Begin()
	defer func() {
		if r := recover(); r != nil {
			tx.Rollback()
		}
	}()

	// Unset all primary flags
	if err := tx.Model(&models.PACSConfig{}).
		Where("id <> ?", id).
		Update("is_primary", false).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to unset primary flags: %w", err)
	}

	// Set new primary
	if err := tx.Model(&models.PACSConfig{}).
		Where("id = ?", id).
		Update("is_primary", true).Error; err != nil {
		tx.Rollback()
		return fmt.Errorf("failed to set primary: %w", err)
	}

	return tx.Commit().Error
}

// UpdateEchoStatus records the outcome of the latest C-ECHO
func (r *PACSRepository) UpdateEchoStatus(ctx context.Context, id uuid.UUID, status *models.ConnectionStatus) error {
	checked := status.LastChecked
	if checked.IsZero() {
		checked = time.Now().UTC()
	}
	updates := map[string]interface{}{
		"last_echo_at":     checked,
		"last_echo_status": status.IsConnected,
		"last_error":       status.ErrorMessage,
	}

	if err := database.DB.WithContext(ctx).
		Model(&models.PACSConfig{}).
		Where("id = ?", id).
		Updates(updates).Error; err != nil {
		return fmt.Errorf("failed to update echo status: %w", err)
	}

	return nil
}
