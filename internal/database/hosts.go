package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

var (
	ErrHostNotFound = errors.New("Host not found")
	ErrHostExists   = errors.New("Host already exists")
	ErrHostActive   = errors.New("Host has active connections")
)

// HostRepository is the accessor for host rows and their command history.
// All write paths that need more than one statement run in a transaction.
type HostRepository struct {
	db *gorm.DB
}

func NewHostRepository(db *gorm.DB) *HostRepository {
	return &HostRepository{db: db}
}

// ListHosts returns every host ordered by name.
func (r *HostRepository) ListHosts(ctx context.Context) ([]Host, error) {
	var hosts []Host
	if err := r.db.WithContext(ctx).Order("name, id").Find(&hosts).Error; err != nil {
		return nil, fmt.Errorf("list hosts: %w", err)
	}
	return hosts, nil
}

func (r *HostRepository) ListActiveHosts(ctx context.Context) ([]Host, error) {
	var hosts []Host
	if err := r.db.WithContext(ctx).Where("is_active = ?", true).Order("name, id").Find(&hosts).Error; err != nil {
		return nil, fmt.Errorf("list active hosts: %w", err)
	}
	return hosts, nil
}

func (r *HostRepository) GetHost(ctx context.Context, id string) (*Host, error) {
	return getHost(r.db.WithContext(ctx), id)
}

func getHost(tx *gorm.DB, id string) (*Host, error) {
	var h Host
	err := tx.Where("id = ?", id).First(&h).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrHostNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get host %s: %w", id, err)
	}
	return &h, nil
}

func (r *HostRepository) CountHosts(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&Host{}).Count(&n).Error
	return n, err
}

// EndpointExists reports whether another host already uses hostname:port.
// excludeID may be empty.
func (r *HostRepository) EndpointExists(ctx context.Context, hostname string, port int, excludeID string) (bool, error) {
	return endpointExists(r.db.WithContext(ctx), hostname, port, excludeID)
}

func endpointExists(tx *gorm.DB, hostname string, port int, excludeID string) (bool, error) {
	q := tx.Model(&Host{}).Where("hostname = ? AND port = ?", hostname, port)
	if excludeID != "" {
		q = q.Where("id <> ?", excludeID)
	}
	var n int64
	if err := q.Count(&n).Error; err != nil {
		return false, fmt.Errorf("check endpoint %s:%d: %w", hostname, port, err)
	}
	return n > 0, nil
}

// CreateHost inserts h, failing with ErrHostExists when its endpoint is taken.
func (r *HostRepository) CreateHost(ctx context.Context, h *Host) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		exists, err := endpointExists(tx, h.Hostname, h.Port, "")
		if err != nil {
			return err
		}
		if exists {
			return ErrHostExists
		}
		if err := tx.Create(h).Error; err != nil {
			if errors.Is(err, gorm.ErrDuplicatedKey) {
				return ErrHostExists
			}
			return fmt.Errorf("create host: %w", err)
		}
		return nil
	})
}

// UpdateHost applies column updates to host id and returns the stored row.
// Changing hostname or port re-checks endpoint uniqueness.
func (r *HostRepository) UpdateHost(ctx context.Context, id string, updates map[string]any) (*Host, error) {
	var updated *Host
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := getHost(tx, id)
		if err != nil {
			return err
		}

		hostname, port := current.Hostname, current.Port
		if v, ok := updates["hostname"].(string); ok {
			hostname = v
		}
		if v, ok := updates["port"].(int); ok {
			port = v
		}
		if hostname != current.Hostname || port != current.Port {
			exists, err := endpointExists(tx, hostname, port, id)
			if err != nil {
				return err
			}
			if exists {
				return ErrHostExists
			}
		}

		if len(updates) > 0 {
			if err := tx.Model(&Host{}).Where("id = ?", id).Updates(updates).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return ErrHostExists
				}
				return fmt.Errorf("update host %s: %w", id, err)
			}
		}

		updated, err = getHost(tx, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

// DeleteHost removes host id and its command history, unless a command was
// recorded for it at or after activeSince.
func (r *HostRepository) DeleteHost(ctx context.Context, id string, activeSince time.Time) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := getHost(tx, id); err != nil {
			return err
		}

		var recent int64
		if err := tx.Model(&CommandHistory{}).
			Where("host_id = ? AND created_at >= ?", id, activeSince).
			Count(&recent).Error; err != nil {
			return fmt.Errorf("check activity for host %s: %w", id, err)
		}
		if recent > 0 {
			return ErrHostActive
		}

		if err := tx.Where("host_id = ?", id).Delete(&CommandHistory{}).Error; err != nil {
			return fmt.Errorf("delete history for host %s: %w", id, err)
		}
		if err := tx.Where("id = ?", id).Delete(&Host{}).Error; err != nil {
			return fmt.Errorf("delete host %s: %w", id, err)
		}
		return nil
	})
}

// SetStatus records the outcome of a connection probe.
func (r *HostRepository) SetStatus(ctx context.Context, id, status, detail string, at time.Time) error {
	res := r.db.WithContext(ctx).Model(&Host{}).Where("id = ?", id).Updates(map[string]any{
		"status":          status,
		"status_detail":   detail,
		"last_checked_at": at,
	})
	if res.Error != nil {
		return fmt.Errorf("set status for host %s: %w", id, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrHostNotFound
	}
	return nil
}

func (r *HostRepository) RecordCommand(ctx context.Context, entry *CommandHistory) error {
	if err := r.db.WithContext(ctx).Create(entry).Error; err != nil {
		return fmt.Errorf("record command for host %s: %w", entry.HostID, err)
	}
	return nil
}

// ListCommands returns the most recent history entries for a host, newest first.
func (r *HostRepository) ListCommands(ctx context.Context, hostID string, limit int) ([]CommandHistory, error) {
	var rows []CommandHistory
	q := r.db.WithContext(ctx).Where("host_id = ?", hostID).Order("created_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list commands for host %s: %w", hostID, err)
	}
	return rows, nil
}
