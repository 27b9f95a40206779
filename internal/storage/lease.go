package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
)

// lockRecord is one named maintenance lease.
type lockRecord struct {
	Name      string    `gorm:"primaryKey;size:128"`
	Holder    string    `gorm:"size:128;not null"`
	ExpiresAt time.Time `gorm:"not null"`
}

func (lockRecord) TableName() string { return "maintenance_locks" }

// LeaseLocker is a time-bounded named lock stored in the jobs database.
// A lease is never released explicitly; it expires after its ttl.
type LeaseLocker struct {
	db     *gorm.DB
	holder string
	now    func() time.Time
}

// NewLeaseLocker creates a LeaseLocker identifying itself as holder.
func NewLeaseLocker(db *gorm.DB, holder string) *LeaseLocker {
	return &LeaseLocker{db: db, holder: holder, now: time.Now}
}

// TryLock takes the lease if it is free or expired.
func (l *LeaseLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	now := l.now().UTC()
	acquired := false

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing lockRecord
		err := tx.Where("name = ?", name).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			rec := lockRecord{Name: name, Holder: l.holder, ExpiresAt: now.Add(ttl)}
			if err := tx.Create(&rec).Error; err != nil {
				// lost the insert race to another worker
				return nil
			}
			acquired = true
			return nil
		case err != nil:
			return fmt.Errorf("check lease: %w", err)
		}

		if existing.ExpiresAt.After(now) {
			return nil
		}
		// conditional update so two expired-lease takers cannot both win
		res := tx.Model(&lockRecord{}).
			Where("name = ? AND expires_at = ?", name, existing.ExpiresAt).
			Updates(map[string]any{"holder": l.holder, "expires_at": now.Add(ttl)})
		if res.Error != nil {
			return fmt.Errorf("renew lease: %w", res.Error)
		}
		acquired = res.RowsAffected == 1
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("db: try lock %s: %w", name, err)
	}
	return acquired, nil
}

// SQLLeaseLocker is the same lease on the SQLite job database.
type SQLLeaseLocker struct {
	db     *DB
	holder string
	now    func() time.Time
}

// NewSQLLeaseLocker creates a SQLLeaseLocker identifying itself as holder.
func NewSQLLeaseLocker(db *DB, holder string) *SQLLeaseLocker {
	return &SQLLeaseLocker{db: db, holder: holder, now: time.Now}
}

// TryLock takes the lease if it is free or expired.
func (l *SQLLeaseLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	now := l.now().UTC()
	res, err := l.db.ExecContext(ctx, `INSERT INTO maintenance_locks (name, holder, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET holder = excluded.holder, expires_at = excluded.expires_at
		WHERE maintenance_locks.expires_at <= ?`,
		name, l.holder, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("db: try lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("db: try lock %s: %w", name, err)
	}
	return n == 1, nil
}
