// Package localstore is the agent's process-local durable buffer. It owns
// activity and screenshot records until the server acknowledges them.
package localstore

import (
	"context"
	"errors"
	"os"
	"time"

	"go.uber.org/zap"
	"golang.org/x/xerrors"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

var (
	ErrNotFound       = xerrors.New("not found")
	ErrUnknownSession = xerrors.New("unknown work session")
)

type Store struct {
	db  *gorm.DB
	log *zap.Logger
}

// Open opens (creating if needed) the sqlite database at path. ":memory:" is
// accepted for tests. The pool is capped at one connection so every
// statement and transaction is serialized across workers.
func Open(ctx context.Context, path string, log *zap.Logger) (*Store, error) {
	dsn := path
	if path != ":memory:" {
		dsn = path + "?_busy_timeout=5000&_journal_mode=WAL"
	}
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, xerrors.Errorf("open %s: %w", path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, xerrors.Errorf("get sql db: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&WorkSession{}, &ActivityRecord{}, &ScreenshotRecord{}, &Identity{}); err != nil {
		_ = sqlDB.Close()
		return nil, xerrors.Errorf("migrate: %w", err)
	}

	s := &Store{db: db, log: log}
	if err := s.sweepUploaded(ctx); err != nil {
		log.Warn("sweep uploaded screenshots", zap.Error(err))
	}
	return s, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// StartSession inserts ws and closes any other open session of the same
// employee in the same transaction.
func (s *Store) StartSession(ctx context.Context, ws *WorkSession) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&WorkSession{}).
			Where("employee_id = ? AND end_time IS NULL", ws.EmployeeID).
			Updates(map[string]any{"end_time": ws.StartTime, "closed_by": ClosedByReplace}).Error
		if err != nil {
			return xerrors.Errorf("close previous sessions: %w", err)
		}
		if err := tx.Create(ws).Error; err != nil {
			return xerrors.Errorf("insert session: %w", err)
		}
		return nil
	})
}

// OpenSession returns the most recent session without an end time.
func (s *Store) OpenSession(ctx context.Context) (*WorkSession, error) {
	var ws WorkSession
	err := s.db.WithContext(ctx).Where("end_time IS NULL").Order("id desc").First(&ws).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

func (s *Store) Session(ctx context.Context, id uint) (*WorkSession, error) {
	var ws WorkSession
	err := s.db.WithContext(ctx).First(&ws, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &ws, nil
}

// CloseSession sets the end time of an open session. With totals it also
// computes total seconds and splits them so active + idle == total. It
// reports false when the session was already closed.
func (s *Store) CloseSession(ctx context.Context, id uint, end time.Time, reason CloseReason, totals bool) (bool, error) {
	var closed bool
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ws WorkSession
		if err := tx.First(&ws, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrNotFound
			}
			return err
		}
		if !ws.Open() {
			return nil
		}

		updates := map[string]any{"end_time": end, "closed_by": reason}
		if totals {
			total := int64(end.Sub(ws.StartTime) / time.Second)
			if total < 0 {
				total = 0
			}
			active := min(ws.ActiveSeconds, total)
			updates["total_seconds"] = total
			updates["active_seconds"] = active
			updates["idle_seconds"] = total - active
		}
		res := tx.Model(&ws).Where("end_time IS NULL").Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		closed = res.RowsAffected == 1
		return nil
	})
	return closed, err
}

// AddSessionTime accumulates tracked time on an open session.
func (s *Store) AddSessionTime(ctx context.Context, id uint, active, idle int64) error {
	return s.db.WithContext(ctx).Model(&WorkSession{}).
		Where("id = ? AND end_time IS NULL", id).
		Updates(map[string]any{
			"active_seconds": gorm.Expr("active_seconds + ?", active),
			"idle_seconds":   gorm.Expr("idle_seconds + ?", idle),
		}).Error
}

// AppendActivity stores recs under sessionID, stamping company and employee
// from the session row.
func (s *Store) AppendActivity(ctx context.Context, sessionID uint, recs []ActivityRecord) error {
	if len(recs) == 0 {
		return nil
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ws WorkSession
		if err := tx.First(&ws, sessionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUnknownSession
			}
			return err
		}
		for i := range recs {
			recs[i].ID = 0
			recs[i].SessionID = ws.ID
			recs[i].CompanyID = ws.CompanyID
			recs[i].EmployeeID = ws.EmployeeID
		}
		return tx.Create(&recs).Error
	})
}

func (s *Store) PendingActivity(ctx context.Context, sessionID uint) ([]ActivityRecord, error) {
	var recs []ActivityRecord
	err := s.db.WithContext(ctx).Where("session_id = ?", sessionID).Order("id").Find(&recs).Error
	return recs, err
}

// PendingActivitySessions lists the local sessions that still have activity
// waiting for upload.
func (s *Store) PendingActivitySessions(ctx context.Context) ([]uint, error) {
	var ids []uint
	err := s.db.WithContext(ctx).Model(&ActivityRecord{}).
		Distinct("session_id").Order("session_id").Pluck("session_id", &ids).Error
	return ids, err
}

func (s *Store) DeleteActivity(ctx context.Context, ids []uint) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	res := s.db.WithContext(ctx).Where("id IN ?", ids).Delete(&ActivityRecord{})
	return res.RowsAffected, res.Error
}

func (s *Store) AddScreenshot(ctx context.Context, rec *ScreenshotRecord) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ws WorkSession
		if err := tx.First(&ws, rec.SessionID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUnknownSession
			}
			return err
		}
		rec.ID = 0
		rec.CompanyID = ws.CompanyID
		rec.EmployeeID = ws.EmployeeID
		rec.Uploaded = false
		return tx.Create(rec).Error
	})
}

func (s *Store) PendingScreenshots(ctx context.Context, limit int) ([]ScreenshotRecord, error) {
	var recs []ScreenshotRecord
	q := s.db.WithContext(ctx).Where("uploaded = ?", false).Order("capture_time, id")
	if limit > 0 {
		q = q.Limit(limit)
	}
	err := q.Find(&recs).Error
	return recs, err
}

// CompleteScreenshot removes an uploaded (or dropped) capture: the row is
// flagged first so a concurrent caller sees it as already done, then the
// file and the row are deleted. It reports false if another caller got there
// first. A row whose file could not be removed stays flagged and is swept on
// the next Open.
func (s *Store) CompleteScreenshot(ctx context.Context, rec ScreenshotRecord) (bool, error) {
	db := s.db.WithContext(ctx)
	res := db.Model(&ScreenshotRecord{}).
		Where("id = ? AND uploaded = ?", rec.ID, false).
		Update("uploaded", true)
	if res.Error != nil {
		return false, res.Error
	}
	if res.RowsAffected == 0 {
		return false, nil
	}
	if err := removeFile(rec.FilePath); err != nil {
		return true, xerrors.Errorf("remove %s: %w", rec.FilePath, err)
	}
	if err := db.Delete(&ScreenshotRecord{}, rec.ID).Error; err != nil {
		return true, xerrors.Errorf("delete screenshot %d: %w", rec.ID, err)
	}
	return true, nil
}

func (s *Store) sweepUploaded(ctx context.Context) error {
	var recs []ScreenshotRecord
	if err := s.db.WithContext(ctx).Where("uploaded = ?", true).Find(&recs).Error; err != nil {
		return err
	}
	for _, rec := range recs {
		if err := removeFile(rec.FilePath); err != nil {
			s.log.Warn("remove uploaded screenshot", zap.String("path", rec.FilePath), zap.Error(err))
			continue
		}
		if err := s.db.WithContext(ctx).Delete(&ScreenshotRecord{}, rec.ID).Error; err != nil {
			return err
		}
	}
	return nil
}

// PendingCounts returns the backlog sizes.
func (s *Store) PendingCounts(ctx context.Context) (activity, screenshots int64, err error) {
	db := s.db.WithContext(ctx)
	if err = db.Model(&ActivityRecord{}).Count(&activity).Error; err != nil {
		return 0, 0, err
	}
	if err = db.Model(&ScreenshotRecord{}).Where("uploaded = ?", false).Count(&screenshots).Error; err != nil {
		return 0, 0, err
	}
	return activity, screenshots, nil
}

// SaveIdentity replaces the stored login.
func (s *Store) SaveIdentity(ctx context.Context, id Identity) error {
	id.ID = 1
	return s.db.WithContext(ctx).Save(&id).Error
}

func (s *Store) Identity(ctx context.Context) (*Identity, error) {
	var id Identity
	err := s.db.WithContext(ctx).First(&id, 1).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &id, nil
}

// Cleanup deletes closed sessions that ended before the cutoff and no longer
// own any pending records.
func (s *Store) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	var deleted int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("end_time IS NOT NULL AND end_time < ?", before).
			Where("id NOT IN (?)", tx.Model(&ActivityRecord{}).Select("session_id")).
			Where("id NOT IN (?)", tx.Model(&ScreenshotRecord{}).Select("session_id")).
			Delete(&WorkSession{})
		deleted = res.RowsAffected
		return res.Error
	})
	return deleted, err
}

func removeFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}
