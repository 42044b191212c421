package ratelimit

import (
	"context"
	"errors"
	"math"
	"time"

	"gorm.io/gorm"

	"preflight-upload/pkg/logger"
)

// RateLimitRecord tracks anonymous upload attempts for one source IP within
// the current window.
type RateLimitRecord struct {
	SourceIP      string    `gorm:"primaryKey"`
	Count         int       `gorm:"not null"`
	WindowResetAt time.Time `gorm:"not null"`
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

func (RateLimitRecord) TableName() string {
	return "upload_rate_limits"
}

// StoreLimiter is a fixed-window counter persisted in the relational store.
type StoreLimiter struct {
	db     *gorm.DB
	limit  int
	window time.Duration
	logger *logger.Logger
	now    func() time.Time
}

func NewStoreLimiter(db *gorm.DB, limit int, window time.Duration, l *logger.Logger) *StoreLimiter {
	return &StoreLimiter{
		db:     db,
		limit:  limit,
		window: window,
		logger: l,
		now:    time.Now,
	}
}

func (s *StoreLimiter) Allow(ctx context.Context, sourceIP string) Result {
	result, err := s.check(ctx, sourceIP)
	if err != nil {
		// Fail open: a broken rate limit store must not block uploads.
		if s.logger != nil {
			s.logger.Warnf("rate limit check failed for %s, allowing: %s", sourceIP, err)
		}
		return Result{Allowed: true, Remaining: s.limit}
	}
	return result
}

func (s *StoreLimiter) check(ctx context.Context, sourceIP string) (Result, error) {
	var result Result
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		now := s.now()

		var rec RateLimitRecord
		err := tx.Where("source_ip = ?", sourceIP).First(&rec).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// First attempt from this IP
			rec = RateLimitRecord{
				SourceIP:      sourceIP,
				Count:         1,
				WindowResetAt: now.Add(s.window),
				CreatedAt:     now,
				UpdatedAt:     now,
			}
			if err := tx.Create(&rec).Error; err != nil {
				return err
			}
			result = Result{Allowed: true, Remaining: s.limit - 1}
			return nil
		}
		if err != nil {
			return err
		}

		if !now.Before(rec.WindowResetAt) {
			// Window expired, start a fresh one
			return s.reset(tx, sourceIP, now, &result)
		}

		if rec.Count >= s.limit {
			result = Result{Allowed: false, RetryAfter: retryAfter(rec.WindowResetAt, now)}
			return nil
		}

		// The ceiling check runs inside the UPDATE itself, so two requests
		// racing for the last slot cannot both take it.
		res := tx.Model(&RateLimitRecord{}).
			Where("source_ip = ? AND count < ?", sourceIP, s.limit).
			Updates(map[string]interface{}{
				"count":      gorm.Expr("count + 1"),
				"updated_at": now,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			result = Result{Allowed: false, RetryAfter: retryAfter(rec.WindowResetAt, now)}
			return nil
		}

		result = Result{Allowed: true, Remaining: s.limit - rec.Count - 1}
		return nil
	})
	return result, err
}

func retryAfter(resetAt, now time.Time) time.Duration {
	return time.Duration(math.Ceil(resetAt.Sub(now).Seconds())) * time.Second
}

func (s *StoreLimiter) reset(tx *gorm.DB, sourceIP string, now time.Time, result *Result) error {
	err := tx.Model(&RateLimitRecord{}).
		Where("source_ip = ?", sourceIP).
		Updates(map[string]interface{}{
			"count":           1,
			"window_reset_at": now.Add(s.window),
			"updated_at":      now,
		}).Error
	if err != nil {
		return err
	}
	*result = Result{Allowed: true, Remaining: s.limit - 1}
	return nil
}

func (s *StoreLimiter) Reset(ctx context.Context, sourceIP string) error {
	return s.db.WithContext(ctx).
		Delete(&RateLimitRecord{}, "source_ip = ?", sourceIP).Error
}

func (s *StoreLimiter) ResetAll(ctx context.Context) (int64, error) {
	res := s.db.WithContext(ctx).
		Session(&gorm.Session{AllowGlobalUpdate: true}).
		Delete(&RateLimitRecord{})
	return res.RowsAffected, res.Error
}
