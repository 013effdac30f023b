package metrics

import (
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Engine counters. Components bump these through the Add helpers; the
// service persists a snapshot on a ticker.
var (
	messagesSent           int64
	feedEventsApplied      int64
	feedEventsPublished    int64
	feedResubscribes       int64
	feedSubscribersDropped int64
	activeSessions         int64
)

func AddMessagesSent(n int64)           { atomic.AddInt64(&messagesSent, n) }
func AddFeedEventsApplied(n int64)      { atomic.AddInt64(&feedEventsApplied, n) }
func AddFeedEventsPublished(n int64)    { atomic.AddInt64(&feedEventsPublished, n) }
func AddFeedResubscribes(n int64)       { atomic.AddInt64(&feedResubscribes, n) }
func AddFeedSubscribersDropped(n int64) { atomic.AddInt64(&feedSubscribersDropped, n) }
func AddActiveSessions(n int64)         { atomic.AddInt64(&activeSessions, n) }

type Snapshot struct {
	ID                     uint      `gorm:"primaryKey" json:"id"`
	Timestamp              time.Time `gorm:"index" json:"timestamp"`
	MessagesSent           int64     `gorm:"default:0" json:"messages_sent"`
	FeedEventsApplied      int64     `gorm:"default:0" json:"feed_events_applied"`
	FeedEventsPublished    int64     `gorm:"default:0" json:"feed_events_published"`
	FeedResubscribes       int64     `gorm:"default:0" json:"feed_resubscribes"`
	FeedSubscribersDropped int64     `gorm:"default:0" json:"feed_subscribers_dropped"`
	ActiveSessions         int64     `gorm:"default:0" json:"active_sessions"`
	CreatedAt              time.Time `json:"created_at"`
}

func (Snapshot) TableName() string {
	return "engine_metrics_snapshots"
}

type Service struct {
	db             *gorm.DB
	logger         *zap.SugaredLogger
	snapshotTicker *time.Ticker
	cleanupTicker  *time.Ticker
	done           chan struct{}
}

func NewService(db *gorm.DB, logger *zap.SugaredLogger, interval time.Duration) *Service {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Service{
		db:             db,
		logger:         logger,
		snapshotTicker: time.NewTicker(interval),
		cleanupTicker:  time.NewTicker(24 * time.Hour),
		done:           make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.logger.Info("starting metrics service")

	s.saveSnapshot()

	go func() {
		for {
			select {
			case <-s.snapshotTicker.C:
				s.saveSnapshot()
			case <-s.cleanupTicker.C:
				s.cleanup()
			case <-s.done:
				s.logger.Info("metrics service stopped")
				return
			}
		}
	}()
}

func (s *Service) Stop() {
	s.snapshotTicker.Stop()
	s.cleanupTicker.Stop()
	s.saveSnapshot()
	close(s.done)
}

// Current reads the live counters without touching the database.
func Current() Snapshot {
	return Snapshot{
		Timestamp:              time.Now(),
		MessagesSent:           atomic.LoadInt64(&messagesSent),
		FeedEventsApplied:      atomic.LoadInt64(&feedEventsApplied),
		FeedEventsPublished:    atomic.LoadInt64(&feedEventsPublished),
		FeedResubscribes:       atomic.LoadInt64(&feedResubscribes),
		FeedSubscribersDropped: atomic.LoadInt64(&feedSubscribersDropped),
		ActiveSessions:         atomic.LoadInt64(&activeSessions),
	}
}

func (s *Service) saveSnapshot() {
	snapshot := Current()
	if err := s.db.Create(&snapshot).Error; err != nil {
		s.logger.Errorf("saving metrics snapshot: %v", err)
	}
}

func (s *Service) cleanup() {
	// Keep snapshots for 7 days
	cutoff := time.Now().AddDate(0, 0, -7)

	result := s.db.Where("timestamp < ?", cutoff).Delete(&Snapshot{})
	if result.Error != nil {
		s.logger.Errorf("cleaning up old snapshots: %v", result.Error)
	} else if result.RowsAffected > 0 {
		s.logger.Infof("cleaned up %d old metrics snapshots", result.RowsAffected)
	}
}
