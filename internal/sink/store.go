package sink

import (
	"context"
	"encoding/json"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"stream-service/internal/ws"
)

// MetricSnapshotRecord is the persisted form of one metrics snapshot.
type MetricSnapshotRecord struct {
	ID                uint      `gorm:"primaryKey"`
	Timestamp         time.Time `gorm:"index"`
	TotalConnections  int64
	ActiveConnections int64
	MessagesSent      int64
	MessagesReceived  int64
	BytesTransferred  int64
	ChannelsActive    int64
	Disconnections    int64
	Errors            int64
	Channels          string `gorm:"type:json"`
}

func (MetricSnapshotRecord) TableName() string {
	return "metric_snapshots"
}

// GormStore persists metric snapshots to MySQL. It implements the same
// sink interface as the Kafka publisher.
type GormStore struct {
	db *gorm.DB
}

func NewGormStore(dsn string) (*GormStore, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&MetricSnapshotRecord{}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Push inserts one snapshot row.
func (s *GormStore) Push(ctx context.Context, snap ws.Snapshot) error {
	channels, err := json.Marshal(snap.Channels)
	if err != nil {
		return err
	}

	record := MetricSnapshotRecord{
		Timestamp:         snap.Timestamp,
		TotalConnections:  snap.TotalConnections,
		ActiveConnections: snap.ActiveConnections,
		MessagesSent:      snap.MessagesSent,
		MessagesReceived:  snap.MessagesReceived,
		BytesTransferred:  snap.BytesTransferred,
		ChannelsActive:    snap.ChannelsActive,
		Disconnections:    snap.Disconnections,
		Errors:            snap.Errors,
		Channels:          string(channels),
	}

	return s.db.WithContext(ctx).Create(&record).Error
}
