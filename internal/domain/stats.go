package domain

import "time"

// DailyStat is the per-day rollup row, keyed by UTC date (YYYY-MM-DD).
type DailyStat struct {
	Date          string    `gorm:"column:date;primaryKey" json:"date"`
	JobsTotal     int64     `gorm:"column:jobs_total;not null;default:0" json:"jobsTotal"`
	JobsCompleted int64     `gorm:"column:jobs_completed;not null;default:0" json:"jobsCompleted"`
	JobsFailed    int64     `gorm:"column:jobs_failed;not null;default:0" json:"jobsFailed"`
	BytesTotal    int64     `gorm:"column:bytes_total;not null;default:0" json:"bytesTotal"`
	UpdatedAt     time.Time `gorm:"not null" json:"updatedAt"`
}

func (DailyStat) TableName() string { return "metrics" }

// StatDate formats t as the rollup key.
func StatDate(t time.Time) string { return t.UTC().Format("2006-01-02") }
