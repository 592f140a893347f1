package models

import "time"

// RunModel is the database row for one swarm run. Stats are flattened
// into columns so history queries never parse JSON.
type RunModel struct {
	ID            string `gorm:"primaryKey;size:64"`
	Task          string `gorm:"type:text;not null"`
	Status        string `gorm:"size:16;index"`
	Result        string `gorm:"type:text"`
	Error         string `gorm:"type:text"`
	TotalTasks    int
	Completed     int
	Failed        int
	Killed        int
	Tokens        int
	RemoteWorkers int
	DurationMs    int64
	CreatedAt     time.Time `gorm:"index"`
	CompletedAt   *time.Time
}

func (RunModel) TableName() string {
	return "swarm_runs"
}
