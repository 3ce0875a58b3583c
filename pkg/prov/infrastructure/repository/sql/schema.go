package sql

import (
	"time"
)

// WindowExecutionEntity is the persisted form of a window.
type WindowExecutionEntity struct {
	ID             string     `gorm:"column:id;primaryKey;size:36"`
	StartTime      time.Time  `gorm:"column:start_time;index"`
	EndTime        *time.Time `gorm:"column:end_time"`
	Status         string     `gorm:"column:status;size:16"`
	Entries        int        `gorm:"column:entries"`
	MDSRecords     int        `gorm:"column:mds_records"`
	OSSRecords     int        `gorm:"column:oss_records"`
	FileOps        int        `gorm:"column:file_ops"`
	FinishedJobs   int        `gorm:"column:finished_jobs"`
	ClearedTargets int        `gorm:"column:cleared_targets"`
	ExitMessage    string     `gorm:"column:exit_message;size:2048"`
}

func (WindowExecutionEntity) TableName() string {
	return "prov_window_execution"
}
