package models

import (
	"slices"
	"time"
)

type JobStatus string

const (
	JobCreated   JobStatus = "created"
	JobRunning   JobStatus = "running"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed
}

type AssetJobStatus string

const (
	AssetJobPending    AssetJobStatus = "pending"
	AssetJobProcessing AssetJobStatus = "processing"
	AssetJobCompleted  AssetJobStatus = "completed"
	AssetJobFailed     AssetJobStatus = "failed"
)

func (s AssetJobStatus) Terminal() bool {
	return s == AssetJobCompleted || s == AssetJobFailed
}

type AssetProgress struct {
	Status           AssetJobStatus `json:"status"`
	Progress         int            `json:"progress"`
	Error            string         `json:"error,omitempty"`
	OriginalSize     int64          `json:"originalSize"`
	OptimizedSize    *int64         `json:"optimizedSize,omitempty"`
	CompressionRatio *float64       `json:"compressionRatio,omitempty"`
	StartedAt        *time.Time     `json:"startedAt,omitempty"`
	FinishedAt       *time.Time     `json:"finishedAt,omitempty"`
}

type OptimizationJob struct {
	JobID          string                   `json:"jobId"`
	Status         JobStatus                `json:"status"`
	AssetIDs       []string                 `json:"assetIds"`
	Formats        []string                 `json:"formats"`
	Quality        int                      `json:"quality"`
	Concurrency    int                      `json:"concurrency"`
	PerAssetStatus map[string]AssetProgress `json:"perAssetStatus"`
	Error          string                   `json:"error,omitempty"`
	CreatedAt      time.Time                `json:"createdAt"`
	StartedAt      *time.Time               `json:"startedAt,omitempty"`
	CompletedAt    *time.Time               `json:"completedAt,omitempty"`
}

// AllTerminal reports whether every asset of the job reached a terminal status.
func (j *OptimizationJob) AllTerminal() bool {
	for _, id := range j.AssetIDs {
		if !j.PerAssetStatus[id].Status.Terminal() {
			return false
		}
	}
	return true
}

// Counts tallies per-asset statuses.
func (j *OptimizationJob) Counts() map[AssetJobStatus]int {
	out := make(map[AssetJobStatus]int, 4)
	for _, id := range j.AssetIDs {
		out[j.PerAssetStatus[id].Status]++
	}
	return out
}

func (j OptimizationJob) Clone() OptimizationJob {
	out := j
	out.AssetIDs = slices.Clone(j.AssetIDs)
	out.Formats = slices.Clone(j.Formats)
	out.PerAssetStatus = make(map[string]AssetProgress, len(j.PerAssetStatus))
	for k, v := range j.PerAssetStatus {
		out.PerAssetStatus[k] = v
	}
	return out
}
