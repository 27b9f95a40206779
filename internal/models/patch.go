package models

import (
	"fmt"
	"time"
)

// JobPatch はジョブへの部分更新
// nil のフィールドは変更しない
type JobPatch struct {
	Status     *JobStatus
	Progress   *int
	SourceMeta *SourceMeta
	Transcript *Transcript
	Summary    *Summary
	Error      *JobError
	RetryCount *int

	// ClearResults は再試行時に transcript と summary を消す
	ClearResults bool
}

// Apply はパッチを適用し、不変条件を検証する
//
// error は status = error のときのみ存在し、summary は transcript がある場合のみ存在する。
func (p JobPatch) Apply(job *Job, now time.Time) error {
	if p.Status != nil {
		job.Status = *p.Status
	}
	if p.Progress != nil {
		progress := *p.Progress
		if progress < 0 {
			progress = 0
		}
		if progress > 100 {
			progress = 100
		}
		job.Progress = progress
	}
	if p.SourceMeta != nil {
		job.SourceMeta = *p.SourceMeta
	}
	if p.ClearResults {
		job.Transcript = nil
		job.Summary = nil
	}
	if p.Transcript != nil {
		job.Transcript = p.Transcript
	}
	if p.Summary != nil {
		job.Summary = p.Summary
	}
	if p.RetryCount != nil {
		job.RetryCount = *p.RetryCount
	}

	switch {
	case job.Status == JobStatusError && p.Error != nil:
		job.Error = p.Error
	case job.Status == JobStatusError && job.Error == nil:
		return fmt.Errorf("job %s: status error requires an error payload", job.ID)
	case job.Status != JobStatusError:
		job.Error = nil
	}

	if job.Summary != nil && job.Transcript == nil {
		return fmt.Errorf("job %s: summary without transcript", job.ID)
	}
	if job.Status == JobStatusDone && (job.Transcript == nil || job.Summary == nil) {
		return fmt.Errorf("job %s: done requires transcript and summary", job.ID)
	}

	job.UpdatedAt = now
	return nil
}

// Ptr は値のポインタを返す
func Ptr[T any](v T) *T {
	return &v
}
