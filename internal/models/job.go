package models

import "time"

// JobStatus はジョブの状態
type JobStatus string

// ジョブステータス
const (
	JobStatusQueued          JobStatus = "queued"
	JobStatusRunning         JobStatus = "running"
	JobStatusCancelRequested JobStatus = "cancel_requested"
	JobStatusCancelled       JobStatus = "cancelled"
	JobStatusDone            JobStatus = "done"
	JobStatusError           JobStatus = "error"
)

// IsTerminal は終了状態かどうかを返す
func (s JobStatus) IsTerminal() bool {
	switch s {
	case JobStatusDone, JobStatusError, JobStatusCancelled:
		return true
	}
	return false
}

// TerminalStatuses は保持期間後に削除対象となるステータス
var TerminalStatuses = []JobStatus{JobStatusDone, JobStatusError, JobStatusCancelled}

// ソースタイプ
const (
	SourceTypeYouTube = "youtube"
	SourceTypeUpload  = "upload"
)

// 要約スタイル
const (
	SummaryStyleShort    = "short"
	SummaryStyleMedium   = "medium"
	SummaryStyleDetailed = "detailed"
)

// LanguageAuto はソースと同じ言語で出力することを示す
const LanguageAuto = "auto"

// 文字起こしの出所
const (
	TranscriptSourceCaptions          = "captions"
	TranscriptSourceASR               = "asr"
	TranscriptSourceEstimatedSegments = "asr_estimated_segments"
)

// Job は文字起こし・要約の処理単位
type Job struct {
	ID           string      `json:"job_id"`
	OwnerID      string      `json:"owner_id"`
	Status       JobStatus   `json:"status"`
	Progress     int         `json:"progress"`
	SourceType   string      `json:"source_type"`
	SourceMeta   SourceMeta  `json:"source_meta"`
	SummaryStyle string      `json:"summary_style"`
	Language     string      `json:"language"`
	Transcript   *Transcript `json:"transcript,omitempty"`
	Summary      *Summary    `json:"summary,omitempty"`
	Error        *JobError   `json:"error,omitempty"`
	RetryCount   int         `json:"retry_count"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
}

// SourceMeta は入力ソースの属性
// TmpPath と BlobKey は内部用で、終了時に削除される
type SourceMeta struct {
	URL       string  `json:"url,omitempty"`
	VideoID   string  `json:"video_id,omitempty"`
	Title     string  `json:"title,omitempty"`
	Channel   string  `json:"channel,omitempty"`
	Duration  float64 `json:"duration,omitempty"`
	Filename  string  `json:"filename,omitempty"`
	SizeBytes int64   `json:"size_bytes,omitempty"`
	TmpPath   string  `json:"tmp_path,omitempty"`
	BlobKey   string  `json:"blob_key,omitempty"`
}

// Scrubbed は内部パスを取り除いたコピーを返す
func (m SourceMeta) Scrubbed() SourceMeta {
	m.TmpPath = ""
	m.BlobKey = ""
	return m
}

// Segment はタイムスタンプ付きのテキスト区間（秒）
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// Transcript は文字起こし結果
type Transcript struct {
	Text     string    `json:"text"`
	Segments []Segment `json:"segments"`
	Language string    `json:"language"`
	Source   string    `json:"source"`
}

// OutlineSection はアウトラインの1セクション
type OutlineSection struct {
	Title  string   `json:"title"`
	Points []string `json:"points"`
}

// TimestampMark は重要な瞬間
type TimestampMark struct {
	T     string `json:"t"`
	Label string `json:"label"`
}

// Summary は構造化された要約
type Summary struct {
	TLDR        string           `json:"tl_dr"`
	KeyPoints   []string         `json:"key_points"`
	Outline     []OutlineSection `json:"outline"`
	ActionItems []string         `json:"action_items"`
	Timestamps  []TimestampMark  `json:"timestamps"`
}

// Normalize は欠けているフィールドを空の値で埋める
func (s *Summary) Normalize() {
	if s.KeyPoints == nil {
		s.KeyPoints = []string{}
	}
	if s.Outline == nil {
		s.Outline = []OutlineSection{}
	}
	for i := range s.Outline {
		if s.Outline[i].Points == nil {
			s.Outline[i].Points = []string{}
		}
	}
	if s.ActionItems == nil {
		s.ActionItems = []string{}
	}
	if s.Timestamps == nil {
		s.Timestamps = []TimestampMark{}
	}
}

// JobError はユーザーに返すエラー情報
type JobError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	DebugMessage string `json:"debug_message,omitempty"`
	Retryable    bool   `json:"retryable"`
}
