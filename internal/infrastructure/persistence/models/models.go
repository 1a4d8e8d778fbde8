package models

import (
	"time"
)

// Thread is a conversation container. The summary_* columns belong to the
// thread-level auto-summary, not to the L1/L2/L3 hierarchy.
type Thread struct {
	ID        string    `gorm:"primaryKey;size:64"`
	Title     string    `gorm:"size:256"`
	CreatedAt time.Time `gorm:"index"`

	Summary           string     `gorm:"column:summary;type:text"`
	SummaryUpdatedAt  *time.Time `gorm:"column:summary_updated_at"`
	SummaryLang       string     `gorm:"column:summary_lang;size:10"`
	SummaryQuality    string     `gorm:"column:summary_quality;size:10"` // ok|draft
	IsSummarizing     bool       `gorm:"column:is_summarizing"`
	SummarySourceHash string     `gorm:"column:summary_source_hash;size:64"`
	LastSummaryRunAt  int64      `gorm:"column:last_summary_run_at"`

	Messages []Message `gorm:"foreignKey:ThreadID;constraint:OnDelete:CASCADE"`
}

func (Thread) TableName() string { return "threads" }

// Message is a single turn. Role is one of system|user|assistant|tool.
type Message struct {
	ID        string    `gorm:"primaryKey;size:64"`
	ThreadID  string    `gorm:"size:64;not null;index"`
	Role      string    `gorm:"size:32"`
	Content   string    `gorm:"type:text;not null"`
	CreatedAt time.Time `gorm:"index"`

	InputTokens  *int
	OutputTokens *int
	TotalTokens  *int

	Thread *Thread `gorm:"foreignKey:ThreadID;constraint:OnDelete:CASCADE"`
}

func (Message) TableName() string { return "messages" }

// Response records one generation round-trip against the upstream.
type Response struct {
	ID           string `gorm:"primaryKey;size:64"` // resp_<uuid>
	ThreadID     string `gorm:"size:64;not null;index"`
	RequestJSON  string `gorm:"column:request_json;type:text;not null"`
	ResponseJSON string `gorm:"column:response_json;type:text;not null"`

	Status          string `gorm:"size:32"` // completed|cancelled|error
	Model           string `gorm:"size:128"`
	ProviderName    string `gorm:"size:64"`
	ProviderBaseURL string `gorm:"size:256"`
	InputTokens     int
	OutputTokens    int
	TotalTokens     int

	CreatedAt time.Time `gorm:"index"`

	Thread *Thread `gorm:"foreignKey:ThreadID;constraint:OnDelete:CASCADE"`
}

func (Response) TableName() string { return "responses" }

// Profile is the single-row settings record behind the core profile block.
type Profile struct {
	ID int `gorm:"primaryKey"`

	DisplayName       string `gorm:"size:128"`
	PreferredLanguage string `gorm:"size:32"`
	Tone              string `gorm:"size:32"`
	Timezone          string `gorm:"size:64"`
	RegionCoarse      string `gorm:"size:64"`
	WorkHours         string `gorm:"size:256"`
	UIFormatPrefs     string `gorm:"column:ui_format_prefs;type:text"` // JSON serialized
	GoalsMood         string `gorm:"type:text"`
	DecisionsTasks    string `gorm:"type:text"`
	Brevity           string `gorm:"size:32"`
	FormatDefaults    string `gorm:"type:text"` // JSON serialized
	InterestsTopics   string `gorm:"type:text"` // JSON serialized
	WorkflowTools     string `gorm:"type:text"` // JSON serialized
	OS                string `gorm:"size:64"`
	Runtime           string `gorm:"size:64"`
	HardwareHint      string `gorm:"size:128"`

	UpdatedAt  time.Time
	Source     string `gorm:"size:64"`
	Confidence *int
}

func (Profile) TableName() string { return "profile" }

// MemoryState caches the last-known per-layer token totals. Diagnostic
// only; compaction decisions always re-measure the live store.
type MemoryState struct {
	ThreadID               string `gorm:"primaryKey;size:64"`
	LastCompactedMessageID string `gorm:"size:64"`
	L1Tokens               int
	L2Tokens               int
	L3Tokens               int
	UpdatedAt              int64 `gorm:"not null"`

	Thread *Thread `gorm:"foreignKey:ThreadID;constraint:OnDelete:CASCADE"`
}

func (MemoryState) TableName() string { return "memory_state" }

// L2Summary is a pair summary (or grouped pair summary). The unique index
// makes duplicate inserts for the same pair a detectable no-op.
type L2Summary struct {
	ID             int64  `gorm:"primaryKey;autoIncrement"`
	ThreadID       string `gorm:"size:64;not null;index;uniqueIndex:uq_l2_pair"`
	StartMessageID string `gorm:"size:64;not null;uniqueIndex:uq_l2_pair"`
	EndMessageID   string `gorm:"size:64;not null;uniqueIndex:uq_l2_pair"`
	Text           string `gorm:"type:text;not null"`
	Tokens         int    `gorm:"not null"`
	CreatedAt      int64  `gorm:"not null"`

	Thread *Thread `gorm:"foreignKey:ThreadID;constraint:OnDelete:CASCADE"`
}

func (L2Summary) TableName() string { return "l2_summaries" }

// L3MicroSummary condenses a contiguous block of L2 summaries. The source
// L2 rows are deleted in the same transaction that inserts the L3.
type L3MicroSummary struct {
	ID        int64  `gorm:"primaryKey;autoIncrement"`
	ThreadID  string `gorm:"size:64;not null;index"`
	StartL2ID int64  `gorm:"not null"`
	EndL2ID   int64  `gorm:"not null"`
	Text      string `gorm:"type:text;not null"`
	Tokens    int    `gorm:"not null"`
	CreatedAt int64  `gorm:"not null"`

	Thread *Thread `gorm:"foreignKey:ThreadID;constraint:OnDelete:CASCADE"`
}

func (L3MicroSummary) TableName() string { return "l3_microsummaries" }

// ToolRun records one tool invocation, keyed by the hash of its
// canonicalized arguments for short-term deduplication.
type ToolRun struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	ThreadID   string `gorm:"index;not null"`
	AttemptID  string `gorm:"size:64;not null"`
	ToolName   string `gorm:"index;not null"`
	ArgsJSON   string `gorm:"column:args_json;type:text;not null"`
	ArgsHash   string `gorm:"index;not null"`
	ResultText string `gorm:"type:text"`
	Status     string `gorm:"not null;default:done"` // done|error
	CreatedAt  int64  `gorm:"not null"`
}

func (ToolRun) TableName() string { return "tool_runs" }
