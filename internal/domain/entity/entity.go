package entity

import "time"

// Roles used in the pairing universe and the provider message list.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Thread is a conversation. The Summary* fields belong to the thread-level
// auto-summary feature, not to the L1/L2/L3 hierarchy.
type Thread struct {
	ID        string
	Title     string
	CreatedAt time.Time

	Summary           string
	SummaryUpdatedAt  *time.Time
	SummaryLang       string
	SummaryQuality    string // ok|draft
	IsSummarizing     bool
	SummarySourceHash string
	LastSummaryRunAt  int64
}

// Message is one stored turn.
type Message struct {
	ID        string
	ThreadID  string
	Role      string
	Content   string
	CreatedAt time.Time

	InputTokens  *int
	OutputTokens *int
	TotalTokens  *int
}

// TokenCounts is the optional usage attached to a persisted message.
type TokenCounts struct {
	Input  *int
	Output *int
	Total  *int
}

// L2Summary is a pair summary. For a grouped summary, StartMessageID is the
// first user id of the run and EndMessageID the last assistant id.
type L2Summary struct {
	ID             int64
	ThreadID       string
	StartMessageID string
	EndMessageID   string
	Text           string
	Tokens         int
	CreatedAt      int64
}

// L3MicroSummary condenses a contiguous block of L2 summaries.
type L3MicroSummary struct {
	ID        int64
	ThreadID  string
	StartL2ID int64
	EndL2ID   int64
	Text      string
	Tokens    int
	CreatedAt int64
}

// MemoryState is the per-thread diagnostic cache of layer totals.
type MemoryState struct {
	ThreadID               string
	LastCompactedMessageID string
	L1Tokens               int
	L2Tokens               int
	L3Tokens               int
	UpdatedAt              int64
}

// Profile is the single-row settings record rendered into the core
// profile block of the system prelude.
type Profile struct {
	DisplayName       string
	PreferredLanguage string
	Tone              string
	Timezone          string
	RegionCoarse      string
	WorkHours         string
	UIFormatPrefs     string
	GoalsMood         string
	DecisionsTasks    string
	Brevity           string
	FormatDefaults    string
	InterestsTopics   string
	WorkflowTools     string
	OS                string
	Runtime           string
	HardwareHint      string
	UpdatedAt         time.Time
	Source            string
	Confidence        *int
}

// Response statuses.
const (
	ResponseCompleted = "completed"
	ResponseCancelled = "cancelled"
	ResponseError     = "error"
)

// Response records one generation round-trip.
type Response struct {
	ID              string
	ThreadID        string
	RequestJSON     string
	ResponseJSON    string
	Status          string
	Model           string
	ProviderName    string
	ProviderBaseURL string
	InputTokens     int
	OutputTokens    int
	TotalTokens     int
	CreatedAt       time.Time
}
