package repository

import (
	"context"

	"github.com/lmrelay/lmrelay/internal/domain/entity"
)

// MemoryRepository is the layered summary store. Every method is a single
// unit of work; InsertL3 additionally deletes the consumed L2 rows in the
// same transaction.
type MemoryRepository interface {
	CreateThread(ctx context.Context, title string) (*entity.Thread, error)
	GetThread(ctx context.Context, id string) (*entity.Thread, error)
	DeleteThread(ctx context.Context, id string) error

	// AppendMessage persists one turn; when usage is nil, TotalTokens is
	// approximated from the content length.
	AppendMessage(ctx context.Context, threadID, role, content string, usage *entity.TokenCounts) (*entity.Message, error)

	// GetMessagesAsc returns user/assistant messages in chronological
	// order, content sanitized (reasoning blocks and trailing tool JSON
	// stripped). excludeMessageID, when non-empty, is filtered out.
	GetMessagesAsc(ctx context.Context, threadID, excludeMessageID string, maxItems int) ([]*entity.Message, error)

	GetL2Asc(ctx context.Context, threadID string, limit int) ([]*entity.L2Summary, error)
	GetL3Asc(ctx context.Context, threadID string, limit int) ([]*entity.L3MicroSummary, error)

	// InsertL2 writes a pair (or grouped) summary. When the same
	// (start, end) already exists for the thread, nothing is written and
	// inserted is false.
	InsertL2(ctx context.Context, threadID, startMsgID, endMsgID, text string, tokens int, now int64) (rec *entity.L2Summary, inserted bool, err error)

	// InsertL3 atomically inserts an L3 covering [min(l2IDs), max(l2IDs)]
	// and deletes all referenced L2 rows.
	InsertL3(ctx context.Context, threadID string, l2IDs []int64, text string, tokens int, now int64) (*entity.L3MicroSummary, error)

	PickOldestL2Block(ctx context.Context, threadID string, maxItems int) ([]*entity.L2Summary, error)
	EvictL3Oldest(ctx context.Context, threadID string, count int) (int, error)

	MemoryStateRead(ctx context.Context, threadID string) (*entity.MemoryState, error)
	MemoryStateUpdate(ctx context.Context, threadID string, l1, l2, l3 int) error

	// AdvanceCompaction moves the thread's compaction marker: messages up
	// to and including messageID are considered absorbed into L2/L3.
	AdvanceCompaction(ctx context.Context, threadID, messageID string) error

	SaveResponse(ctx context.Context, resp *entity.Response) error

	// Thread auto-summary bookkeeping (never shared with compaction).
	SetThreadSummarizing(ctx context.Context, threadID string, flag bool, nowUnix int64) error
	SaveThreadSummary(ctx context.Context, threadID, summary, lang, quality, sourceHash string) error
}

// ProfileRepository reads and writes the single-row profile. The core
// only reads it; writes come from the profile CRUD surface.
type ProfileRepository interface {
	GetProfile(ctx context.Context) (*entity.Profile, error)
	SaveProfile(ctx context.Context, p *entity.Profile) (*entity.Profile, error)
}
