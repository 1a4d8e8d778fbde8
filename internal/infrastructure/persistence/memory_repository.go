package persistence

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/lmrelay/lmrelay/internal/domain/entity"
	"github.com/lmrelay/lmrelay/internal/domain/memory"
	"github.com/lmrelay/lmrelay/internal/domain/repository"
	"github.com/lmrelay/lmrelay/internal/infrastructure/persistence/models"
	apperrors "github.com/lmrelay/lmrelay/pkg/errors"
)

type memoryRepository struct {
	db *gorm.DB
}

// NewMemoryRepository returns the gorm-backed layered memory store.
func NewMemoryRepository(db *gorm.DB) repository.MemoryRepository {
	return &memoryRepository{db: db}
}

func (r *memoryRepository) CreateThread(ctx context.Context, title string) (*entity.Thread, error) {
	m := &models.Thread{
		ID:    uuid.New().String(),
		Title: title,
	}
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, apperrors.NewInternalErrorWithCause("failed to create thread", err)
	}
	return threadToEntity(m), nil
}

func (r *memoryRepository) GetThread(ctx context.Context, id string) (*entity.Thread, error) {
	var m models.Thread
	if err := r.db.WithContext(ctx).First(&m, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, apperrors.NewNotFoundError("thread not found")
		}
		return nil, apperrors.NewInternalErrorWithCause("failed to load thread", err)
	}
	return threadToEntity(&m), nil
}

func (r *memoryRepository) DeleteThread(ctx context.Context, id string) error {
	res := r.db.WithContext(ctx).Delete(&models.Thread{}, "id = ?", id)
	if res.Error != nil {
		return apperrors.NewInternalErrorWithCause("failed to delete thread", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.NewNotFoundError("thread not found")
	}
	return nil
}

func (r *memoryRepository) AppendMessage(ctx context.Context, threadID, role, content string, usage *entity.TokenCounts) (*entity.Message, error) {
	m := &models.Message{
		ID:       strings.ReplaceAll(uuid.New().String(), "-", ""),
		ThreadID: threadID,
		Role:     role,
		Content:  content,
	}
	if usage != nil {
		m.InputTokens = usage.Input
		m.OutputTokens = usage.Output
		m.TotalTokens = usage.Total
	}
	if m.TotalTokens == nil {
		approx := (len(content) + 3) / 4
		m.TotalTokens = &approx
	}
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return nil, apperrors.NewInternalErrorWithCause("failed to append message", err)
	}
	return messageToEntity(m), nil
}

func (r *memoryRepository) GetMessagesAsc(ctx context.Context, threadID, excludeMessageID string, maxItems int) ([]*entity.Message, error) {
	q := r.db.WithContext(ctx).
		Where("thread_id = ? AND role IN ?", threadID, []string{entity.RoleUser, entity.RoleAssistant}).
		Order("created_at ASC, id ASC")
	if excludeMessageID != "" {
		q = q.Where("id <> ?", excludeMessageID)
	}
	if maxItems > 0 {
		q = q.Limit(maxItems)
	}

	var rows []models.Message
	if err := q.Find(&rows).Error; err != nil {
		return nil, apperrors.NewInternalErrorWithCause("failed to load messages", err)
	}

	out := make([]*entity.Message, 0, len(rows))
	for i := range rows {
		e := messageToEntity(&rows[i])
		e.Content = memory.SanitizeForMemory(e.Content)
		out = append(out, e)
	}
	return out, nil
}

func (r *memoryRepository) GetL2Asc(ctx context.Context, threadID string, limit int) ([]*entity.L2Summary, error) {
	q := r.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.L2Summary
	if err := q.Find(&rows).Error; err != nil {
		return nil, apperrors.NewInternalErrorWithCause("failed to load L2 summaries", err)
	}
	out := make([]*entity.L2Summary, 0, len(rows))
	for i := range rows {
		out = append(out, l2ToEntity(&rows[i]))
	}
	return out, nil
}

func (r *memoryRepository) GetL3Asc(ctx context.Context, threadID string, limit int) ([]*entity.L3MicroSummary, error) {
	q := r.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("created_at ASC, id ASC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var rows []models.L3MicroSummary
	if err := q.Find(&rows).Error; err != nil {
		return nil, apperrors.NewInternalErrorWithCause("failed to load L3 summaries", err)
	}
	out := make([]*entity.L3MicroSummary, 0, len(rows))
	for i := range rows {
		out = append(out, l3ToEntity(&rows[i]))
	}
	return out, nil
}

func (r *memoryRepository) InsertL2(ctx context.Context, threadID, startMsgID, endMsgID, text string, tokens int, now int64) (*entity.L2Summary, bool, error) {
	m := &models.L2Summary{
		ThreadID:       threadID,
		StartMessageID: startMsgID,
		EndMessageID:   endMsgID,
		Text:           text,
		Tokens:         tokens,
		CreatedAt:      now,
	}
	// The unique index on (thread, start, end) turns a replayed insert
	// into a no-op instead of a duplicate row.
	res := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(m)
	if res.Error != nil {
		return nil, false, apperrors.NewInternalErrorWithCause("failed to insert L2 summary", res.Error)
	}
	if res.RowsAffected == 0 {
		var existing models.L2Summary
		err := r.db.WithContext(ctx).
			Where("thread_id = ? AND start_message_id = ? AND end_message_id = ?", threadID, startMsgID, endMsgID).
			First(&existing).Error
		if err != nil {
			return nil, false, apperrors.NewInternalErrorWithCause("failed to load existing L2 summary", err)
		}
		return l2ToEntity(&existing), false, nil
	}
	return l2ToEntity(m), true, nil
}

func (r *memoryRepository) InsertL3(ctx context.Context, threadID string, l2IDs []int64, text string, tokens int, now int64) (*entity.L3MicroSummary, error) {
	if len(l2IDs) == 0 {
		return nil, apperrors.NewInvalidInputError("empty L2 block")
	}
	minID, maxID := l2IDs[0], l2IDs[0]
	for _, id := range l2IDs[1:] {
		if id < minID {
			minID = id
		}
		if id > maxID {
			maxID = id
		}
	}

	m := &models.L3MicroSummary{
		ThreadID:  threadID,
		StartL2ID: minID,
		EndL2ID:   maxID,
		Text:      text,
		Tokens:    tokens,
		CreatedAt: now,
	}

	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(m).Error; err != nil {
			return err
		}
		return tx.Where("thread_id = ? AND id IN ?", threadID, l2IDs).
			Delete(&models.L2Summary{}).Error
	})
	if err != nil {
		return nil, apperrors.NewInternalErrorWithCause("failed to promote L2 block to L3", err)
	}
	return l3ToEntity(m), nil
}

func (r *memoryRepository) PickOldestL2Block(ctx context.Context, threadID string, maxItems int) ([]*entity.L2Summary, error) {
	if maxItems <= 0 {
		return nil, nil
	}
	var rows []models.L2Summary
	err := r.db.WithContext(ctx).
		Where("thread_id = ?", threadID).
		Order("created_at ASC, id ASC").
		Limit(maxItems).
		Find(&rows).Error
	if err != nil {
		return nil, apperrors.NewInternalErrorWithCause("failed to pick L2 block", err)
	}
	out := make([]*entity.L2Summary, 0, len(rows))
	for i := range rows {
		out = append(out, l2ToEntity(&rows[i]))
	}
	return out, nil
}

func (r *memoryRepository) EvictL3Oldest(ctx context.Context, threadID string, count int) (int, error) {
	if count <= 0 {
		return 0, nil
	}
	var ids []int64
	err := r.db.WithContext(ctx).
		Model(&models.L3MicroSummary{}).
		Where("thread_id = ?", threadID).
		Order("created_at ASC, id ASC").
		Limit(count).
		Pluck("id", &ids).Error
	if err != nil {
		return 0, apperrors.NewInternalErrorWithCause("failed to select L3 rows for eviction", err)
	}
	if len(ids) == 0 {
		return 0, nil
	}
	res := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&models.L3MicroSummary{})
	if res.Error != nil {
		return 0, apperrors.NewInternalErrorWithCause("failed to evict L3 rows", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (r *memoryRepository) MemoryStateRead(ctx context.Context, threadID string) (*entity.MemoryState, error) {
	var m models.MemoryState
	err := r.db.WithContext(ctx).First(&m, "thread_id = ?", threadID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &entity.MemoryState{ThreadID: threadID}, nil
		}
		return nil, apperrors.NewInternalErrorWithCause("failed to read memory state", err)
	}
	return &entity.MemoryState{
		ThreadID:               m.ThreadID,
		LastCompactedMessageID: m.LastCompactedMessageID,
		L1Tokens:               m.L1Tokens,
		L2Tokens:               m.L2Tokens,
		L3Tokens:               m.L3Tokens,
		UpdatedAt:              m.UpdatedAt,
	}, nil
}

func (r *memoryRepository) MemoryStateUpdate(ctx context.Context, threadID string, l1, l2, l3 int) error {
	m := &models.MemoryState{
		ThreadID:  threadID,
		L1Tokens:  l1,
		L2Tokens:  l2,
		L3Tokens:  l3,
		UpdatedAt: time.Now().Unix(),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "thread_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"l1_tokens", "l2_tokens", "l3_tokens", "updated_at"}),
	}).Create(m).Error
	if err != nil {
		return apperrors.NewInternalErrorWithCause("failed to update memory state", err)
	}
	return nil
}

func (r *memoryRepository) AdvanceCompaction(ctx context.Context, threadID, messageID string) error {
	m := &models.MemoryState{
		ThreadID:               threadID,
		LastCompactedMessageID: messageID,
		UpdatedAt:              time.Now().Unix(),
	}
	err := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "thread_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"last_compacted_message_id", "updated_at"}),
	}).Create(m).Error
	if err != nil {
		return apperrors.NewInternalErrorWithCause("failed to advance compaction marker", err)
	}
	return nil
}

func (r *memoryRepository) SaveResponse(ctx context.Context, resp *entity.Response) error {
	m := &models.Response{
		ID:              resp.ID,
		ThreadID:        resp.ThreadID,
		RequestJSON:     resp.RequestJSON,
		ResponseJSON:    resp.ResponseJSON,
		Status:          resp.Status,
		Model:           resp.Model,
		ProviderName:    resp.ProviderName,
		ProviderBaseURL: resp.ProviderBaseURL,
		InputTokens:     resp.InputTokens,
		OutputTokens:    resp.OutputTokens,
		TotalTokens:     resp.TotalTokens,
	}
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return apperrors.NewInternalErrorWithCause("failed to save response", err)
	}
	return nil
}

func (r *memoryRepository) SetThreadSummarizing(ctx context.Context, threadID string, flag bool, nowUnix int64) error {
	updates := map[string]interface{}{"is_summarizing": flag}
	if flag {
		updates["last_summary_run_at"] = nowUnix
	}
	res := r.db.WithContext(ctx).Model(&models.Thread{}).
		Where("id = ?", threadID).
		Updates(updates)
	if res.Error != nil {
		return apperrors.NewInternalErrorWithCause("failed to update summarizing flag", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.NewNotFoundError("thread not found")
	}
	return nil
}

func (r *memoryRepository) SaveThreadSummary(ctx context.Context, threadID, summary, lang, quality, sourceHash string) error {
	now := time.Now().UTC()
	res := r.db.WithContext(ctx).Model(&models.Thread{}).
		Where("id = ?", threadID).
		Updates(map[string]interface{}{
			"summary":             summary,
			"summary_updated_at":  &now,
			"summary_lang":        lang,
			"summary_quality":     quality,
			"summary_source_hash": sourceHash,
			"is_summarizing":      false,
		})
	if res.Error != nil {
		return apperrors.NewInternalErrorWithCause("failed to save thread summary", res.Error)
	}
	if res.RowsAffected == 0 {
		return apperrors.NewNotFoundError("thread not found")
	}
	return nil
}

// --- mapping ---

func threadToEntity(m *models.Thread) *entity.Thread {
	return &entity.Thread{
		ID:                m.ID,
		Title:             m.Title,
		CreatedAt:         m.CreatedAt,
		Summary:           m.Summary,
		SummaryUpdatedAt:  m.SummaryUpdatedAt,
		SummaryLang:       m.SummaryLang,
		SummaryQuality:    m.SummaryQuality,
		IsSummarizing:     m.IsSummarizing,
		SummarySourceHash: m.SummarySourceHash,
		LastSummaryRunAt:  m.LastSummaryRunAt,
	}
}

func messageToEntity(m *models.Message) *entity.Message {
	return &entity.Message{
		ID:           m.ID,
		ThreadID:     m.ThreadID,
		Role:         m.Role,
		Content:      m.Content,
		CreatedAt:    m.CreatedAt,
		InputTokens:  m.InputTokens,
		OutputTokens: m.OutputTokens,
		TotalTokens:  m.TotalTokens,
	}
}

func l2ToEntity(m *models.L2Summary) *entity.L2Summary {
	return &entity.L2Summary{
		ID:             m.ID,
		ThreadID:       m.ThreadID,
		StartMessageID: m.StartMessageID,
		EndMessageID:   m.EndMessageID,
		Text:           m.Text,
		Tokens:         m.Tokens,
		CreatedAt:      m.CreatedAt,
	}
}

func l3ToEntity(m *models.L3MicroSummary) *entity.L3MicroSummary {
	return &entity.L3MicroSummary{
		ID:        m.ID,
		ThreadID:  m.ThreadID,
		StartL2ID: m.StartL2ID,
		EndL2ID:   m.EndL2ID,
		Text:      m.Text,
		Tokens:    m.Tokens,
		CreatedAt: m.CreatedAt,
	}
}
