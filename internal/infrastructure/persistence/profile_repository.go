package persistence

import (
	"context"
	"errors"

	"gorm.io/gorm"

	"github.com/lmrelay/lmrelay/internal/domain/entity"
	"github.com/lmrelay/lmrelay/internal/domain/repository"
	"github.com/lmrelay/lmrelay/internal/infrastructure/persistence/models"
	apperrors "github.com/lmrelay/lmrelay/pkg/errors"
)

// profileRowID pins the profile table to a single row.
const profileRowID = 1

type profileRepository struct {
	db *gorm.DB
}

// NewProfileRepository returns the gorm-backed single-row profile store.
func NewProfileRepository(db *gorm.DB) repository.ProfileRepository {
	return &profileRepository{db: db}
}

func (r *profileRepository) GetProfile(ctx context.Context) (*entity.Profile, error) {
	var m models.Profile
	err := r.db.WithContext(ctx).First(&m, "id = ?", profileRowID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return &entity.Profile{}, nil
		}
		return nil, apperrors.NewInternalErrorWithCause("failed to load profile", err)
	}
	return profileToEntity(&m), nil
}

func (r *profileRepository) SaveProfile(ctx context.Context, p *entity.Profile) (*entity.Profile, error) {
	m := profileToModel(p)
	m.ID = profileRowID

	err := r.db.WithContext(ctx).Save(m).Error
	if err != nil {
		return nil, apperrors.NewInternalErrorWithCause("failed to save profile", err)
	}

	var saved models.Profile
	if err := r.db.WithContext(ctx).First(&saved, "id = ?", profileRowID).Error; err != nil {
		return nil, apperrors.NewInternalErrorWithCause("failed to reload profile", err)
	}
	return profileToEntity(&saved), nil
}

func profileToEntity(m *models.Profile) *entity.Profile {
	return &entity.Profile{
		DisplayName:       m.DisplayName,
		PreferredLanguage: m.PreferredLanguage,
		Tone:              m.Tone,
		Timezone:          m.Timezone,
		RegionCoarse:      m.RegionCoarse,
		WorkHours:         m.WorkHours,
		UIFormatPrefs:     m.UIFormatPrefs,
		GoalsMood:         m.GoalsMood,
		DecisionsTasks:    m.DecisionsTasks,
		Brevity:           m.Brevity,
		FormatDefaults:    m.FormatDefaults,
		InterestsTopics:   m.InterestsTopics,
		WorkflowTools:     m.WorkflowTools,
		OS:                m.OS,
		Runtime:           m.Runtime,
		HardwareHint:      m.HardwareHint,
		UpdatedAt:         m.UpdatedAt,
		Source:            m.Source,
		Confidence:        m.Confidence,
	}
}

func profileToModel(p *entity.Profile) *models.Profile {
	return &models.Profile{
		DisplayName:       p.DisplayName,
		PreferredLanguage: p.PreferredLanguage,
		Tone:              p.Tone,
		Timezone:          p.Timezone,
		RegionCoarse:      p.RegionCoarse,
		WorkHours:         p.WorkHours,
		UIFormatPrefs:     p.UIFormatPrefs,
		GoalsMood:         p.GoalsMood,
		DecisionsTasks:    p.DecisionsTasks,
		Brevity:           p.Brevity,
		FormatDefaults:    p.FormatDefaults,
		InterestsTopics:   p.InterestsTopics,
		WorkflowTools:     p.WorkflowTools,
		OS:                p.OS,
		Runtime:           p.Runtime,
		HardwareHint:      p.HardwareHint,
		Source:            p.Source,
		Confidence:        p.Confidence,
	}
}
