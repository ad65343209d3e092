package store

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/OpenNSW/formflow/internal/form/model"
)

func TestUpsertPageAnswer_EditInPlace(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	form := seedForm(t, s, 1)
	page := form.Pages[0]
	p := seedParticipant(t, s, form.ID, "a@example.com")

	first := answerPage(t, s, page, p.ID,
		model.FieldAnswer{FieldID: "name", Answer: "Ada", Type: "TEXT_INPUT"},
		model.FieldAnswer{FieldID: "agree", Answer: "false", Type: "CHECKBOX"},
	)
	assert.Equal(t, 1, first.Attempts)

	second, err := s.UpsertPageAnswer(ctx, UpsertPageAnswerInput{
		PageAnswerID:    &first.ID,
		FormID:          form.ID,
		PageID:          page.ID,
		ReferencePageID: page.ID,
		ParticipantID:   p.ID,
		FieldAnswers: []model.FieldAnswer{
			{FieldID: "name", Answer: "Ada Lovelace", Type: "TEXT_INPUT"},
			{FieldID: "agree", Answer: "true", Type: "CHECKBOX"},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
	assert.Equal(t, 2, second.Attempts)

	answers := map[string]string{}
	for _, fa := range second.FieldAnswers {
		answers[fa.FieldID] = fa.Answer
	}
	assert.Equal(t, map[string]string{"name": "Ada Lovelace", "agree": "true"}, answers)

	var rows int64
	require.NoError(t, s.db.Model(&model.PageAnswer{}).Count(&rows).Error)
	assert.EqualValues(t, 1, rows)
	require.NoError(t, s.db.Model(&model.FieldAnswer{}).Count(&rows).Error)
	assert.EqualValues(t, 2, rows)

	attempts, err := s.CountPageAttempts(ctx, page.ID, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 2, attempts)
}

func TestUpsertPageAnswer_UnknownIDCreates(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	form := seedForm(t, s, 1)
	p := seedParticipant(t, s, form.ID, "a@example.com")

	missing := uuid.New()
	pa, err := s.UpsertPageAnswer(ctx, UpsertPageAnswerInput{
		PageAnswerID:    &missing,
		FormID:          form.ID,
		PageID:          form.Pages[0].ID,
		ReferencePageID: form.Pages[0].ID,
		ParticipantID:   p.ID,
	})
	require.NoError(t, err)
	assert.NotEqual(t, missing, pa.ID)
	assert.Equal(t, 1, pa.Attempts)
	assert.Empty(t, pa.FieldAnswers)
}

func TestUpsertPageAnswer_RejectsForeignAnswer(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	form := seedForm(t, s, 2)
	owner := seedParticipant(t, s, form.ID, "owner@example.com")
	other := seedParticipant(t, s, form.ID, "other@example.com")
	pa := answerPage(t, s, form.Pages[0], owner.ID, model.FieldAnswer{FieldID: "name", Answer: "Ada", Type: "TEXT_INPUT"})

	tests := []struct {
		name          string
		pageID        uuid.UUID
		participantID uuid.UUID
	}{
		{name: "other participant", pageID: form.Pages[0].ID, participantID: other.ID},
		{name: "other page", pageID: form.Pages[1].ID, participantID: owner.ID},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := s.UpsertPageAnswer(ctx, UpsertPageAnswerInput{
				PageAnswerID:    &pa.ID,
				FormID:          form.ID,
				PageID:          tt.pageID,
				ReferencePageID: tt.pageID,
				ParticipantID:   tt.participantID,
				FieldAnswers:    []model.FieldAnswer{{FieldID: "name", Answer: "Mallory", Type: "TEXT_INPUT"}},
			})
			assert.ErrorIs(t, err, ErrPageAnswerMismatch)
		})
	}

	got, err := s.GetPageAnswer(ctx, pa.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "Ada", got.FieldAnswers[0].Answer)
}

func TestCountPageAttempts_SumsAnswers(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	form := seedForm(t, s, 1)
	page := form.Pages[0]
	p := seedParticipant(t, s, form.ID, "a@example.com")

	attempts, err := s.CountPageAttempts(ctx, page.ID, p.ID)
	require.NoError(t, err)
	assert.Zero(t, attempts)

	// Two fresh answers without ids plus one edit.
	first := answerPage(t, s, page, p.ID)
	answerPage(t, s, page, p.ID)
	_, err = s.UpsertPageAnswer(ctx, UpsertPageAnswerInput{
		PageAnswerID:    &first.ID,
		FormID:          form.ID,
		PageID:          page.ID,
		ReferencePageID: page.ID,
		ParticipantID:   p.ID,
	})
	require.NoError(t, err)

	attempts, err = s.CountPageAttempts(ctx, page.ID, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, attempts)

	latest, err := s.LatestPageAnswer(ctx, page.ID, p.ID)
	require.NoError(t, err)
	assert.Equal(t, first.ID, latest.ID)
}

func TestCountPageAttempts_IgnoresSubmittedAnswers(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	form := seedForm(t, s, 1)
	page := form.Pages[0]
	p := seedParticipant(t, s, form.ID, "a@example.com")

	answerPage(t, s, page, p.ID)
	answerPage(t, s, page, p.ID)
	_, err := s.Finalize(ctx, form.ID, p.ID, true)
	require.NoError(t, err)

	attempts, err := s.CountPageAttempts(ctx, page.ID, p.ID)
	require.NoError(t, err)
	assert.Zero(t, attempts)

	answerPage(t, s, page, p.ID)
	attempts, err = s.CountPageAttempts(ctx, page.ID, p.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 1, attempts)
}

func TestLatestPageAnswer_NotFound(t *testing.T) {
	s := newStore(t)
	_, err := s.LatestPageAnswer(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}
