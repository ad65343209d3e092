package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/OpenNSW/formflow/internal/cache"
	"github.com/OpenNSW/formflow/internal/form/model"
	"github.com/OpenNSW/formflow/internal/form/store"
	"github.com/OpenNSW/formflow/internal/ratelimit"
)

type pipelineFixture struct {
	store       *store.Store
	db          *gorm.DB
	form        *model.Form
	participant *model.Participant
	pipeline    *SubmissionPipeline
}

func newPipelineFixture(t *testing.T, c cache.Cache, limiter ratelimit.Limiter) *pipelineFixture {
	t.Helper()
	st, db := newTestStore(t)
	form := seedPublishedForm(t, st, "creator-1", namePageFields, agreePageFields)
	participant := mustParticipant(t, st, form.ID, "alice@example.com")

	pages := NewPageCache(st, c, 24*time.Hour, time.Minute, nil)
	pipeline := NewSubmissionPipeline(st, pages, limiter, nil, PipelineConfig{
		PublicURL:       publicURL,
		MaxPageAttempts: 5,
		RateLimitWindow: 10 * time.Second,
	}, nil)

	return &pipelineFixture{store: st, db: db, form: form, participant: participant, pipeline: pipeline}
}

// request builds a submission of page pageNumber with the hidden keys filled in.
func (f *pipelineFixture) request(pageNumber int, intent Intent, fields map[string]string) SubmitPageRequest {
	page := f.form.Pages[pageNumber-1]
	payload := map[string]string{
		"formId":        f.form.ID.String(),
		"pageId":        page.ID.String(),
		"participantId": f.participant.ID.String(),
		"intent":        string(intent),
	}
	for k, v := range fields {
		payload[k] = v
	}
	return SubmitPageRequest{
		FormID:        f.form.ID,
		PageNumber:    pageNumber,
		PageID:        page.ID,
		ParticipantID: f.participant.ID,
		Intent:        intent,
		Fields:        payload,
	}
}

func requireRejection(t *testing.T, err error, reason Reason) *Rejection {
	t.Helper()
	rej, ok := IsRejection(err)
	require.True(t, ok, "expected a rejection, got %v", err)
	assert.Equal(t, reason, rej.Reason)
	return rej
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{StateReceived, StateRateChecked, true},
		{StateReceived, StatePageResolved, false},
		{StatePageResolved, StatePrevBranch, true},
		{StatePageResolved, StateSubmitBranch, true},
		{StateSubmitBranch, StatePersisted, false},
		{StatePersisted, StateFinalized, true},
		{StatePersisted, StateAdvanced, true},
		{StateValidated, StateRejected, true},
		{StateFinalized, StateRejected, false},
		{StatePrevBranch, StateSubmitBranch, false},
		{StateRejected, StateRateChecked, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.want, canTransition(tt.from, tt.to))
		})
	}
}

func TestParseIntent(t *testing.T) {
	assert.Equal(t, IntentPrev, ParseIntent(" PREV "))
	assert.Equal(t, IntentSubmit, ParseIntent("submit"))
	assert.Equal(t, IntentNext, ParseIntent(""))
	assert.Equal(t, IntentNext, ParseIntent("sideways"))
}

func TestSubmit_TwoPageForm(t *testing.T) {
	f := newPipelineFixture(t, nil, nil)
	ctx := context.Background()

	out, err := f.pipeline.Submit(ctx, f.request(1, IntentNext, map[string]string{"name": "Alice"}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRedirect, out.Kind)
	assert.Equal(t, StateAdvanced, out.State)
	assert.Equal(t, publicURL+"/"+f.form.ID.String()+"/2?participantId="+f.participant.ID.String(), out.Location)
	require.NotNil(t, out.PageAnswerID)

	out, err = f.pipeline.Submit(ctx, f.request(2, IntentNext, nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalid, out.Kind)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, "agree", out.Errors[0].ID)
	assert.Equal(t, "Agree is required.", out.Errors[0].Message)
	assert.Zero(t, countRows(t, f.db, &model.FormSubmission{}))

	out, err = f.pipeline.Submit(ctx, f.request(2, IntentSubmit, map[string]string{"agree": "on"}))
	require.NoError(t, err)
	assert.Equal(t, StateFinalized, out.State)
	require.NotNil(t, out.SubmissionID)
	assert.Equal(t, publicURL+"/"+out.SubmissionID.String()+"/thank-you", out.Location)

	participant, err := f.store.GetParticipant(ctx, f.participant.ID)
	require.NoError(t, err)
	assert.NotNil(t, participant.CompletedAt)

	sub, err := f.store.GetSubmission(ctx, f.form.ID, *out.SubmissionID)
	require.NoError(t, err)
	assert.Len(t, sub.PageAnswers, 2)
}

func TestSubmit_ValidationFailurePersistsNothing(t *testing.T) {
	f := newPipelineFixture(t, nil, nil)

	out, err := f.pipeline.Submit(context.Background(), f.request(1, IntentNext, map[string]string{"name": "   "}))
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalid, out.Kind)
	assert.Equal(t, StateSubmitBranch, out.State)
	assert.Zero(t, countRows(t, f.db, &model.PageAnswer{}))
	assert.Zero(t, countRows(t, f.db, &model.FieldAnswer{}))
}

func TestSubmit_PrevSkipsValidationAndWrites(t *testing.T) {
	f := newPipelineFixture(t, nil, nil)

	// The required checkbox is missing, which would fail validation on next.
	out, err := f.pipeline.Submit(context.Background(), f.request(2, IntentPrev, nil))
	require.NoError(t, err)
	assert.Equal(t, StatePrevBranch, out.State)
	assert.Equal(t, publicURL+"/"+f.form.ID.String()+"/1?participantId="+f.participant.ID.String(), out.Location)
	assert.Zero(t, countRows(t, f.db, &model.PageAnswer{}))
}

func TestSubmit_PrevFromFirstPage(t *testing.T) {
	f := newPipelineFixture(t, nil, nil)

	_, err := f.pipeline.Submit(context.Background(), f.request(1, IntentPrev, nil))
	requireRejection(t, err, ReasonNoPreviousPage)
}

func TestSubmit_EditReusesPageAnswer(t *testing.T) {
	f := newPipelineFixture(t, nil, nil)
	ctx := context.Background()

	out, err := f.pipeline.Submit(ctx, f.request(1, IntentNext, map[string]string{"name": "Alice"}))
	require.NoError(t, err)

	req := f.request(1, IntentNext, map[string]string{"name": "Alicia"})
	req.PageAnswerID = out.PageAnswerID
	again, err := f.pipeline.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, *out.PageAnswerID, *again.PageAnswerID)

	assert.EqualValues(t, 1, countRows(t, f.db, &model.PageAnswer{}))
	pa, err := f.store.GetPageAnswer(ctx, *out.PageAnswerID)
	require.NoError(t, err)
	assert.Equal(t, 2, pa.Attempts)
	require.Len(t, pa.FieldAnswers, 1)
	assert.Equal(t, "Alicia", pa.FieldAnswers[0].Answer)
}

func TestSubmit_AttemptCeiling(t *testing.T) {
	f := newPipelineFixture(t, nil, nil)
	ctx := context.Background()

	var answerID *uuid.UUID
	for i := 0; i < 5; i++ {
		req := f.request(1, IntentNext, map[string]string{"name": "Alice"})
		req.PageAnswerID = answerID
		out, err := f.pipeline.Submit(ctx, req)
		require.NoError(t, err, "attempt %d", i+1)
		answerID = out.PageAnswerID
	}

	req := f.request(1, IntentNext, map[string]string{"name": "Alice"})
	req.PageAnswerID = answerID
	_, err := f.pipeline.Submit(ctx, req)
	requireRejection(t, err, ReasonTooManyAttempts)

	// Invalid payloads are refused the same way.
	_, err = f.pipeline.Submit(ctx, f.request(1, IntentNext, nil))
	requireRejection(t, err, ReasonTooManyAttempts)
}

func TestSubmit_AlreadySubmitted(t *testing.T) {
	f := newPipelineFixture(t, nil, nil)
	ctx := context.Background()

	_, err := f.pipeline.Submit(ctx, f.request(1, IntentNext, map[string]string{"name": "Alice"}))
	require.NoError(t, err)
	_, err = f.pipeline.Submit(ctx, f.request(2, IntentNext, map[string]string{"agree": "on"}))
	require.NoError(t, err)

	_, err = f.pipeline.Submit(ctx, f.request(1, IntentNext, map[string]string{"name": "Alice"}))
	requireRejection(t, err, ReasonAlreadySubmitted)
	assert.EqualValues(t, 1, countRows(t, f.db, &model.FormSubmission{}))
}

func TestSubmit_Resubmission(t *testing.T) {
	f := newPipelineFixture(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, f.store.UpdateForm(ctx, f.form.ID, map[string]any{"allow_resubmission": true}))

	var last *Outcome
	for round := 0; round < 2; round++ {
		_, err := f.pipeline.Submit(ctx, f.request(1, IntentNext, map[string]string{"name": "Alice"}))
		require.NoError(t, err)
		last, err = f.pipeline.Submit(ctx, f.request(2, IntentNext, map[string]string{"agree": "true"}))
		require.NoError(t, err)
		assert.Equal(t, StateFinalized, last.State)
	}

	sub, err := f.store.GetSubmission(ctx, f.form.ID, *last.SubmissionID)
	require.NoError(t, err)
	assert.Equal(t, 2, sub.Sequence)
}

func TestSubmit_ResubmissionsDoNotExhaustAttempts(t *testing.T) {
	f := newPipelineFixture(t, nil, nil)
	ctx := context.Background()
	require.NoError(t, f.store.UpdateForm(ctx, f.form.ID, map[string]any{"allow_resubmission": true}))

	rounds := f.pipeline.cfg.MaxPageAttempts + 2
	for round := 1; round <= rounds; round++ {
		_, err := f.pipeline.Submit(ctx, f.request(1, IntentNext, map[string]string{"name": "Alice"}))
		require.NoError(t, err, "round %d", round)
		out, err := f.pipeline.Submit(ctx, f.request(2, IntentNext, map[string]string{"agree": "on"}))
		require.NoError(t, err, "round %d", round)
		assert.Equal(t, StateFinalized, out.State)
	}
	assert.EqualValues(t, rounds, countRows(t, f.db, &model.FormSubmission{}))
}

func TestSubmit_FieldsInsideColumns(t *testing.T) {
	st, db := newTestStore(t)
	columns := `{"content":[{"type":"TwoColumnLayout","props":{
	  "leftColumn":[{"type":"TextInputField","props":{"id":"name","label":"Name","required":true}}],
	  "rightColumn":[{"type":"CheckboxField","props":{"id":"agree","label":"Agree"}}]}}]}`
	form := seedPublishedForm(t, st, "creator-1", columns)
	participant := mustParticipant(t, st, form.ID, "alice@example.com")
	pipeline := NewSubmissionPipeline(st, NewPageCache(st, nil, time.Hour, time.Minute, nil), nil, nil, PipelineConfig{PublicURL: publicURL}, nil)
	f := &pipelineFixture{store: st, db: db, form: form, participant: participant, pipeline: pipeline}
	ctx := context.Background()

	out, err := pipeline.Submit(ctx, f.request(1, IntentNext, nil))
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalid, out.Kind)
	require.Len(t, out.Errors, 1)
	assert.Equal(t, "name", out.Errors[0].ID)
	assert.Zero(t, countRows(t, db, &model.FormSubmission{}))

	out, err = pipeline.Submit(ctx, f.request(1, IntentNext, map[string]string{"name": "Alice", "agree": "on"}))
	require.NoError(t, err)
	assert.Equal(t, StateFinalized, out.State)

	var answers []model.FieldAnswer
	require.NoError(t, db.Order("field_id ASC").Find(&answers).Error)
	require.Len(t, answers, 2)
	assert.Equal(t, "true", answers[0].Answer)
	assert.Equal(t, "Alice", answers[1].Answer)
}

func TestSubmit_ConcurrentFinalPage(t *testing.T) {
	f := newPipelineFixture(t, nil, nil)
	ctx := context.Background()
	_, err := f.pipeline.Submit(ctx, f.request(1, IntentNext, map[string]string{"name": "Alice"}))
	require.NoError(t, err)

	const workers = 4
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		finished int
		rejected int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			out, err := f.pipeline.Submit(ctx, f.request(2, IntentNext, map[string]string{"agree": "on"}))
			mu.Lock()
			defer mu.Unlock()
			if err == nil && out.State == StateFinalized {
				finished++
				return
			}
			if rej, ok := IsRejection(err); ok && rej.Reason == ReasonAlreadySubmitted {
				rejected++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, finished)
	assert.Equal(t, workers-1, rejected)
	assert.EqualValues(t, 1, countRows(t, f.db, &model.FormSubmission{}))
}

func TestSubmit_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown participant", func(t *testing.T) {
		f := newPipelineFixture(t, nil, nil)
		req := f.request(1, IntentNext, map[string]string{"name": "Alice"})
		req.ParticipantID = uuid.New()
		_, err := f.pipeline.Submit(ctx, req)
		requireRejection(t, err, ReasonUnknownParticipant)
	})

	t.Run("participant of another form", func(t *testing.T) {
		f := newPipelineFixture(t, nil, nil)
		other := seedPublishedForm(t, f.store, "creator-1", namePageFields)
		stranger := mustParticipant(t, f.store, other.ID, "bob@example.com")
		req := f.request(1, IntentNext, map[string]string{"name": "Bob"})
		req.ParticipantID = stranger.ID
		_, err := f.pipeline.Submit(ctx, req)
		requireRejection(t, err, ReasonUnknownParticipant)
	})

	t.Run("unpublished form", func(t *testing.T) {
		f := newPipelineFixture(t, nil, nil)
		require.NoError(t, f.store.UpdateForm(ctx, f.form.ID, map[string]any{"published_at": nil}))
		_, err := f.pipeline.Submit(ctx, f.request(1, IntentNext, map[string]string{"name": "Alice"}))
		requireRejection(t, err, ReasonFormUnavailable)
	})

	t.Run("stale page id", func(t *testing.T) {
		f := newPipelineFixture(t, nil, nil)
		req := f.request(1, IntentNext, map[string]string{"name": "Alice"})
		req.PageID = f.form.Pages[1].ID
		_, err := f.pipeline.Submit(ctx, req)
		requireRejection(t, err, ReasonStalePage)
	})

	t.Run("answer of another participant", func(t *testing.T) {
		f := newPipelineFixture(t, nil, nil)
		out, err := f.pipeline.Submit(ctx, f.request(1, IntentNext, map[string]string{"name": "Alice"}))
		require.NoError(t, err)

		mallory := mustParticipant(t, f.store, f.form.ID, "mallory@example.com")
		req := f.request(1, IntentNext, map[string]string{"name": "Mallory"})
		req.ParticipantID = mallory.ID
		req.Fields["participantId"] = mallory.ID.String()
		req.PageAnswerID = out.PageAnswerID
		_, err = f.pipeline.Submit(ctx, req)
		requireRejection(t, err, ReasonInvalidRequest)
	})
}

func TestSubmit_MissingPageIsInternal(t *testing.T) {
	f := newPipelineFixture(t, nil, nil)
	req := f.request(1, IntentNext, map[string]string{"name": "Alice"})
	req.PageNumber = 7
	req.PageID = uuid.Nil

	_, err := f.pipeline.Submit(context.Background(), req)
	require.Error(t, err)
	_, rejected := IsRejection(err)
	assert.False(t, rejected)
}

func TestSubmit_BrokenSchemaIsInternal(t *testing.T) {
	f := newPipelineFixture(t, nil, nil)
	_, err := f.store.UpdatePage(context.Background(), f.form.ID, f.form.Pages[0].ID, map[string]any{
		"page_fields": `{"content":[{"type":"MarqueeField","props":{"id":"x"}}]}`,
	})
	require.NoError(t, err)

	_, err = f.pipeline.Submit(context.Background(), f.request(1, IntentNext, map[string]string{"name": "Alice"}))
	require.Error(t, err)
	_, rejected := IsRejection(err)
	assert.False(t, rejected)
	assert.Zero(t, countRows(t, f.db, &model.PageAnswer{}))
}

func TestSubmit_RateLimited(t *testing.T) {
	limiter := new(MockLimiter)
	f := newPipelineFixture(t, nil, limiter)
	limiter.On("Allow", mock.Anything, f.participant.ID.String()).Return(false, nil).Once()

	_, err := f.pipeline.Submit(context.Background(), f.request(1, IntentNext, map[string]string{"name": "Alice"}))
	rej := requireRejection(t, err, ReasonRateLimited)
	assert.Equal(t, 10*time.Second, rej.RetryAfter)
	assert.Zero(t, countRows(t, f.db, &model.PageAnswer{}))
	limiter.AssertExpectations(t)
}

func TestSubmit_LimiterFailureLetsRequestThrough(t *testing.T) {
	limiter := new(MockLimiter)
	f := newPipelineFixture(t, nil, limiter)
	limiter.On("Allow", mock.Anything, mock.Anything).Return(false, errors.New("connection refused"))

	out, err := f.pipeline.Submit(context.Background(), f.request(1, IntentNext, map[string]string{"name": "Alice"}))
	require.NoError(t, err)
	assert.Equal(t, StateAdvanced, out.State)
}

func TestSubmit_CacheDownFallsBackToDatabase(t *testing.T) {
	down := errors.New("cache unavailable")
	c := new(MockCache)
	c.On("Get", mock.Anything, mock.Anything, mock.Anything).Return(false, down)
	c.On("Set", mock.Anything, mock.Anything, mock.Anything, mock.Anything).Return(down)
	c.On("Delete", mock.Anything, mock.Anything).Return(down)
	c.On("DeleteByPattern", mock.Anything, mock.Anything).Return(down)
	f := newPipelineFixture(t, c, nil)
	ctx := context.Background()

	_, err := f.pipeline.Submit(ctx, f.request(1, IntentNext, map[string]string{"name": "Alice"}))
	require.NoError(t, err)
	out, err := f.pipeline.Submit(ctx, f.request(2, IntentNext, map[string]string{"agree": "on"}))
	require.NoError(t, err)
	assert.Equal(t, StateFinalized, out.State)
	c.AssertCalled(t, "DeleteByPattern", mock.Anything, cache.FormPagesPattern(f.form.ID.String()))
}

func TestSubmit_CachesPagesUntilFinalized(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	f := newPipelineFixture(t, cache.NewRedisCache(rdb), nil)
	ctx := context.Background()

	pageKey := cache.FormPageKey(f.form.ID.String(), 1)
	participantKey := cache.ParticipantKey(f.participant.ID.String())

	_, err := f.pipeline.Submit(ctx, f.request(1, IntentNext, map[string]string{"name": "Alice"}))
	require.NoError(t, err)
	assert.True(t, mr.Exists(pageKey))
	assert.True(t, mr.Exists(participantKey))
	assert.Equal(t, 24*time.Hour, mr.TTL(pageKey))

	// A second pass reads page one from the cache.
	_, err = f.pipeline.Submit(ctx, f.request(1, IntentNext, map[string]string{"name": "Alicia"}))
	require.NoError(t, err)

	_, err = f.pipeline.Submit(ctx, f.request(2, IntentNext, map[string]string{"agree": "on"}))
	require.NoError(t, err)
	assert.False(t, mr.Exists(pageKey))
	assert.False(t, mr.Exists(cache.FormPageKey(f.form.ID.String(), 2)))
	assert.False(t, mr.Exists(participantKey))
}
