package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/OpenNSW/formflow/internal/cache"
	"github.com/OpenNSW/formflow/internal/form/model"
	"github.com/OpenNSW/formflow/internal/form/store"
	"github.com/OpenNSW/formflow/internal/form/validation"
)

const creator = "creator-1"

func newFormService(t *testing.T, c cache.Cache, files FileStore) (*FormService, *store.Store) {
	t.Helper()
	st, _ := newTestStore(t)
	pages := NewPageCache(st, c, time.Hour, time.Minute, nil)
	return NewFormService(st, pages, files, nil), st
}

func requireInputError(t *testing.T, err error) *InputError {
	t.Helper()
	var inErr *InputError
	require.True(t, errors.As(err, &inErr), "expected an input error, got %v", err)
	return inErr
}

func strPtr(s string) *string { return &s }

func TestCreateForm(t *testing.T) {
	svc, _ := newFormService(t, nil, nil)
	ctx := context.Background()

	form, err := svc.CreateForm(ctx, creator, CreateFormRequest{Title: "  Event signup ", Description: "Yearly meetup"})
	require.NoError(t, err)
	assert.Equal(t, "Event signup", form.Title)
	assert.Equal(t, model.ThemeLight, form.Theme)
	assert.False(t, form.IsPublished())
	assert.Equal(t, defaultFinalTitle, form.FinalTitle)

	got, err := svc.GetForm(ctx, creator, form.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.PagesTotal)
	require.Len(t, got.Pages, 1)
	assert.Equal(t, 1, got.Pages[0].PageNumber)
}

func TestCreateForm_InvalidRequest(t *testing.T) {
	svc, _ := newFormService(t, nil, nil)

	_, err := svc.CreateForm(context.Background(), creator, CreateFormRequest{
		Title:       strings.Repeat("x", 51),
		Description: strings.Repeat("y", 201),
	})
	inErr := requireInputError(t, err)
	ids := []string{}
	for _, fe := range inErr.Errors {
		ids = append(ids, fe.ID)
	}
	assert.ElementsMatch(t, []string{"title", "description"}, ids)

	_, err = svc.CreateForm(context.Background(), creator, CreateFormRequest{Title: "   "})
	inErr = requireInputError(t, err)
	assert.Equal(t, "title is required.", inErr.Errors[0].Message)
}

func TestForms_BelongToTheirCreator(t *testing.T) {
	svc, _ := newFormService(t, nil, nil)
	ctx := context.Background()
	form, err := svc.CreateForm(ctx, creator, CreateFormRequest{Title: "Mine"})
	require.NoError(t, err)

	_, err = svc.GetForm(ctx, "intruder", form.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	_, err = svc.UpdateForm(ctx, "intruder", form.ID, UpdateFormRequest{Title: strPtr("Theirs")})
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.ErrorIs(t, svc.DeleteForm(ctx, "intruder", form.ID), store.ErrNotFound)
	_, err = svc.Stats(ctx, "intruder", form.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestListForms(t *testing.T) {
	svc, _ := newFormService(t, nil, nil)
	ctx := context.Background()
	for _, title := range []string{"Alpha", "Beta", "Gamma"} {
		_, err := svc.CreateForm(ctx, creator, CreateFormRequest{Title: title})
		require.NoError(t, err)
	}

	take := 2
	forms, info, err := svc.ListForms(ctx, creator, ListFormsQuery{Take: &take})
	require.NoError(t, err)
	assert.Len(t, forms, 2)
	assert.EqualValues(t, 3, info.Total)
	assert.Equal(t, 2, info.TotalPages)
	assert.True(t, info.HasNextPage)

	forms, _, err = svc.ListForms(ctx, creator, ListFormsQuery{Search: "amm"})
	require.NoError(t, err)
	require.Len(t, forms, 1)
	assert.Equal(t, "Gamma", forms[0].Title)
}

func TestTogglePublish_Gate(t *testing.T) {
	svc, _ := newFormService(t, nil, nil)
	ctx := context.Background()
	form, err := svc.CreateForm(ctx, creator, CreateFormRequest{Title: "Survey"})
	require.NoError(t, err)
	got, err := svc.GetForm(ctx, creator, form.ID)
	require.NoError(t, err)
	pageID := got.Pages[0].ID

	_, err = svc.TogglePublish(ctx, creator, form.ID)
	assert.Equal(t, "Cannot publish a form with empty pages", requireInputError(t, err).Message)

	_, err = svc.UpdatePage(ctx, creator, form.ID, pageID, UpdatePageRequest{
		PageFields: json.RawMessage(`{"content":[{"type":"TextInputField","props":{"id":"a"}},{"type":"TextInputField","props":{"id":"a"}}]}`),
	})
	require.NoError(t, err)
	_, err = svc.TogglePublish(ctx, creator, form.ID)
	inErr := requireInputError(t, err)
	require.Len(t, inErr.Errors, 1)
	assert.Equal(t, pageID.String(), inErr.Errors[0].ID)
	assert.Contains(t, inErr.Errors[0].Message, `"a" is used more than once`)

	_, err = svc.UpdatePage(ctx, creator, form.ID, pageID, UpdatePageRequest{PageFields: json.RawMessage(namePageFields)})
	require.NoError(t, err)
	published, err := svc.TogglePublish(ctx, creator, form.ID)
	require.NoError(t, err)
	assert.True(t, published.IsPublished())

	withdrawn, err := svc.TogglePublish(ctx, creator, form.ID)
	require.NoError(t, err)
	assert.False(t, withdrawn.IsPublished())
}

func TestTogglePublish_NoPages(t *testing.T) {
	svc, _ := newFormService(t, nil, nil)
	ctx := context.Background()
	form, err := svc.CreateForm(ctx, creator, CreateFormRequest{Title: "Survey"})
	require.NoError(t, err)
	got, err := svc.GetForm(ctx, creator, form.ID)
	require.NoError(t, err)
	require.NoError(t, svc.DeletePage(ctx, creator, form.ID, got.Pages[0].ID))

	_, err = svc.TogglePublish(ctx, creator, form.ID)
	assert.Equal(t, "Cannot publish a form with no pages", requireInputError(t, err).Message)
}

func TestUpdatePage_PublishedFormRejectsBrokenSchema(t *testing.T) {
	svc, st := newFormService(t, nil, nil)
	ctx := context.Background()
	form := seedPublishedForm(t, st, creator, namePageFields)
	pageID := form.Pages[0].ID

	_, err := svc.UpdatePage(ctx, creator, form.ID, pageID, UpdatePageRequest{PageFields: json.RawMessage(`not json`)})
	requireInputError(t, err)

	_, err = svc.UpdatePage(ctx, creator, form.ID, pageID, UpdatePageRequest{
		PageFields: json.RawMessage(`{"content":[{"type":"SelectField","props":{"id":"size"}}]}`),
	})
	inErr := requireInputError(t, err)
	assert.Equal(t, "pageFields", inErr.Errors[0].ID)

	page, err := svc.UpdatePage(ctx, creator, form.ID, pageID, UpdatePageRequest{Title: strPtr("Contact")})
	require.NoError(t, err)
	assert.Equal(t, "Contact", page.Title)
	assert.JSONEq(t, namePageFields, string(page.PageFields))
}

func TestMutationsInvalidateCachedPages(t *testing.T) {
	c := new(MockCache)
	svc, st := newFormService(t, c, nil)
	ctx := context.Background()
	form := seedPublishedForm(t, st, creator, namePageFields)
	pattern := cache.FormPagesPattern(form.ID.String())
	c.On("DeleteByPattern", mock.Anything, pattern).Return(nil)
	c.On("Delete", mock.Anything, []string{cache.FormPageKey(form.ID.String(), 1)}).Return(nil)

	_, err := svc.UpdateTheme(ctx, creator, form.ID, UpdateThemeRequest{Theme: model.ThemeLight})
	require.NoError(t, err)
	_, err = svc.ToggleResubmissions(ctx, creator, form.ID)
	require.NoError(t, err)
	_, err = svc.UpdateFinalPage(ctx, creator, form.ID, UpdateFinalPageRequest{FinalTitle: "Done"})
	require.NoError(t, err)
	_, err = svc.UpdatePage(ctx, creator, form.ID, form.Pages[0].ID, UpdatePageRequest{Title: strPtr("Intro")})
	require.NoError(t, err)

	c.AssertNumberOfCalls(t, "DeleteByPattern", 3)
	c.AssertNumberOfCalls(t, "Delete", 1)

	got, err := svc.GetForm(ctx, creator, form.ID)
	require.NoError(t, err)
	assert.Equal(t, model.ThemeLight, got.Theme)
	assert.True(t, got.AllowResubmission)
	assert.Equal(t, "Done", got.FinalTitle)
}

func TestUpdateTheme_Invalid(t *testing.T) {
	svc, st := newFormService(t, nil, nil)
	form := seedPublishedForm(t, st, creator, namePageFields)

	_, err := svc.UpdateTheme(context.Background(), creator, form.ID, UpdateThemeRequest{Theme: "NEON"})
	inErr := requireInputError(t, err)
	assert.Equal(t, "theme", inErr.Errors[0].ID)
}

func TestDuplicateForm(t *testing.T) {
	svc, st := newFormService(t, nil, nil)
	form := seedPublishedForm(t, st, creator, namePageFields, agreePageFields)
	require.NoError(t, st.UpdateForm(context.Background(), form.ID, map[string]any{"title": strings.Repeat("t", 50)}))

	copied, err := svc.DuplicateForm(context.Background(), creator, form.ID)
	require.NoError(t, err)
	assert.Len(t, []rune(copied.Title), 50)
	assert.True(t, strings.HasPrefix(copied.Title, "Copy of "))
	assert.False(t, copied.IsPublished())
	assert.Equal(t, 2, copied.PagesTotal)
}

func TestDeletePage_Guards(t *testing.T) {
	svc, st := newFormService(t, nil, nil)
	ctx := context.Background()

	single := seedPublishedForm(t, st, creator, namePageFields)
	err := svc.DeletePage(ctx, creator, single.ID, single.Pages[0].ID)
	requireInputError(t, err)

	form := seedPublishedForm(t, st, creator, namePageFields, agreePageFields)
	p := mustParticipant(t, st, form.ID, "alice@example.com")
	_, err = st.Finalize(ctx, form.ID, p.ID, false)
	require.NoError(t, err)
	err = svc.DeletePage(ctx, creator, form.ID, form.Pages[0].ID)
	assert.ErrorIs(t, err, store.ErrHasSubmissions)
}

func TestDeleteForm_PurgesUploads(t *testing.T) {
	files := new(MockFileStore)
	svc, st := newFormService(t, nil, files)
	ctx := context.Background()
	form := seedPublishedForm(t, st, creator, namePageFields)
	files.On("DeleteByPrefix", mock.Anything, form.ID.String()+"-").Return(errors.New("bucket unavailable"))

	require.NoError(t, svc.DeleteForm(ctx, creator, form.ID))
	_, err := svc.GetForm(ctx, creator, form.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	files.AssertExpectations(t)
}

func TestSubmissionsAndStats(t *testing.T) {
	files := new(MockFileStore)
	svc, st := newFormService(t, nil, files)
	ctx := context.Background()
	form := seedPublishedForm(t, st, creator, namePageFields, filePageFields)

	alice := mustParticipant(t, st, form.ID, "alice@example.com")
	mustParticipant(t, st, form.ID, "bob@example.com")
	mustParticipant(t, st, form.ID, "carol@example.com")

	prefix := validation.FilePrefix(form.ID.String(), form.Pages[1].ID.String(), alice.ID.String(), "cv")
	for i, answers := range [][]model.FieldAnswer{
		{{FieldID: "name", Answer: "Alice", Type: "TEXTINPUTFIELD"}},
		{{FieldID: "cv", Answer: prefix, Type: "FILEFIELD"}, {FieldID: "agree", Answer: "false", Type: "CHECKBOXFIELD"}},
	} {
		page := form.Pages[i]
		_, err := st.UpsertPageAnswer(ctx, store.UpsertPageAnswerInput{
			FormID: form.ID, PageID: page.ID, ReferencePageID: page.ID, ParticipantID: alice.ID, FieldAnswers: answers,
		})
		require.NoError(t, err)
	}
	sub, err := st.Finalize(ctx, form.ID, alice.ID, false)
	require.NoError(t, err)
	files.On("URLsByPrefix", mock.Anything, prefix).Return([]string{"https://files.test/cv.pdf"}, nil)

	list, info, err := svc.ListSubmissions(ctx, creator, form.ID, nil, nil)
	require.NoError(t, err)
	assert.EqualValues(t, 1, info.Total)
	require.Len(t, list, 1)
	assert.Equal(t, "alice@example.com", list[0].Email)

	detail, err := svc.GetSubmission(ctx, creator, form.ID, sub.ID)
	require.NoError(t, err)
	require.Len(t, detail.Pages, 2)
	assert.Equal(t, 1, detail.Pages[0].PageNumber)
	assert.Equal(t, "Name", detail.Pages[0].Answers[0].Label)
	assert.Equal(t, "Alice", detail.Pages[0].Answers[0].Value)

	values := map[string]any{}
	for _, a := range detail.Pages[1].Answers {
		values[a.Label] = a.Value
	}
	assert.Equal(t, []string{"https://files.test/cv.pdf"}, values["CV"])
	assert.Equal(t, false, values["Agree"])

	_, err = svc.GetSubmission(ctx, creator, form.ID, uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)

	stats, err := svc.Stats(ctx, creator, form.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, stats.Participants)
	assert.EqualValues(t, 1, stats.Submissions)
	assert.Equal(t, 33.33, stats.ConversionRate)
}

func TestPreviewPage_DraftForm(t *testing.T) {
	svc, _ := newFormService(t, nil, nil)
	ctx := context.Background()
	form, err := svc.CreateForm(ctx, creator, CreateFormRequest{Title: "Draft"})
	require.NoError(t, err)

	view, err := svc.PreviewPage(ctx, creator, form.ID, 1)
	require.NoError(t, err)
	assert.Nil(t, view.ParticipantID)
	assert.Equal(t, "Draft", view.FormTitle)
	assert.True(t, view.IsFirst)
	assert.True(t, view.IsLast)
}
