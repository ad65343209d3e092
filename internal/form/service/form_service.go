package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"github.com/OpenNSW/formflow/internal/form/model"
	"github.com/OpenNSW/formflow/internal/form/schema"
	"github.com/OpenNSW/formflow/internal/form/store"
	"github.com/OpenNSW/formflow/internal/form/validation"
	"github.com/OpenNSW/formflow/utils"
)

const (
	defaultFinalTitle       = "Thank you!"
	defaultFinalDescription = "Your response has been recorded."
	maxTitleLength          = 50
)

// InputError is a creator request that cannot be applied as sent. Its
// message is safe to show.
type InputError struct {
	Message string
	Errors  []validation.FieldError
}

func (e *InputError) Error() string {
	return e.Message
}

func inputError(message string) *InputError {
	return &InputError{Message: message, Errors: []validation.FieldError{}}
}

type CreateFormRequest struct {
	Title       string `json:"title" validate:"required,max=50"`
	Description string `json:"description" validate:"max=200"`
}

type UpdateFormRequest struct {
	Title       *string `json:"title" validate:"omitnil,min=1,max=50"`
	Description *string `json:"description" validate:"omitnil,max=200"`
}

type UpdateThemeRequest struct {
	Theme model.Theme `json:"theme" validate:"required,oneof=LIGHT DARK"`
}

type UpdateFinalPageRequest struct {
	FinalTitle       string `json:"finalTitle" validate:"required,max=100"`
	FinalDescription string `json:"finalDescription" validate:"max=1000"`
}

type UpdatePageRequest struct {
	Title      *string         `json:"title" validate:"omitnil,min=1,max=100"`
	PageFields json.RawMessage `json:"pageFields"`
}

type ListFormsQuery struct {
	Page   *int   `form:"page"`
	Take   *int   `form:"take"`
	Search string `form:"search"`
}

// FormSummary is a form in the creator's listing.
type FormSummary struct {
	ID                uuid.UUID   `json:"id"`
	Title             string      `json:"title"`
	Description       string      `json:"description"`
	Theme             model.Theme `json:"theme"`
	Published         bool        `json:"published"`
	AllowResubmission bool        `json:"allowResubmission"`
	PagesTotal        int         `json:"pagesTotal"`
	CreatedAt         time.Time   `json:"createdAt"`
	UpdatedAt         time.Time   `json:"updatedAt"`
}

type SubmissionSummary struct {
	ID        uuid.UUID `json:"id"`
	Sequence  int       `json:"sequence"`
	Email     string    `json:"email"`
	CreatedAt time.Time `json:"createdAt"`
}

type AnswerView struct {
	FieldID string `json:"fieldId"`
	Label   string `json:"label"`
	Type    string `json:"type"`
	Value   any    `json:"value"`
}

type SubmissionPage struct {
	PageID     uuid.UUID    `json:"pageId"`
	PageNumber int          `json:"pageNumber"`
	Title      string       `json:"title"`
	Answers    []AnswerView `json:"answers"`
}

// SubmissionDetail is one submission with its answers in page order.
type SubmissionDetail struct {
	SubmissionSummary
	Pages []SubmissionPage `json:"pages"`
}

type FormStats struct {
	Participants int64 `json:"participants"`
	Submissions  int64 `json:"submissions"`
	// ConversionRate is the percentage of participants who submitted.
	ConversionRate float64 `json:"conversionRate"`
}

// FormService implements the creator side: form and page management and
// access to collected submissions.
type FormService struct {
	store  *store.Store
	pages  *PageCache
	files  FileStore
	logger *zap.Logger
}

func NewFormService(st *store.Store, pages *PageCache, files FileStore, logger *zap.Logger) *FormService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FormService{store: st, pages: pages, files: files, logger: logger}
}

// CreateForm creates a draft form with one empty page.
func (s *FormService) CreateForm(ctx context.Context, creatorID string, req CreateFormRequest) (*model.Form, error) {
	req.Title = strings.TrimSpace(req.Title)
	if err := checkRequest(req); err != nil {
		return nil, err
	}

	form := &model.Form{
		CreatorID:        creatorID,
		Title:            req.Title,
		Description:      strings.TrimSpace(req.Description),
		Theme:            model.ThemeLight,
		PagesTotal:       1,
		FinalTitle:       defaultFinalTitle,
		FinalDescription: defaultFinalDescription,
		Pages:            []model.Page{{PageNumber: 1, Title: "Page 1"}},
	}
	if err := s.store.CreateForm(ctx, form); err != nil {
		return nil, err
	}
	s.logger.Info("form created", zap.String("formId", form.ID.String()), zap.String("creatorId", creatorID))
	return form, nil
}

func (s *FormService) ListForms(ctx context.Context, creatorID string, q ListFormsQuery) ([]FormSummary, utils.PageInfo, error) {
	offset, limit := utils.GetPaginationParams(q.Page, q.Take)
	forms, total, err := s.store.ListForms(ctx, store.FormFilter{
		CreatorID: creatorID,
		Search:    q.Search,
		Offset:    offset,
		Limit:     limit,
	})
	if err != nil {
		return nil, utils.PageInfo{}, err
	}

	summaries := make([]FormSummary, 0, len(forms))
	for _, f := range forms {
		summaries = append(summaries, FormSummary{
			ID:                f.ID,
			Title:             f.Title,
			Description:       f.Description,
			Theme:             f.Theme,
			Published:         f.IsPublished(),
			AllowResubmission: f.AllowResubmission,
			PagesTotal:        f.PagesTotal,
			CreatedAt:         f.CreatedAt,
			UpdatedAt:         f.UpdatedAt,
		})
	}
	return summaries, utils.NewPageInfo(total, offset, limit), nil
}

// GetForm returns a creator's form with its pages. Forms of other creators
// are reported as store.ErrNotFound.
func (s *FormService) GetForm(ctx context.Context, creatorID string, formID uuid.UUID) (*model.Form, error) {
	return s.store.GetCreatorForm(ctx, formID, creatorID)
}

func (s *FormService) UpdateForm(ctx context.Context, creatorID string, formID uuid.UUID, req UpdateFormRequest) (*model.Form, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}
	updates := map[string]any{}
	if req.Title != nil {
		updates["title"] = strings.TrimSpace(*req.Title)
	}
	if req.Description != nil {
		updates["description"] = strings.TrimSpace(*req.Description)
	}
	return s.update(ctx, creatorID, formID, updates)
}

func (s *FormService) UpdateTheme(ctx context.Context, creatorID string, formID uuid.UUID, req UpdateThemeRequest) (*model.Form, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}
	return s.update(ctx, creatorID, formID, map[string]any{"theme": req.Theme})
}

func (s *FormService) UpdateFinalPage(ctx context.Context, creatorID string, formID uuid.UUID, req UpdateFinalPageRequest) (*model.Form, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}
	return s.update(ctx, creatorID, formID, map[string]any{
		"final_title":       strings.TrimSpace(req.FinalTitle),
		"final_description": strings.TrimSpace(req.FinalDescription),
	})
}

// TogglePublish publishes a draft or withdraws a published form. A form is
// only published when every page holds a usable schema.
func (s *FormService) TogglePublish(ctx context.Context, creatorID string, formID uuid.UUID) (*model.Form, error) {
	form, err := s.store.GetCreatorForm(ctx, formID, creatorID)
	if err != nil {
		return nil, err
	}
	if form.IsPublished() {
		return s.update(ctx, creatorID, formID, map[string]any{"published_at": nil})
	}
	if err := checkPublishable(form); err != nil {
		return nil, err
	}
	return s.update(ctx, creatorID, formID, map[string]any{"published_at": time.Now().UTC()})
}

func (s *FormService) ToggleResubmissions(ctx context.Context, creatorID string, formID uuid.UUID) (*model.Form, error) {
	form, err := s.store.GetCreatorForm(ctx, formID, creatorID)
	if err != nil {
		return nil, err
	}
	return s.update(ctx, creatorID, formID, map[string]any{"allow_resubmission": !form.AllowResubmission})
}

// DeleteForm removes a form with its collected answers and uploads.
func (s *FormService) DeleteForm(ctx context.Context, creatorID string, formID uuid.UUID) error {
	if _, err := s.store.GetCreatorForm(ctx, formID, creatorID); err != nil {
		return err
	}
	if err := s.store.DeleteForm(ctx, formID); err != nil {
		return err
	}
	s.pages.InvalidateForm(ctx, formID)

	if s.files != nil {
		if err := s.files.DeleteByPrefix(ctx, formID.String()+"-"); err != nil {
			s.logger.Warn("failed to delete uploads of form", zap.String("formId", formID.String()), zap.Error(err))
		}
	}
	s.logger.Info("form deleted", zap.String("formId", formID.String()), zap.String("creatorId", creatorID))
	return nil
}

// DuplicateForm copies a form and its pages into a new draft.
func (s *FormService) DuplicateForm(ctx context.Context, creatorID string, formID uuid.UUID) (*model.Form, error) {
	src, err := s.store.GetCreatorForm(ctx, formID, creatorID)
	if err != nil {
		return nil, err
	}
	title := "Copy of " + src.Title
	if runes := []rune(title); len(runes) > maxTitleLength {
		title = string(runes[:maxTitleLength])
	}
	return s.store.DuplicateForm(ctx, src, title)
}

func (s *FormService) AddPage(ctx context.Context, creatorID string, formID uuid.UUID) (*model.Page, error) {
	if _, err := s.store.GetCreatorForm(ctx, formID, creatorID); err != nil {
		return nil, err
	}
	page, err := s.store.AddPage(ctx, formID)
	if err != nil {
		return nil, err
	}
	s.pages.InvalidateForm(ctx, formID)
	return page, nil
}

// UpdatePage changes a page's title or schema. Schemas must decode, and on a
// published form they must also pass the publish checks.
func (s *FormService) UpdatePage(ctx context.Context, creatorID string, formID, pageID uuid.UUID, req UpdatePageRequest) (*model.Page, error) {
	if err := checkRequest(req); err != nil {
		return nil, err
	}
	form, err := s.store.GetCreatorForm(ctx, formID, creatorID)
	if err != nil {
		return nil, err
	}

	updates := map[string]any{}
	if req.Title != nil {
		updates["title"] = strings.TrimSpace(*req.Title)
	}
	if len(req.PageFields) > 0 {
		sch, err := schema.Parse(req.PageFields)
		if err != nil {
			return nil, inputError("Page fields are not a valid page document.")
		}
		if form.IsPublished() {
			if len(sch.Content) == 0 {
				return nil, inputError("Cannot publish a form with empty pages")
			}
			if err := sch.Check(); err != nil {
				return nil, configInputError(err)
			}
		}
		updates["page_fields"] = datatypes.JSON(req.PageFields)
	}
	if len(updates) == 0 {
		return s.store.GetPage(ctx, formID, pageID)
	}

	page, err := s.store.UpdatePage(ctx, formID, pageID, updates)
	if err != nil {
		return nil, err
	}
	s.pages.InvalidatePage(ctx, formID, page.PageNumber)
	return page, nil
}

// DeletePage removes a page and renumbers the pages after it.
func (s *FormService) DeletePage(ctx context.Context, creatorID string, formID, pageID uuid.UUID) error {
	form, err := s.store.GetCreatorForm(ctx, formID, creatorID)
	if err != nil {
		return err
	}
	if form.IsPublished() && form.PagesTotal <= 1 {
		return inputError("Cannot delete the only page of a published form")
	}

	if _, err := s.store.DeletePage(ctx, formID, pageID); err != nil {
		return err
	}
	s.pages.InvalidateForm(ctx, formID)
	return nil
}

// PreviewPage renders a page of the creator's own form, published or not.
func (s *FormService) PreviewPage(ctx context.Context, creatorID string, formID uuid.UUID, pageNumber int) (*PageView, error) {
	if _, err := s.store.GetCreatorForm(ctx, formID, creatorID); err != nil {
		return nil, err
	}
	page, err := s.store.FindPage(ctx, formID, pageNumber)
	if err != nil {
		return nil, err
	}
	return newPageView(page), nil
}

func (s *FormService) ListSubmissions(ctx context.Context, creatorID string, formID uuid.UUID, page, take *int) ([]SubmissionSummary, utils.PageInfo, error) {
	if _, err := s.store.GetCreatorForm(ctx, formID, creatorID); err != nil {
		return nil, utils.PageInfo{}, err
	}
	offset, limit := utils.GetPaginationParams(page, take)
	subs, total, err := s.store.ListSubmissions(ctx, formID, offset, limit)
	if err != nil {
		return nil, utils.PageInfo{}, err
	}

	summaries := make([]SubmissionSummary, 0, len(subs))
	for _, sub := range subs {
		summaries = append(summaries, summarize(sub))
	}
	return summaries, utils.NewPageInfo(total, offset, limit), nil
}

// GetSubmission returns a submission with labelled answers. File answers are
// resolved to download URLs.
func (s *FormService) GetSubmission(ctx context.Context, creatorID string, formID, submissionID uuid.UUID) (*SubmissionDetail, error) {
	if _, err := s.store.GetCreatorForm(ctx, formID, creatorID); err != nil {
		return nil, err
	}
	sub, err := s.store.GetSubmission(ctx, formID, submissionID)
	if err != nil {
		return nil, err
	}

	detail := &SubmissionDetail{SubmissionSummary: summarize(*sub), Pages: []SubmissionPage{}}
	for _, pa := range sub.PageAnswers {
		detail.Pages = append(detail.Pages, s.submissionPage(ctx, pa))
	}
	sort.Slice(detail.Pages, func(i, j int) bool {
		return detail.Pages[i].PageNumber < detail.Pages[j].PageNumber
	})
	return detail, nil
}

func (s *FormService) Stats(ctx context.Context, creatorID string, formID uuid.UUID) (*FormStats, error) {
	if _, err := s.store.GetCreatorForm(ctx, formID, creatorID); err != nil {
		return nil, err
	}
	participants, err := s.store.CountParticipants(ctx, formID)
	if err != nil {
		return nil, err
	}
	submissions, err := s.store.CountSubmissions(ctx, formID)
	if err != nil {
		return nil, err
	}

	stats := &FormStats{Participants: participants, Submissions: submissions}
	if participants > 0 {
		stats.ConversionRate = math.Round(float64(submissions)/float64(participants)*10000) / 100
	}
	return stats, nil
}

func (s *FormService) update(ctx context.Context, creatorID string, formID uuid.UUID, updates map[string]any) (*model.Form, error) {
	if _, err := s.store.GetCreatorForm(ctx, formID, creatorID); err != nil {
		return nil, err
	}
	if len(updates) > 0 {
		if err := s.store.UpdateForm(ctx, formID, updates); err != nil {
			return nil, err
		}
		s.pages.InvalidateForm(ctx, formID)
	}
	return s.store.GetCreatorForm(ctx, formID, creatorID)
}

func (s *FormService) submissionPage(ctx context.Context, pa model.PageAnswer) SubmissionPage {
	sp := SubmissionPage{PageID: pa.PageID, Answers: []AnswerView{}}

	var sch *schema.Schema
	if pa.Page != nil {
		sp.PageNumber = pa.Page.PageNumber
		sp.Title = pa.Page.Title
		if parsed, err := schema.Parse(pa.Page.PageFields); err == nil {
			sch = parsed
		}
	}

	values := decodeAnswers(ctx, s.files, s.logger, pa.FieldAnswers)
	for _, fa := range pa.FieldAnswers {
		label := fa.FieldID
		if sch != nil {
			if block, ok := sch.Find(fa.FieldID); ok {
				label = block.DisplayName()
			}
		}
		sp.Answers = append(sp.Answers, AnswerView{
			FieldID: fa.FieldID,
			Label:   label,
			Type:    fa.Type,
			Value:   values[fa.FieldID],
		})
	}
	return sp
}

func summarize(sub model.FormSubmission) SubmissionSummary {
	summary := SubmissionSummary{ID: sub.ID, Sequence: sub.Sequence, CreatedAt: sub.CreatedAt}
	if sub.Participant != nil {
		summary.Email = sub.Participant.Email
	}
	return summary
}

// checkPublishable is the gate a form passes before it accepts responses.
func checkPublishable(form *model.Form) error {
	if len(form.Pages) == 0 {
		return inputError("Cannot publish a form with no pages")
	}

	var fieldErrs []validation.FieldError
	for _, page := range form.Pages {
		sch, err := schema.Parse(page.PageFields)
		if err != nil || len(sch.Content) == 0 {
			return inputError("Cannot publish a form with empty pages")
		}
		var cfgErr *schema.ConfigError
		if err := sch.Check(); errors.As(err, &cfgErr) {
			for _, problem := range cfgErr.Problems {
				fieldErrs = append(fieldErrs, validation.FieldError{
					ID:      page.ID.String(),
					Message: fmt.Sprintf("Page %d: %s", page.PageNumber, problem),
				})
			}
		}
	}
	if len(fieldErrs) > 0 {
		return &InputError{Message: "Some pages are not configured correctly", Errors: fieldErrs}
	}
	return nil
}

func configInputError(err error) error {
	var cfgErr *schema.ConfigError
	if !errors.As(err, &cfgErr) {
		return err
	}
	fieldErrs := make([]validation.FieldError, 0, len(cfgErr.Problems))
	for _, problem := range cfgErr.Problems {
		fieldErrs = append(fieldErrs, validation.FieldError{ID: "pageFields", Message: problem})
	}
	return &InputError{Message: "Page fields are not configured correctly", Errors: fieldErrs}
}

// checkRequest runs the validate tags of a request struct and reports
// failures as an *InputError keyed by JSON field name.
func checkRequest(req any) error {
	err := validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}

	fieldErrs := make([]validation.FieldError, 0, len(verrs))
	for _, fe := range verrs {
		id := jsonName(fe.Field())
		fieldErrs = append(fieldErrs, validation.FieldError{ID: id, Message: fieldMessage(id, fe)})
	}
	return &InputError{Message: "Invalid request", Errors: fieldErrs}
}

func jsonName(field string) string {
	if field == "" {
		return field
	}
	return strings.ToLower(field[:1]) + field[1:]
}

func fieldMessage(id string, fe validator.FieldError) string {
	switch fe.Tag() {
	case "required", "min":
		return id + " is required."
	case "max":
		return fmt.Sprintf("%s must be at most %s characters long.", id, fe.Param())
	case "oneof":
		return fmt.Sprintf("%s must be one of: %s.", id, fe.Param())
	default:
		return id + " is invalid."
	}
}
