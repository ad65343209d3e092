package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/OpenNSW/formflow/internal/form/flow"
	"github.com/OpenNSW/formflow/internal/form/model"
	"github.com/OpenNSW/formflow/internal/form/schema"
	"github.com/OpenNSW/formflow/internal/form/store"
	"github.com/OpenNSW/formflow/internal/form/validation"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// EntryResult tells a participant where to continue a form.
type EntryResult struct {
	ParticipantID uuid.UUID `json:"participantId"`
	PageNumber    int       `json:"pageNumber"`
	Location      string    `json:"location"`
	Created       bool      `json:"created"`
}

// PageView is everything needed to render one page for a participant.
type PageView struct {
	FormID        uuid.UUID       `json:"formId"`
	FormTitle     string          `json:"formTitle"`
	Theme         model.Theme     `json:"theme"`
	PagesTotal    int             `json:"pagesTotal"`
	PageID        uuid.UUID       `json:"pageId"`
	PageNumber    int             `json:"pageNumber"`
	Title         string          `json:"title"`
	PageFields    json.RawMessage `json:"pageFields"`
	ParticipantID *uuid.UUID      `json:"participantId,omitempty"`
	PageAnswerID  *uuid.UUID      `json:"pageAnswerId"`
	Answers       map[string]any  `json:"answers"`
	IsFirst       bool            `json:"isFirst"`
	IsLast        bool            `json:"isLast"`
}

// ThankYou is the content of the page shown after a submission.
type ThankYou struct {
	SubmissionID     uuid.UUID   `json:"submissionId"`
	FinalTitle       string      `json:"finalTitle"`
	FinalDescription string      `json:"finalDescription"`
	Theme            model.Theme `json:"theme"`
}

// ParticipantService serves the public side of a form: entry, page rendering
// and the thank-you page.
type ParticipantService struct {
	store  *store.Store
	pages  *PageCache
	files  FileStore
	links  Links
	logger *zap.Logger
}

func NewParticipantService(st *store.Store, pages *PageCache, files FileStore, links Links, logger *zap.Logger) *ParticipantService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ParticipantService{store: st, pages: pages, files: files, links: links, logger: logger}
}

// Enter registers an email on a published form, or finds the participant
// already registered with it, and picks the page to continue on.
func (s *ParticipantService) Enter(ctx context.Context, formID uuid.UUID, email string) (*EntryResult, error) {
	email = strings.TrimSpace(email)
	if validate.Var(email, "required,email") != nil {
		return nil, &validation.ValidationError{Errors: []validation.FieldError{
			{ID: "email", Message: "Please enter a valid email address."},
		}}
	}

	form, err := s.store.GetForm(ctx, formID)
	if isNotFound(err) {
		return nil, reject(ReasonFormUnavailable, "This form does not exist.")
	}
	if err != nil {
		return nil, err
	}
	if !form.IsPublished() || form.PagesTotal == 0 {
		return nil, reject(ReasonFormUnavailable, "This form is not accepting responses.")
	}

	participant, created, err := s.store.FindOrCreateParticipant(ctx, formID, email)
	if err != nil {
		return nil, err
	}

	pageNumber := 1
	switch {
	case participant.CompletedAt != nil && !form.AllowResubmission:
		return nil, reject(ReasonAlreadySubmitted, "You have already submitted this form.")
	case participant.CompletedAt == nil:
		last, err := s.store.LastAnsweredPage(ctx, formID, participant.ID)
		if err != nil {
			return nil, err
		}
		pageNumber = min(last+1, form.PagesTotal)
	}

	if created {
		s.logger.Info("participant joined form",
			zap.String("formId", formID.String()),
			zap.String("participantId", participant.ID.String()),
		)
	}
	return &EntryResult{
		ParticipantID: participant.ID,
		PageNumber:    pageNumber,
		Location:      s.links.Page(formID, pageNumber, participant.ID),
		Created:       created,
	}, nil
}

// ViewPage loads page pageNumber for a participant together with the answers
// they gave on it before.
func (s *ParticipantService) ViewPage(ctx context.Context, formID uuid.UUID, pageNumber int, participantID uuid.UUID) (*PageView, error) {
	participant, err := s.pages.Participant(ctx, participantID)
	if isNotFound(err) || (err == nil && participant.FormID != formID) {
		return nil, reject(ReasonUnknownParticipant, "We could not find your progress on this form. Please start again.")
	}
	if err != nil {
		return nil, err
	}

	page, err := s.pages.FindPage(ctx, formID, pageNumber)
	if err != nil {
		return nil, err
	}
	if !page.Form.IsPublished() {
		return nil, reject(ReasonFormUnavailable, "This form is not accepting responses.")
	}
	if participant.CompletedAt != nil && !page.Form.AllowResubmission {
		return nil, reject(ReasonAlreadySubmitted, "You have already submitted this form.")
	}

	view := newPageView(page)
	view.ParticipantID = &participant.ID

	answer, err := s.store.LatestPageAnswer(ctx, page.ID, participant.ID)
	switch {
	case err == nil:
		view.PageAnswerID = &answer.ID
		view.Answers = decodeAnswers(ctx, s.files, s.logger, answer.FieldAnswers)
	case !isNotFound(err):
		return nil, err
	}
	return view, nil
}

// ThankYou returns the final page of the form a submission belongs to.
func (s *ParticipantService) ThankYou(ctx context.Context, submissionID uuid.UUID) (*ThankYou, error) {
	sub, err := s.store.GetSubmissionByID(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	form, err := s.store.GetForm(ctx, sub.FormID)
	if err != nil {
		return nil, err
	}
	return &ThankYou{
		SubmissionID:     sub.ID,
		FinalTitle:       form.FinalTitle,
		FinalDescription: form.FinalDescription,
		Theme:            form.Theme,
	}, nil
}

func newPageView(page *model.Page) *PageView {
	view := &PageView{
		FormID:     page.FormID,
		PageID:     page.ID,
		PageNumber: page.PageNumber,
		Title:      page.Title,
		Answers:    map[string]any{},
		IsFirst:    page.PageNumber == 1,
		IsLast:     flow.IsTerminal(page),
	}
	if page.HasFields() {
		view.PageFields = json.RawMessage(page.PageFields)
	}
	if page.Form != nil {
		view.FormTitle = page.Form.Title
		view.Theme = page.Form.Theme
		view.PagesTotal = page.Form.PagesTotal
	}
	return view
}

// decodeAnswers turns stored field answers back into render values: booleans
// for checkboxes, download URLs for files and strings otherwise.
func decodeAnswers(ctx context.Context, files FileStore, logger *zap.Logger, answers []model.FieldAnswer) map[string]any {
	decoded := make(map[string]any, len(answers))
	for _, fa := range answers {
		switch fa.Type {
		case schema.CheckboxField.Code():
			decoded[fa.FieldID] = fa.Answer == "true"
		case schema.FileField.Code():
			decoded[fa.FieldID] = fileURLs(ctx, files, logger, fa.Answer)
		default:
			decoded[fa.FieldID] = fa.Answer
		}
	}
	return decoded
}

func fileURLs(ctx context.Context, files FileStore, logger *zap.Logger, prefix string) []string {
	urls := []string{}
	if files == nil || prefix == "" {
		return urls
	}
	found, err := files.URLsByPrefix(ctx, prefix)
	if err != nil {
		logger.Warn("failed to list uploaded files", zap.String("prefix", prefix), zap.Error(err))
		return urls
	}
	return append(urls, found...)
}

// IsRejection reports whether err is a user-facing refusal and returns it.
func IsRejection(err error) (*Rejection, bool) {
	var rej *Rejection
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}
