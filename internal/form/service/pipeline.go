package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/OpenNSW/formflow/internal/form/flow"
	"github.com/OpenNSW/formflow/internal/form/model"
	"github.com/OpenNSW/formflow/internal/form/schema"
	"github.com/OpenNSW/formflow/internal/form/store"
	"github.com/OpenNSW/formflow/internal/form/validation"
	"github.com/OpenNSW/formflow/internal/ratelimit"
)

// State is a step of a page submission.
type State string

const (
	StateReceived     State = "RECEIVED"
	StateRateChecked  State = "RATE_CHECKED"
	StatePageResolved State = "PAGE_RESOLVED"
	StatePrevBranch   State = "PREV_BRANCH"
	StateSubmitBranch State = "SUBMIT_BRANCH"
	StateValidated    State = "VALIDATED"
	StatePersisted    State = "PERSISTED"
	StateAdvanced     State = "ADVANCED"
	StateFinalized    State = "FINALIZED"
	StateRejected     State = "REJECTED"
)

var transitions = map[State][]State{
	StateReceived:     {StateRateChecked},
	StateRateChecked:  {StatePageResolved},
	StatePageResolved: {StatePrevBranch, StateSubmitBranch},
	StateSubmitBranch: {StateValidated},
	StateValidated:    {StatePersisted},
	StatePersisted:    {StateAdvanced, StateFinalized},
}

// IsTerminal reports whether no further transition leaves s.
func (s State) IsTerminal() bool {
	switch s {
	case StatePrevBranch, StateAdvanced, StateFinalized, StateRejected:
		return true
	}
	return false
}

// canTransition checks the submission state table. Any non-terminal state may
// be rejected.
func canTransition(from, to State) bool {
	if from.IsTerminal() {
		return false
	}
	if to == StateRejected {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Intent string

const (
	IntentNext   Intent = "next"
	IntentPrev   Intent = "prev"
	IntentSubmit Intent = "submit"
)

// ParseIntent maps the submitted intent onto a known one. Anything but
// "prev" moves forward.
func ParseIntent(raw string) Intent {
	switch Intent(strings.ToLower(strings.TrimSpace(raw))) {
	case IntentPrev:
		return IntentPrev
	case IntentSubmit:
		return IntentSubmit
	default:
		return IntentNext
	}
}

// Reason classifies a rejected submission.
type Reason string

const (
	ReasonRateLimited        Reason = "rate_limited"
	ReasonAlreadySubmitted   Reason = "already_submitted"
	ReasonTooManyAttempts    Reason = "too_many_attempts"
	ReasonNoPreviousPage     Reason = "no_previous_page"
	ReasonUnknownParticipant Reason = "unknown_participant"
	ReasonFormUnavailable    Reason = "form_unavailable"
	ReasonStalePage          Reason = "stale_page"
	ReasonInvalidRequest     Reason = "invalid_request"
)

// Rejection is a user-facing refusal of a submission. It never carries
// internal error text.
type Rejection struct {
	Reason  Reason
	Message string
	// RetryAfter is set for rate limited requests.
	RetryAfter time.Duration
}

func (r *Rejection) Error() string {
	return fmt.Sprintf("submission rejected (%s): %s", r.Reason, r.Message)
}

func reject(reason Reason, message string) *Rejection {
	return &Rejection{Reason: reason, Message: message}
}

// SubmitPageRequest is one posted page of a form.
type SubmitPageRequest struct {
	FormID        uuid.UUID
	PageNumber    int
	PageID        uuid.UUID
	ParticipantID uuid.UUID
	Intent        Intent
	PageAnswerID  *uuid.UUID
	// Fields holds every posted value, including the hidden keys.
	Fields map[string]string
}

type OutcomeKind string

const (
	OutcomeRedirect OutcomeKind = "redirect"
	OutcomeInvalid  OutcomeKind = "invalid"
)

// Outcome is the result of a submission that was not rejected.
type Outcome struct {
	Kind  OutcomeKind
	State State
	// Location is the redirect target of OutcomeRedirect.
	Location     string
	PageAnswerID *uuid.UUID
	SubmissionID *uuid.UUID
	// Errors lists the failing fields of OutcomeInvalid.
	Errors []validation.FieldError
}

// PipelineConfig holds the submission policy.
type PipelineConfig struct {
	PublicURL        string
	MaxPageAttempts  int
	RateLimitWindow  time.Duration
	FileCheckTimeout time.Duration
}

// SubmissionPipeline drives a posted page through rate limiting, guards,
// validation and persistence, then advances the participant or finalizes the
// form.
type SubmissionPipeline struct {
	store    *store.Store
	pages    *PageCache
	resolver *flow.Resolver
	limiter  ratelimit.Limiter
	files    validation.FileChecker
	links    Links
	cfg      PipelineConfig
	logger   *zap.Logger
}

func NewSubmissionPipeline(
	st *store.Store,
	pages *PageCache,
	limiter ratelimit.Limiter,
	files validation.FileChecker,
	cfg PipelineConfig,
	logger *zap.Logger,
) *SubmissionPipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.MaxPageAttempts <= 0 {
		cfg.MaxPageAttempts = 5
	}
	return &SubmissionPipeline{
		store:    st,
		pages:    pages,
		resolver: flow.NewResolver(pages),
		limiter:  limiter,
		files:    files,
		links:    NewLinks(cfg.PublicURL),
		cfg:      cfg,
		logger:   logger,
	}
}

// run tracks the state of one submission.
type run struct {
	state  State
	logger *zap.Logger
}

func (r *run) advance(to State) error {
	if !canTransition(r.state, to) {
		return fmt.Errorf("illegal submission transition %s -> %s", r.state, to)
	}
	r.logger.Debug("submission transition", zap.String("from", string(r.state)), zap.String("to", string(to)))
	r.state = to
	return nil
}

func (r *run) reject(rej *Rejection) error {
	if err := r.advance(StateRejected); err != nil {
		return err
	}
	r.logger.Info("submission rejected", zap.String("reason", string(rej.Reason)))
	return rej
}

// Submit processes one posted page. Refusals are returned as *Rejection;
// any other error is an internal failure.
func (p *SubmissionPipeline) Submit(ctx context.Context, req SubmitPageRequest) (*Outcome, error) {
	r := &run{
		state: StateReceived,
		logger: p.logger.With(
			zap.String("formId", req.FormID.String()),
			zap.Int("pageNumber", req.PageNumber),
			zap.String("participantId", req.ParticipantID.String()),
		),
	}

	if rej := p.checkRate(ctx, req.ParticipantID); rej != nil {
		return nil, r.reject(rej)
	}
	if err := r.advance(StateRateChecked); err != nil {
		return nil, err
	}

	participant, err := p.pages.Participant(ctx, req.ParticipantID)
	if isNotFound(err) || (err == nil && participant.FormID != req.FormID) {
		return nil, r.reject(reject(ReasonUnknownParticipant, "We could not find your progress on this form. Please start again."))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve participant: %w", err)
	}

	page, err := p.pages.FindPage(ctx, req.FormID, req.PageNumber)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve submitted page: %w", err)
	}
	if !page.Form.IsPublished() {
		return nil, r.reject(reject(ReasonFormUnavailable, "This form is not accepting responses."))
	}
	if req.PageID != uuid.Nil && req.PageID != page.ID {
		return nil, r.reject(reject(ReasonStalePage, "This form has changed. Please reload the page."))
	}
	if err := r.advance(StatePageResolved); err != nil {
		return nil, err
	}

	if req.Intent == IntentPrev {
		return p.previous(ctx, r, page, req.ParticipantID)
	}
	if err := r.advance(StateSubmitBranch); err != nil {
		return nil, err
	}

	if err := p.guard(ctx, r, page, req.ParticipantID); err != nil {
		return nil, err
	}

	result, fieldErrs, err := p.validate(ctx, page, req)
	if err != nil {
		return nil, err
	}
	if fieldErrs != nil {
		r.logger.Debug("submission failed validation", zap.Int("errors", len(fieldErrs)))
		return &Outcome{Kind: OutcomeInvalid, State: r.state, Errors: fieldErrs}, nil
	}
	if err := r.advance(StateValidated); err != nil {
		return nil, err
	}

	answer, err := p.store.UpsertPageAnswer(ctx, store.UpsertPageAnswerInput{
		PageAnswerID:    req.PageAnswerID,
		FormID:          req.FormID,
		PageID:          page.ID,
		ReferencePageID: page.ID,
		ParticipantID:   req.ParticipantID,
		FieldAnswers:    result.FieldAnswers(),
	})
	if errors.Is(err, store.ErrPageAnswerMismatch) {
		return nil, r.reject(reject(ReasonInvalidRequest, "This answer does not belong to you."))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to save page answer: %w", err)
	}
	if err := r.advance(StatePersisted); err != nil {
		return nil, err
	}

	if flow.IsTerminal(page) {
		return p.finalize(ctx, r, page, req.ParticipantID, answer.ID)
	}

	next, err := p.resolver.Next(ctx, req.FormID, page.PageNumber)
	if err != nil {
		return nil, err
	}
	if err := r.advance(StateAdvanced); err != nil {
		return nil, err
	}
	return &Outcome{
		Kind:         OutcomeRedirect,
		State:        r.state,
		Location:     p.links.Page(req.FormID, next.PageNumber, req.ParticipantID),
		PageAnswerID: &answer.ID,
	}, nil
}

// checkRate applies the per-participant limit. A failing limiter lets the
// request through.
func (p *SubmissionPipeline) checkRate(ctx context.Context, participantID uuid.UUID) *Rejection {
	if p.limiter == nil {
		return nil
	}
	allowed, err := p.limiter.Allow(ctx, participantID.String())
	if err != nil {
		p.logger.Warn("rate limiter unavailable", zap.Error(err))
		return nil
	}
	if allowed {
		return nil
	}
	rej := reject(ReasonRateLimited, "Too many requests. Please wait a moment and try again.")
	rej.RetryAfter = p.cfg.RateLimitWindow
	return rej
}

func (p *SubmissionPipeline) previous(ctx context.Context, r *run, page *model.Page, participantID uuid.UUID) (*Outcome, error) {
	prev, err := p.resolver.Previous(ctx, page.FormID, page.PageNumber)
	if errors.Is(err, flow.ErrNoPreviousPage) {
		return nil, r.reject(reject(ReasonNoPreviousPage, "There is no previous page."))
	}
	if err != nil {
		return nil, err
	}
	if err := r.advance(StatePrevBranch); err != nil {
		return nil, err
	}
	return &Outcome{
		Kind:     OutcomeRedirect,
		State:    r.state,
		Location: p.links.Page(page.FormID, prev.PageNumber, participantID),
	}, nil
}

// guard runs the duplicate-submission and attempt-ceiling checks side by side.
func (p *SubmissionPipeline) guard(ctx context.Context, r *run, page *model.Page, participantID uuid.UUID) error {
	var (
		submitted bool
		attempts  int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		if page.Form.AllowResubmission {
			return nil
		}
		_, err := p.store.FindSubmission(gctx, page.FormID, participantID)
		if isNotFound(err) {
			return nil
		}
		if err != nil {
			return err
		}
		submitted = true
		return nil
	})
	g.Go(func() error {
		n, err := p.store.CountPageAttempts(gctx, page.ID, participantID)
		if err != nil {
			return err
		}
		attempts = n
		return nil
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("failed to check submission guards: %w", err)
	}

	if submitted {
		return r.reject(reject(ReasonAlreadySubmitted, "You have already submitted this form."))
	}
	if attempts >= int64(p.cfg.MaxPageAttempts) {
		return r.reject(reject(ReasonTooManyAttempts, "Too many attempts on this page."))
	}
	return nil
}

// validate returns either the validated values or the failing fields. Schema
// problems are internal errors.
func (p *SubmissionPipeline) validate(ctx context.Context, page *model.Page, req SubmitPageRequest) (*validation.Result, []validation.FieldError, error) {
	sch, err := schema.Parse(page.PageFields)
	if err != nil {
		return nil, nil, fmt.Errorf("page %s: %w", page.ID, err)
	}

	v, err := validation.Build(sch, validation.Context{
		FormID:          page.FormID.String(),
		PageID:          page.ID.String(),
		ParticipantID:   req.ParticipantID.String(),
		ReferencePageID: page.ID.String(),
	}, p.files, validation.WithFileCheckTimeout(p.cfg.FileCheckTimeout), validation.WithLogger(p.logger))
	if err != nil {
		return nil, nil, fmt.Errorf("page %s: %w", page.ID, err)
	}

	result, err := v.Validate(ctx, req.Fields)
	var verr *validation.ValidationError
	if errors.As(err, &verr) {
		return nil, verr.Errors, nil
	}
	if err != nil {
		return nil, nil, err
	}
	return result, nil, nil
}

func (p *SubmissionPipeline) finalize(ctx context.Context, r *run, page *model.Page, participantID, answerID uuid.UUID) (*Outcome, error) {
	sub, err := p.store.Finalize(ctx, page.FormID, participantID, page.Form.AllowResubmission)
	if errors.Is(err, store.ErrAlreadySubmitted) {
		return nil, r.reject(reject(ReasonAlreadySubmitted, "You have already submitted this form."))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to finalize submission: %w", err)
	}

	p.pages.InvalidateForm(ctx, page.FormID)
	p.pages.InvalidateParticipant(ctx, participantID)

	if err := r.advance(StateFinalized); err != nil {
		return nil, err
	}
	r.logger.Info("form submitted", zap.String("submissionId", sub.ID.String()), zap.Int("sequence", sub.Sequence))
	return &Outcome{
		Kind:         OutcomeRedirect,
		State:        r.state,
		Location:     p.links.ThankYou(sub.ID),
		PageAnswerID: &answerID,
		SubmissionID: &sub.ID,
	}, nil
}
