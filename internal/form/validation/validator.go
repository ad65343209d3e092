// Package validation builds runtime validators from page schemas and applies
// them to untyped, form-encoded submissions.
package validation

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"

	"github.com/OpenNSW/formflow/internal/form/model"
	"github.com/OpenNSW/formflow/internal/form/schema"
)

const defaultFileCheckTimeout = 3 * time.Second

// Keys every submission carries next to the declared fields.
const (
	KeyFormID        = "formId"
	KeyPageID        = "pageId"
	KeyParticipantID = "participantId"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// FileChecker answers whether object storage holds uploads under a key prefix.
type FileChecker interface {
	HasFiles(ctx context.Context, prefix string) (bool, error)
}

// Context identifies the submission a validator is built for.
type Context struct {
	FormID          string
	PageID          string
	ParticipantID   string
	ReferencePageID string
}

// FilePrefix is the deterministic storage prefix of one participant's uploads
// for a file field.
func FilePrefix(formID, referencePageID, participantID, fieldID string) string {
	return strings.Join([]string{formID, referencePageID, participantID, fieldID}, "-") + "-"
}

// FieldError points a message at one field.
type FieldError struct {
	ID      string `json:"id"`
	Message string `json:"message"`
}

// ValidationError is returned when a submission does not satisfy its page schema.
type ValidationError struct {
	Errors []FieldError
}

func (e *ValidationError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, fe := range e.Errors {
		msgs = append(msgs, fe.ID+": "+fe.Message)
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

type options struct {
	fileCheckTimeout time.Duration
	logger           *zap.Logger
}

type Option func(*options)

// WithFileCheckTimeout bounds each storage lookup of a required file field.
func WithFileCheckTimeout(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.fileCheckTimeout = d
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.logger = logger
		}
	}
}

// Validator validates submissions of one page.
type Validator struct {
	rules []Rule
}

// Build derives a validator from a page schema. It returns a *schema.ConfigError
// when the schema itself is unusable.
func Build(s *schema.Schema, vctx Context, files FileChecker, opts ...Option) (*Validator, error) {
	o := &options{fileCheckTimeout: defaultFileCheckTimeout, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(o)
	}

	if err := s.Check(); err != nil {
		return nil, err
	}

	blocks := s.Blocks()
	rules := make([]Rule, 0, len(blocks))
	for _, b := range blocks {
		rule, err := ruleFor(b, vctx, files, o)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return &Validator{rules: rules}, nil
}

func ruleFor(b schema.Block, vctx Context, files FileChecker, o *options) (Rule, error) {
	switch b.Type {
	case schema.TextInputField:
		return &textRule{block: b, maxLength: textInputMaxLength}, nil
	case schema.TextareaField:
		return &textRule{block: b, maxLength: textareaMaxLength}, nil
	case schema.SelectField, schema.RadioGroupField:
		if len(b.Props.Options) == 0 {
			return nil, &schema.ConfigError{Problems: []string{fmt.Sprintf("%s %q has no options", b.Type, b.DisplayName())}}
		}
		return &choiceRule{block: b}, nil
	case schema.CheckboxField:
		return &checkboxRule{block: b}, nil
	case schema.FileField:
		if b.Props.Required && files == nil {
			return nil, &schema.ConfigError{Problems: []string{fmt.Sprintf("file field %q needs a storage lookup", b.DisplayName())}}
		}
		prefix := FilePrefix(vctx.FormID, vctx.ReferencePageID, vctx.ParticipantID, b.Props.ID)
		return &fileRule{block: b, prefix: prefix, files: files, opts: o}, nil
	case schema.ButtonBlock, schema.HeadingBlock, schema.DescriptionBlock, schema.TwoColumnLayout:
		return &displayRule{block: b}, nil
	default:
		return nil, &schema.ConfigError{Problems: []string{fmt.Sprintf("unknown block type %q", b.Type)}}
	}
}

// Rules returns the rules in document order.
func (v *Validator) Rules() []Rule {
	return v.rules
}

// Validate checks a submission and returns its typed values. Keys that match
// no field are ignored. A *ValidationError lists every failing field.
func (v *Validator) Validate(ctx context.Context, payload map[string]string) (*Result, error) {
	var errs []FieldError

	for _, key := range []string{KeyFormID, KeyPageID, KeyParticipantID} {
		if validate.Var(strings.TrimSpace(payload[key]), "required") != nil {
			errs = append(errs, FieldError{ID: key, Message: key + " is required."})
		}
	}

	values := make([]Value, 0, len(v.rules))
	for _, rule := range v.rules {
		value, fieldErr := rule.apply(ctx, payload[rule.FieldID()])
		if fieldErr != nil {
			errs = append(errs, *fieldErr)
			continue
		}
		if value != nil {
			values = append(values, *value)
		}
	}

	if len(errs) > 0 {
		return nil, &ValidationError{Errors: errs}
	}
	return &Result{Values: values}, nil
}

// Result holds the validated values of one page, in document order.
type Result struct {
	Values []Value
}

// FieldAnswers formats the values for persistence.
func (r *Result) FieldAnswers() []model.FieldAnswer {
	answers := make([]model.FieldAnswer, 0, len(r.Values))
	for _, v := range r.Values {
		answers = append(answers, model.FieldAnswer{
			FieldID: v.FieldID,
			Answer:  v.Answer(),
			Type:    v.Type.Code(),
		})
	}
	return answers
}
