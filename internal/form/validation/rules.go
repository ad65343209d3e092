package validation

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/OpenNSW/formflow/internal/form/schema"
)

const (
	textInputMaxLength = 1000
	textareaMaxLength  = 10000
)

// Rule validates the submitted value of one content block.
// The set of rules is closed: one implementation per block type.
type Rule interface {
	FieldID() string
	apply(ctx context.Context, raw string) (*Value, *FieldError)
}

// Value is a validated, typed field value.
type Value struct {
	FieldID string
	Type    schema.FieldType
	Text    string // text, choice value or file prefix
	Checked bool   // checkbox state
}

// Answer formats the value for storage.
func (v Value) Answer() string {
	if v.Type == schema.CheckboxField {
		if v.Checked {
			return "true"
		}
		return "false"
	}
	return v.Text
}

func requiredError(b schema.Block) *FieldError {
	return &FieldError{ID: b.Props.ID, Message: fmt.Sprintf("%s is required.", b.DisplayName())}
}

type textRule struct {
	block     schema.Block
	maxLength int
}

func (r *textRule) FieldID() string { return r.block.Props.ID }

func (r *textRule) apply(_ context.Context, raw string) (*Value, *FieldError) {
	value := strings.TrimSpace(raw)
	if r.block.Props.Required && validate.Var(value, "required") != nil {
		return nil, requiredError(r.block)
	}
	if validate.Var(value, fmt.Sprintf("max=%d", r.maxLength)) != nil {
		return nil, &FieldError{
			ID:      r.block.Props.ID,
			Message: fmt.Sprintf("%s must be at most %d characters long.", r.block.DisplayName(), r.maxLength),
		}
	}
	return &Value{FieldID: r.block.Props.ID, Type: r.block.Type, Text: value}, nil
}

type choiceRule struct {
	block schema.Block
}

func (r *choiceRule) FieldID() string { return r.block.Props.ID }

func (r *choiceRule) apply(_ context.Context, raw string) (*Value, *FieldError) {
	value := strings.TrimSpace(raw)
	if value == "" {
		if r.block.Props.Required {
			return nil, requiredError(r.block)
		}
		return &Value{FieldID: r.block.Props.ID, Type: r.block.Type}, nil
	}
	if !r.block.HasOption(value) {
		return nil, &FieldError{
			ID:      r.block.Props.ID,
			Message: fmt.Sprintf("Invalid option selected for %s.", r.block.DisplayName()),
		}
	}
	return &Value{FieldID: r.block.Props.ID, Type: r.block.Type, Text: value}, nil
}

type checkboxRule struct {
	block schema.Block
}

func (r *checkboxRule) FieldID() string { return r.block.Props.ID }

// apply maps the HTML checkbox encoding to a boolean: "on" when ticked, absent otherwise.
func (r *checkboxRule) apply(_ context.Context, raw string) (*Value, *FieldError) {
	var checked bool
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "on", "true":
		checked = true
	case "", "off", "false":
		checked = false
	default:
		return nil, &FieldError{
			ID:      r.block.Props.ID,
			Message: fmt.Sprintf("Invalid value for %s.", r.block.DisplayName()),
		}
	}
	if r.block.Props.Required && !checked {
		return nil, requiredError(r.block)
	}
	return &Value{FieldID: r.block.Props.ID, Type: r.block.Type, Checked: checked}, nil
}

type fileRule struct {
	block  schema.Block
	prefix string
	files  FileChecker
	opts   *options
}

func (r *fileRule) FieldID() string { return r.block.Props.ID }

// apply checks, for required fields, that storage holds at least one object
// under the field's upload prefix. Lookup failures count as "no upload".
func (r *fileRule) apply(ctx context.Context, _ string) (*Value, *FieldError) {
	if r.block.Props.Required {
		checkCtx, cancel := context.WithTimeout(ctx, r.opts.fileCheckTimeout)
		defer cancel()

		found, err := r.files.HasFiles(checkCtx, r.prefix)
		if err != nil {
			r.opts.logger.Warn("file existence check failed",
				zap.String("prefix", r.prefix),
				zap.Error(err),
			)
			return nil, requiredError(r.block)
		}
		if !found {
			return nil, requiredError(r.block)
		}
	}
	return &Value{FieldID: r.block.Props.ID, Type: r.block.Type, Text: r.prefix}, nil
}

// displayRule belongs to blocks that collect nothing. It always passes.
type displayRule struct {
	block schema.Block
}

func (r *displayRule) FieldID() string { return r.block.Props.ID }

func (r *displayRule) apply(context.Context, string) (*Value, *FieldError) {
	return nil, nil
}
