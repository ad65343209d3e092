// Package schema parses the page documents produced by the form editor into
// typed content blocks.
//
// A page document looks like
//
//	{"root": {"props": {}}, "content": [{"type": "TextInputField", "props": {"id": "name", "label": "Name", "required": true}}], "zones": {}}
//
// Only the content array carries meaning here. Layout blocks hold further
// blocks in their column slots, for example
//
//	{"type": "TwoColumnLayout", "props": {"leftColumn": [{"type": "TextInputField", "props": {...}}], "rightColumn": []}}
package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// FieldType is the closed set of block types the editor can emit.
type FieldType string

const (
	TextInputField  FieldType = "TextInputField"
	TextareaField   FieldType = "TextareaField"
	SelectField     FieldType = "SelectField"
	RadioGroupField FieldType = "RadioGroupField"
	CheckboxField   FieldType = "CheckboxField"
	FileField       FieldType = "FileField"

	ButtonBlock      FieldType = "ButtonBlock"
	HeadingBlock     FieldType = "HeadingBlock"
	DescriptionBlock FieldType = "DescriptionBlock"
	TwoColumnLayout  FieldType = "TwoColumnLayout"
)

var inputTypes = map[FieldType]bool{
	TextInputField:  true,
	TextareaField:   true,
	SelectField:     true,
	RadioGroupField: true,
	CheckboxField:   true,
	FileField:       true,
}

var displayTypes = map[FieldType]bool{
	ButtonBlock:      true,
	HeadingBlock:     true,
	DescriptionBlock: true,
	TwoColumnLayout:  true,
}

// Known reports whether t belongs to the closed set of block types.
func (t FieldType) Known() bool {
	return inputTypes[t] || displayTypes[t]
}

// IsInput reports whether blocks of this type collect an answer.
func (t FieldType) IsInput() bool {
	return inputTypes[t]
}

// IsChoice reports whether blocks of this type answer with one of their options.
func (t FieldType) IsChoice() bool {
	return t == SelectField || t == RadioGroupField
}

// Code is the persisted form of the type on field answers, e.g. TEXTINPUTFIELD.
func (t FieldType) Code() string {
	return strings.ToUpper(string(t))
}

// KeySeparator joins the parts of an upload key and is not allowed in field ids.
const KeySeparator = "-"

// Option is one selectable value of a choice field.
type Option struct {
	Label string `json:"label"`
	Value string `json:"value"`
}

// Props are the editor properties of a block. Display blocks carry other
// properties which are ignored.
type Props struct {
	ID             string   `json:"id"`
	Label          string   `json:"label"`
	Required       bool     `json:"required"`
	Options        []Option `json:"options,omitempty"`
	Placeholder    string   `json:"placeholder,omitempty"`
	Rows           int      `json:"rows,omitempty"`
	DefaultChecked bool     `json:"defaultChecked,omitempty"`
	Accept         string   `json:"accept,omitempty"`
	Multiple       bool     `json:"multiple,omitempty"`

	// Column slots of a TwoColumnLayout.
	LeftColumn  []Block `json:"leftColumn,omitempty"`
	RightColumn []Block `json:"rightColumn,omitempty"`
}

// Block is one content block of a page.
type Block struct {
	Type  FieldType `json:"type"`
	Props Props     `json:"props"`
}

// Children returns the blocks nested in the block's slots, left column first.
func (b Block) Children() []Block {
	if len(b.Props.LeftColumn) == 0 && len(b.Props.RightColumn) == 0 {
		return nil
	}
	children := make([]Block, 0, len(b.Props.LeftColumn)+len(b.Props.RightColumn))
	children = append(children, b.Props.LeftColumn...)
	return append(children, b.Props.RightColumn...)
}

// DisplayName is the label used in user-facing messages about the block.
func (b Block) DisplayName() string {
	if label := strings.TrimSpace(b.Props.Label); label != "" {
		return label
	}
	return b.Props.ID
}

// HasOption reports whether value is one of the block's option values.
func (b Block) HasOption(value string) bool {
	for _, opt := range b.Props.Options {
		if opt.Value == value {
			return true
		}
	}
	return false
}

// Schema is the parsed content of one page.
type Schema struct {
	Content []Block
}

type document struct {
	Content *[]Block `json:"content"`
}

// FormatError reports a page document that cannot be decoded.
type FormatError struct {
	Err error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("malformed page schema: %v", e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// ConfigError lists the defects of a page schema that make it unusable for
// collecting answers. It describes a creator mistake, never a participant one.
type ConfigError struct {
	Problems []string
}

func (e *ConfigError) Error() string {
	return "invalid page schema: " + strings.Join(e.Problems, "; ")
}

// Parse decodes a page document. A document without a content array is rejected.
func Parse(raw []byte) (*Schema, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, &FormatError{Err: errors.New("page has no fields")}
	}

	var doc document
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, &FormatError{Err: err}
	}
	if doc.Content == nil {
		return nil, &FormatError{Err: errors.New("content array is missing")}
	}
	return &Schema{Content: *doc.Content}, nil
}

// Blocks returns every block of the page, nested ones included, in document
// order. A layout block comes before its children.
func (s *Schema) Blocks() []Block {
	var out []Block
	var walk func(blocks []Block)
	walk = func(blocks []Block) {
		for _, b := range blocks {
			out = append(out, b)
			walk(b.Children())
		}
	}
	walk(s.Content)
	return out
}

// Inputs returns the answer-collecting blocks in document order.
func (s *Schema) Inputs() []Block {
	blocks := s.Blocks()
	inputs := make([]Block, 0, len(blocks))
	for _, b := range blocks {
		if b.Type.IsInput() {
			inputs = append(inputs, b)
		}
	}
	return inputs
}

// Find returns the input block with the given id.
func (s *Schema) Find(id string) (Block, bool) {
	for _, b := range s.Blocks() {
		if b.Type.IsInput() && b.Props.ID == id {
			return b, true
		}
	}
	return Block{}, false
}

// Check validates the schema for use: every block has a known type, input
// blocks have unique non-empty ids across the page, nested blocks included, and
// choice fields declare options. Ids may not contain '-', the separator of
// upload keys.
func (s *Schema) Check() error {
	var problems []string
	seen := make(map[string]bool)

	for i, b := range s.Blocks() {
		if !b.Type.Known() {
			problems = append(problems, fmt.Sprintf("block %d has unknown type %q", i, b.Type))
			continue
		}
		if !b.Type.IsInput() {
			continue
		}

		id := strings.TrimSpace(b.Props.ID)
		switch {
		case id == "":
			problems = append(problems, fmt.Sprintf("%s block %d has no id", b.Type, i))
		case strings.Contains(id, KeySeparator):
			problems = append(problems, fmt.Sprintf("field id %q must not contain %q", id, KeySeparator))
		case seen[id]:
			problems = append(problems, fmt.Sprintf("field id %q is used more than once", id))
		default:
			seen[id] = true
		}

		if b.Type.IsChoice() && len(b.Props.Options) == 0 {
			problems = append(problems, fmt.Sprintf("%s %q has no options", b.Type, b.DisplayName()))
		}
	}

	if len(problems) > 0 {
		return &ConfigError{Problems: problems}
	}
	return nil
}
