package model

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// BaseModel defines the base model structure with common fields for the form package.
type BaseModel struct {
	ID        uuid.UUID `gorm:"type:uuid;column:id;not null;primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"column:created_at;not null" json:"createdAt"`
	UpdatedAt time.Time `gorm:"column:updated_at;not null" json:"updatedAt"`
}

// BeforeCreate is a GORM hook that is triggered before a new record is created.
func (base *BaseModel) BeforeCreate(tx *gorm.DB) (err error) {
	if base.ID == uuid.Nil {
		base.ID, err = uuid.NewRandom()
		if err != nil {
			return
		}
	}
	base.CreatedAt = time.Now().UTC()
	base.UpdatedAt = time.Now().UTC()
	return
}

// BeforeUpdate is a GORM hook that is triggered before an existing record is updated.
func (base *BaseModel) BeforeUpdate(tx *gorm.DB) (err error) {
	base.UpdatedAt = time.Now().UTC()
	return
}

type Theme string

const (
	ThemeLight Theme = "LIGHT"
	ThemeDark  Theme = "DARK"
)

func (t Theme) Valid() bool {
	return t == ThemeLight || t == ThemeDark
}

// Form is a creator-owned multi-page form.
type Form struct {
	BaseModel
	CreatorID         string     `gorm:"type:varchar(100);column:creator_id;not null;index" json:"creatorId"`
	Title             string     `gorm:"type:varchar(255);column:title;not null" json:"title"`
	Description       string     `gorm:"type:text;column:description" json:"description"`
	Theme             Theme      `gorm:"type:varchar(20);column:theme;not null" json:"theme"`
	PublishedAt       *time.Time `gorm:"column:published_at" json:"publishedAt"`                                    // Null while the form is a draft
	AllowResubmission bool       `gorm:"column:allow_resubmission;not null;default:false" json:"allowResubmission"` // Participants may submit more than once
	PagesTotal        int        `gorm:"column:pages_total;not null;default:0" json:"pagesTotal"`                   // Always equals the number of pages
	FinalTitle        string     `gorm:"type:varchar(255);column:final_title;not null" json:"finalTitle"`           // Thank-you page title
	FinalDescription  string     `gorm:"type:text;column:final_description;not null" json:"finalDescription"`       // Thank-you page body

	// Relationships
	Pages []Page `gorm:"foreignKey:FormID;references:ID" json:"pages,omitempty"`
}

func (f *Form) TableName() string {
	return "forms"
}

func (f *Form) IsPublished() bool {
	return f.PublishedAt != nil
}

// Page is one step of a form. Page numbers are 1-based and contiguous within a form.
type Page struct {
	BaseModel
	FormID     uuid.UUID      `gorm:"type:uuid;column:form_id;not null;uniqueIndex:idx_pages_form_number" json:"formId"`
	PageNumber int            `gorm:"column:page_number;not null;uniqueIndex:idx_pages_form_number" json:"pageNumber"`
	Title      string         `gorm:"type:varchar(255);column:title;not null" json:"title"`
	PageFields datatypes.JSON `gorm:"column:page_fields" json:"pageFields"` // Serialized editor document, null until the page is designed

	// Relationships
	Form *Form `gorm:"foreignKey:FormID;references:ID" json:"form,omitempty"`
}

func (p *Page) TableName() string {
	return "pages"
}

// HasFields reports whether the page carries a schema document.
func (p *Page) HasFields() bool {
	return len(p.PageFields) > 0 && string(p.PageFields) != "null"
}

// Participant is the anonymous respondent of one form, identified by email.
type Participant struct {
	BaseModel
	FormID      uuid.UUID  `gorm:"type:uuid;column:form_id;not null;uniqueIndex:idx_participants_form_email" json:"formId"`
	Email       string     `gorm:"type:varchar(320);column:email;not null;uniqueIndex:idx_participants_form_email" json:"email"`
	CompletedAt *time.Time `gorm:"column:completed_at" json:"completedAt"` // Set once, when the first submission is finalized
}

func (p *Participant) TableName() string {
	return "participants"
}

// PageAnswer holds a participant's answers for one page.
type PageAnswer struct {
	BaseModel
	FormID          uuid.UUID `gorm:"type:uuid;column:form_id;not null;index" json:"formId"`
	PageID          uuid.UUID `gorm:"type:uuid;column:page_id;not null;index:idx_page_answers_page_participant" json:"pageId"`
	ReferencePageID uuid.UUID `gorm:"type:uuid;column:reference_page_id;not null" json:"referencePageId"` // Page whose uploads the file answers point at
	ParticipantID   uuid.UUID `gorm:"type:uuid;column:participant_id;not null;index:idx_page_answers_page_participant" json:"participantId"`
	Attempts        int       `gorm:"column:attempts;not null;default:1" json:"attempts"` // Persisted writes of this answer

	// Relationships
	FieldAnswers []FieldAnswer `gorm:"foreignKey:PageAnswerID;references:ID" json:"fieldAnswers"`
	Page         *Page         `gorm:"foreignKey:PageID;references:ID" json:"page,omitempty"`
}

func (pa *PageAnswer) TableName() string {
	return "page_answers"
}

// FieldAnswer is the stored answer of a single field, formatted as a string.
type FieldAnswer struct {
	BaseModel
	PageAnswerID uuid.UUID `gorm:"type:uuid;column:page_answer_id;not null;uniqueIndex:idx_field_answers_answer_field" json:"pageAnswerId"`
	FieldID      string    `gorm:"type:varchar(255);column:field_id;not null;uniqueIndex:idx_field_answers_answer_field" json:"fieldId"`
	Answer       string    `gorm:"type:text;column:answer;not null" json:"answer"`
	Type         string    `gorm:"type:varchar(50);column:type;not null" json:"type"`
}

func (fa *FieldAnswer) TableName() string {
	return "field_answers"
}

// FormSubmission is the immutable record of a completed form. Sequence is 1
// unless the form allows resubmission.
type FormSubmission struct {
	BaseModel
	FormID        uuid.UUID `gorm:"type:uuid;column:form_id;not null;uniqueIndex:idx_submissions_form_participant_seq" json:"formId"`
	ParticipantID uuid.UUID `gorm:"type:uuid;column:participant_id;not null;uniqueIndex:idx_submissions_form_participant_seq" json:"participantId"`
	Sequence      int       `gorm:"column:sequence;not null;default:1;uniqueIndex:idx_submissions_form_participant_seq" json:"sequence"`

	// Relationships
	PageAnswers []PageAnswer `gorm:"many2many:submission_page_answers;" json:"pageAnswers,omitempty"`
	Participant *Participant `gorm:"foreignKey:ParticipantID;references:ID" json:"participant,omitempty"`
}

func (fs *FormSubmission) TableName() string {
	return "form_submissions"
}

// All lists every persisted model, in dependency order, for migrations.
func All() []any {
	return []any{
		&Form{},
		&Page{},
		&Participant{},
		&PageAnswer{},
		&FieldAnswer{},
		&FormSubmission{},
	}
}
