package service

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"
)

// Links builds the participant-facing addresses handed back in redirects.
type Links struct {
	base string
}

func NewLinks(publicURL string) Links {
	return Links{base: strings.TrimRight(publicURL, "/")}
}

// Page is the address of page pageNumber of a form for one participant.
func (l Links) Page(formID uuid.UUID, pageNumber int, participantID uuid.UUID) string {
	q := url.Values{"participantId": {participantID.String()}}
	return fmt.Sprintf("%s/%s/%d?%s", l.base, formID, pageNumber, q.Encode())
}

// ThankYou is the address shown after a submission.
func (l Links) ThankYou(submissionID uuid.UUID) string {
	return fmt.Sprintf("%s/%s/thank-you", l.base, submissionID)
}
