package store

import (
	"strings"
	"time"
)

// SourceEntries is the table tag recorded on requests created from journal entries.
const SourceEntries = "entries"

const (
	KindCaseFolder  = "saksmappe"
	KindJournalPost = "journalpost"
)

type RequestType string

const (
	TypePostjournal   RequestType = "postjournal"
	TypeJobApplicants RequestType = "job_applicants"
	TypeJobHired      RequestType = "job_hired"
)

type RequestStatus string

const (
	StatusDraft    RequestStatus = "draft"
	StatusQueued   RequestStatus = "queued"
	StatusSent     RequestStatus = "sent"
	StatusAnswered RequestStatus = "answered"
	StatusRejected RequestStatus = "rejected"
	StatusClosed   RequestStatus = "closed"
)

type Outcome string

const (
	OutcomeUnknown Outcome = "unknown"
	OutcomeFull    Outcome = "full"
	OutcomeDenied  Outcome = "denied"
	OutcomeStory   Outcome = "story"
)

type EventAction string

const (
	ActionViewDetails EventAction = "view_details"
	ActionAddInnsyn   EventAction = "add_innsyn"
	ActionClickMailto EventAction = "click_mailto"
)

// Entry is one public-records journal row as scraped from an authority.
type Entry struct {
	ID              int64          `json:"id"`
	UID             string         `json:"uid"`
	Authority       string         `json:"etat"`
	Title           string         `json:"innhold"`
	CaseNumber      string         `json:"saksnr"`
	CaseKey         string         `json:"sakKey"`
	DocumentNumber  *string        `json:"doknr"`
	CaseTitle       string         `json:"sakTittel"`
	JournalDate     *time.Time     `json:"jdato"`
	DocumentDate    *time.Time     `json:"dokdato"`
	SourceType      string         `json:"sourceType"`
	SourceURL       string         `json:"sourceUrl"`
	SenderRecipient string         `json:"avsmot"`
	Designation     string         `json:"betegnelse"`
	Year            *int           `json:"aar"`
	Sequence        *int           `json:"sekvens"`
	AccessCode      string         `json:"tilgangskode"`
	RetrievedAt     *time.Time     `json:"hentetTid"`
	Kind            string         `json:"kind"`
	Extra           map[string]any `json:"extra,omitempty"`
}

// DerivedCaseKey is CaseKey when present, otherwise the case number up to the first '-'.
func (e Entry) DerivedCaseKey() string {
	if key := strings.TrimSpace(e.CaseKey); key != "" {
		return key
	}
	number := strings.TrimSpace(e.CaseNumber)
	if number == "" {
		return ""
	}
	head, _, _ := strings.Cut(number, "-")
	return strings.TrimSpace(head)
}

// EntryQuery filters the main journal listing.
type EntryQuery struct {
	Text       string
	SourceType string
	Limit      int
	Offset     int
}

// RecommendedEntry is a row of the recommended_entries view.
type RecommendedEntry struct {
	ID              int64    `json:"id"`
	UID             string   `json:"uid"`
	Authority       string   `json:"etat"`
	Title           string   `json:"innhold"`
	CaseNumber      string   `json:"saksnr"`
	JournalDate     string   `json:"jdatoDate"`
	SenderRecipient string   `json:"avsmot"`
	SourceURL       string   `json:"sourceUrl"`
	Score           *float64 `json:"kwScore"`
}

type Job struct {
	ID            int64      `json:"id"`
	Source        string     `json:"source"`
	SourceJobID   string     `json:"sourceJobId"`
	URL           string     `json:"url"`
	Title         string     `json:"title"`
	Employer      string     `json:"employer"`
	Location      string     `json:"location"`
	Category      string     `json:"category"`
	PublishedDate *time.Time `json:"publishedDate"`
	DeadlineDate  *time.Time `json:"deadlineDate"`
}

type Request struct {
	ID             string        `json:"id"`
	UserID         string        `json:"userId"`
	Type           RequestType   `json:"type"`
	Source         string        `json:"source"`
	SourceEntryID  int64         `json:"sourceEntryId"`
	Authority      string        `json:"etat"`
	RecipientEmail *string       `json:"recipientEmail"`
	Subject        string        `json:"subject"`
	Body           string        `json:"body"`
	SentAt         *time.Time    `json:"sentAt"`
	Status         RequestStatus `json:"status"`
	Outcome        *Outcome      `json:"outcome"`
	RemindAt       *time.Time    `json:"remindAt"`
	CreatedAt      time.Time     `json:"createdAt"`
	UpdatedAt      time.Time     `json:"updatedAt"`
}

type EntryEvent struct {
	UserID          string
	EntryUID        string
	Action          EventAction
	SessionID       string
	Authority       string
	Title           string
	SenderRecipient string
	Extra           map[string]any
	CreatedAt       time.Time
}

type Profile struct {
	ID       string
	Email    string
	FullName string
	Approved bool
	IsAdmin  bool
}
