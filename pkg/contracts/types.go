// Package contracts defines the shared domain types of the sync bridge:
// inbound webhook events, the normalized issue and page views, the
// content-addressed mapping between them, the idempotency ledger and the
// dead-letter queue. Types here carry no I/O.
package contracts

import "time"

// Provider identifies one of the two sides of the bridge.
type Provider string

const (
	// ProviderSource is the issue tracker side.
	ProviderSource Provider = "src"
	// ProviderTarget is the document store side.
	ProviderTarget Provider = "tgt"
)

// Valid reports whether p is one of the two known providers.
func (p Provider) Valid() bool {
	return p == ProviderSource || p == ProviderTarget
}

// Direction of the most recent synchronization write.
type Direction string

const (
	DirectionNone     Direction = "none"
	DirectionSrcToTgt Direction = "src_to_tgt"
	DirectionTgtToSrc Direction = "tgt_to_src"
)

// Outcome is the terminal state of a processed event.
type Outcome string

const (
	OutcomeInProgress Outcome = "in_progress"
	OutcomeOK         Outcome = "ok"
	OutcomeSkipped    Outcome = "skipped"
	OutcomeFailed     Outcome = "failed"
)

// InboundEvent is the immutable record of one webhook delivery. It exists
// only for the duration of the pipeline; its durable residue is either a
// ProcessedEvent or a DeadLetter.
type InboundEvent struct {
	Provider    Provider  `json:"provider"`
	EventKind   string    `json:"event_kind"`
	DeliveryID  string    `json:"delivery_id,omitempty"`
	RawPayload  []byte    `json:"-"`
	ReceivedAt  time.Time `json:"received_at"`
	SourceIP    string    `json:"source_ip,omitempty"`
	ContentHash string    `json:"content_hash"`
	Fingerprint string    `json:"fingerprint"`
}

// IssueRecord is the normalized view of a source issue.
type IssueRecord struct {
	SrcRepo   string    `json:"src_repo"`
	SrcNumber int       `json:"src_number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	Labels    []string  `json:"labels"`
	Assignees []string  `json:"assignees"`
	Author    string    `json:"author"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	URL       string    `json:"url"`
}

// Issue states recognized by the source API.
const (
	IssueStateOpen   = "open"
	IssueStateClosed = "closed"
)

// IssuePatch is a partial update applied to a source issue. Nil fields are
// not written, so user edits on fields outside the mapping survive.
type IssuePatch struct {
	Title     *string  `json:"title,omitempty"`
	Body      *string  `json:"body,omitempty"`
	State     *string  `json:"state,omitempty"`
	Labels    []string `json:"labels,omitempty"`
	Assignees []string `json:"assignees,omitempty"`
}

// Empty reports whether the patch carries no changes.
func (p IssuePatch) Empty() bool {
	return p.Title == nil && p.Body == nil && p.State == nil &&
		len(p.Labels) == 0 && len(p.Assignees) == 0
}

// PropertyKind tags the variants of a target property value.
type PropertyKind string

const (
	PropertyTitle       PropertyKind = "title"
	PropertyRichText    PropertyKind = "rich_text"
	PropertySelect      PropertyKind = "select"
	PropertyMultiSelect PropertyKind = "multi_select"
	PropertyStatus      PropertyKind = "status"
	PropertyNumber      PropertyKind = "number"
	PropertyCheckbox    PropertyKind = "checkbox"
	PropertyDate        PropertyKind = "date"
	PropertyPeople      PropertyKind = "people"
	PropertyURL         PropertyKind = "url"
)

// PropertyValue is the tagged union carried in PageRecord.Properties.
// Exactly one of the value fields is meaningful for a given Kind.
type PropertyValue struct {
	Kind     PropertyKind `json:"kind"`
	Text     string       `json:"text,omitempty"`
	Select   string       `json:"select,omitempty"`
	Multi    []string     `json:"multi,omitempty"`
	Number   *float64     `json:"number,omitempty"`
	Checkbox bool         `json:"checkbox,omitempty"`
	Date     *time.Time   `json:"date,omitempty"`
	People   []string     `json:"people,omitempty"`
	URL      string       `json:"url,omitempty"`
}

// PageRecord is the normalized view of a target page.
type PageRecord struct {
	PageID       string                   `json:"page_id"`
	DatabaseID   string                   `json:"database_id"`
	Properties   map[string]PropertyValue `json:"properties"`
	LastEditedAt time.Time                `json:"last_edited_at"`
	URL          string                   `json:"url"`
}

// Mapping is the one-to-one, content-addressed coupling between a source
// issue and a target page. last_src_hash/last_tgt_hash hold the content that
// produced the most recent write in each direction; an inbound event whose
// hash equals the stored hash for its own direction is a self-echo.
type Mapping struct {
	SrcRepo       string    `json:"src_repo"`
	SrcNumber     int       `json:"src_number"`
	PageID        string    `json:"page_id"`
	LastSrcHash   string    `json:"last_src_hash"`
	LastTgtHash   string    `json:"last_tgt_hash"`
	LastDirection Direction `json:"last_sync_direction"`
	LastSyncAt    time.Time `json:"last_sync_at"`
	Version       int64     `json:"version"`
	Orphaned      bool      `json:"orphaned"`
}

// ProcessedEvent is one row of the idempotency ledger.
type ProcessedEvent struct {
	Fingerprint string    `json:"fingerprint"`
	FirstSeenAt time.Time `json:"first_seen_at"`
	Outcome     Outcome   `json:"outcome"`
	Attempts    int       `json:"attempts"`
}

// DeadLetter is a failed event awaiting scheduled or manual replay.
type DeadLetter struct {
	ID            string    `json:"id"`
	Fingerprint   string    `json:"fingerprint"`
	Provider      Provider  `json:"provider"`
	EventKind     string    `json:"event_kind"`
	RawPayload    []byte    `json:"raw_payload"`
	FailureReason string    `json:"failure_reason"`
	Attempts      int       `json:"attempts"`
	NextAttemptAt time.Time `json:"next_attempt_at"`
	CreatedAt     time.Time `json:"created_at"`
	Archived      bool      `json:"archived"`
}

// CommentLink couples a comment on one side with its copy on the other so
// that comment sync never re-posts.
type CommentLink struct {
	Side          Provider `json:"side"`
	RemoteID      string   `json:"remote_id"`
	OtherSide     Provider `json:"other_side"`
	OtherRemoteID string   `json:"other_remote_id"`
}
