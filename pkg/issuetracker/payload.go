package issuetracker

import (
	"encoding/json"
	"time"

	"github.com/Mindburn-Labs/syncbridge/pkg/contracts"
	"github.com/Mindburn-Labs/syncbridge/pkg/fault"
)

// issuePayload mirrors the wire shape of an issue object.
type issuePayload struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
	Labels []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Assignees []struct {
		Login string `json:"login"`
	} `json:"assignees"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	HTMLURL   string    `json:"html_url"`
}

func (p issuePayload) toRecord(repo string) contracts.IssueRecord {
	record := contracts.IssueRecord{
		SrcRepo:   repo,
		SrcNumber: p.Number,
		Title:     p.Title,
		Body:      p.Body,
		State:     p.State,
		Author:    p.User.Login,
		CreatedAt: p.CreatedAt,
		UpdatedAt: p.UpdatedAt,
		URL:       p.HTMLURL,
	}
	for _, l := range p.Labels {
		record.Labels = append(record.Labels, l.Name)
	}
	for _, a := range p.Assignees {
		record.Assignees = append(record.Assignees, a.Login)
	}
	return record
}

type commentPayload struct {
	ID   json.Number `json:"id"`
	Body string      `json:"body"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
	CreatedAt time.Time `json:"created_at"`
}

func (p commentPayload) toComment() Comment {
	return Comment{
		ID:        p.ID.String(),
		Author:    p.User.Login,
		Body:      p.Body,
		CreatedAt: p.CreatedAt,
	}
}

// Event is a decoded source webhook delivery.
type Event struct {
	Action  string
	Issue   contracts.IssueRecord
	Comment *Comment
}

// DecodeWebhook parses an issues or issue_comment delivery. Payloads without
// an issue object are rejected as invalid.
func DecodeWebhook(raw []byte) (*Event, error) {
	var envelope struct {
		Action     string          `json:"action"`
		Issue      *issuePayload   `json:"issue"`
		Comment    *commentPayload `json:"comment"`
		Repository struct {
			FullName string `json:"full_name"`
			Name     string `json:"name"`
			Owner    struct {
				Login string `json:"login"`
			} `json:"owner"`
		} `json:"repository"`
	}
	if err := json.Unmarshal(raw, &envelope); err != nil {
		return nil, fault.Wrap(fault.KindInvalidPayload, "decode_src_webhook", err)
	}

	repo := envelope.Repository.FullName
	if repo == "" && envelope.Repository.Owner.Login != "" && envelope.Repository.Name != "" {
		repo = envelope.Repository.Owner.Login + "/" + envelope.Repository.Name
	}
	if envelope.Issue == nil || repo == "" {
		return nil, fault.New(fault.KindInvalidPayload, "decode_src_webhook: missing issue or repository")
	}

	ev := &Event{
		Action: envelope.Action,
		Issue:  envelope.Issue.toRecord(repo),
	}
	if envelope.Comment != nil {
		comment := envelope.Comment.toComment()
		ev.Comment = &comment
	}
	return ev, nil
}
