// Package issuetracker is the outbound client for the source side of the
// bridge: a GitHub-style issue tracker REST API. It also owns decoding of
// source webhook payloads into the normalized IssueRecord, so downstream
// stages never touch raw provider JSON.
package issuetracker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/syncbridge/pkg/contracts"
	"github.com/Mindburn-Labs/syncbridge/pkg/fault"
	"github.com/Mindburn-Labs/syncbridge/pkg/outbound"
)

// Client talks to the source API with a bearer token.
type Client struct {
	baseURL string
	token   string
	caller  *outbound.Caller
}

// NewClient builds a Client. baseURL carries no trailing slash.
func NewClient(baseURL, token string, caller *outbound.Caller) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, caller: caller}
}

// Comment is a comment on an issue thread.
type Comment struct {
	ID        string    `json:"id"`
	Author    string    `json:"author"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"created_at"`
}

// GetIssue fetches one issue. repo is "owner/name".
func (c *Client) GetIssue(ctx context.Context, repo string, number int) (*contracts.IssueRecord, error) {
	resp, err := c.caller.Do(ctx, "get_issue", func() (*http.Request, error) {
		return c.request(http.MethodGet, fmt.Sprintf("/repos/%s/issues/%d", repo, number), nil)
	})
	if err != nil {
		return nil, err
	}

	var payload issuePayload
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, fault.Wrap(fault.KindUpstreamPermanent, "get_issue", err)
	}
	record := payload.toRecord(repo)
	return &record, nil
}

// UpdateIssue applies a partial update. Transitions the source API refuses
// (closing an already-closed issue) are soft successes handled upstream.
func (c *Client) UpdateIssue(ctx context.Context, repo string, number int, patch contracts.IssuePatch) error {
	body, err := json.Marshal(patch)
	if err != nil {
		return fault.Wrap(fault.KindInternal, "update_issue", err)
	}
	_, err = c.caller.Do(ctx, "update_issue", func() (*http.Request, error) {
		return c.request(http.MethodPatch, fmt.Sprintf("/repos/%s/issues/%d", repo, number), body)
	})
	return err
}

// CreateComment appends a comment to an issue thread and returns its id.
func (c *Client) CreateComment(ctx context.Context, repo string, number int, text string) (string, error) {
	body, err := json.Marshal(map[string]string{"body": text})
	if err != nil {
		return "", fault.Wrap(fault.KindInternal, "create_comment", err)
	}
	resp, err := c.caller.Do(ctx, "create_comment", func() (*http.Request, error) {
		return c.request(http.MethodPost, fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number), body)
	})
	if err != nil {
		return "", err
	}

	var created struct {
		ID json.Number `json:"id"`
	}
	if err := json.Unmarshal(resp.Body, &created); err != nil {
		return "", fault.Wrap(fault.KindUpstreamPermanent, "create_comment", err)
	}
	return created.ID.String(), nil
}

// ListComments returns the comment thread of an issue, oldest first.
func (c *Client) ListComments(ctx context.Context, repo string, number int) ([]Comment, error) {
	resp, err := c.caller.Do(ctx, "list_comments", func() (*http.Request, error) {
		return c.request(http.MethodGet, fmt.Sprintf("/repos/%s/issues/%d/comments", repo, number), nil)
	})
	if err != nil {
		return nil, err
	}

	var raw []commentPayload
	if err := json.Unmarshal(resp.Body, &raw); err != nil {
		return nil, fault.Wrap(fault.KindUpstreamPermanent, "list_comments", err)
	}
	out := make([]Comment, 0, len(raw))
	for _, cp := range raw {
		out = append(out, cp.toComment())
	}
	return out, nil
}

// ParseRepoFromURL extracts "owner/name" and the issue number from an issue
// URL like https://tracker.example.com/owner/name/issues/42.
func ParseRepoFromURL(issueURL string) (string, int, error) {
	u, err := url.Parse(issueURL)
	if err != nil {
		return "", 0, fmt.Errorf("issuetracker: parse url %q: %w", issueURL, err)
	}
	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	for i := 0; i+1 < len(parts); i++ {
		if parts[i] == "issues" {
			number, err := strconv.Atoi(parts[i+1])
			if err != nil || i < 2 {
				break
			}
			return parts[i-2] + "/" + parts[i-1], number, nil
		}
	}
	return "", 0, fmt.Errorf("issuetracker: url %q does not reference an issue", issueURL)
}

func (c *Client) request(method, path string, body []byte) (*http.Request, error) {
	var reader *bytes.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, c.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}
