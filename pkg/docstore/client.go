// Package docstore is the outbound client for the target side of the
// bridge: a database-of-pages document store API. Properties cross the wire
// in the store's tagged-object encoding; this package owns both directions
// of that codec so the rest of the bridge only sees PropertyValue.
package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/Mindburn-Labs/syncbridge/pkg/contracts"
	"github.com/Mindburn-Labs/syncbridge/pkg/fault"
	"github.com/Mindburn-Labs/syncbridge/pkg/outbound"
)

// apiVersion is pinned; the store rejects requests without it.
const apiVersion = "2022-06-28"

// Client talks to the target API with a bearer token.
type Client struct {
	baseURL string
	token   string
	caller  *outbound.Caller
}

// NewClient builds a Client. baseURL carries no trailing slash.
func NewClient(baseURL, token string, caller *outbound.Caller) *Client {
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), token: token, caller: caller}
}

// Block is one paragraph of page body content.
type Block struct {
	ID   string
	Text string
}

// CreatePage creates a page in a database and returns its id.
func (c *Client) CreatePage(ctx context.Context, databaseID string, props map[string]contracts.PropertyValue) (string, error) {
	body, err := json.Marshal(map[string]any{
		"parent":     map[string]string{"database_id": databaseID},
		"properties": encodeProperties(props),
	})
	if err != nil {
		return "", fault.Wrap(fault.KindInternal, "create_page", err)
	}
	resp, err := c.caller.Do(ctx, "create_page", func() (*http.Request, error) {
		return c.request(http.MethodPost, "/v1/pages", body)
	})
	if err != nil {
		return "", err
	}

	var created struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(resp.Body, &created); err != nil {
		return "", fault.Wrap(fault.KindUpstreamPermanent, "create_page", err)
	}
	return created.ID, nil
}

// UpdatePage overwrites the given properties on a page. Properties not in
// props are untouched, so manual edits outside the mapping survive.
func (c *Client) UpdatePage(ctx context.Context, pageID string, props map[string]contracts.PropertyValue) error {
	body, err := json.Marshal(map[string]any{"properties": encodeProperties(props)})
	if err != nil {
		return fault.Wrap(fault.KindInternal, "update_page", err)
	}
	_, err = c.caller.Do(ctx, "update_page", func() (*http.Request, error) {
		return c.request(http.MethodPatch, "/v1/pages/"+pageID, body)
	})
	return err
}

// GetPage fetches one page.
func (c *Client) GetPage(ctx context.Context, pageID string) (*contracts.PageRecord, error) {
	resp, err := c.caller.Do(ctx, "get_page", func() (*http.Request, error) {
		return c.request(http.MethodGet, "/v1/pages/"+pageID, nil)
	})
	if err != nil {
		return nil, err
	}

	var payload pagePayload
	if err := json.Unmarshal(resp.Body, &payload); err != nil {
		return nil, fault.Wrap(fault.KindUpstreamPermanent, "get_page", err)
	}
	record := payload.toRecord()
	return &record, nil
}

// QueryDatabase runs a filtered query over a database and returns the
// matching pages. filter may be nil for an unfiltered scan; pagination is
// followed until exhaustion.
func (c *Client) QueryDatabase(ctx context.Context, databaseID string, filter map[string]any) ([]contracts.PageRecord, error) {
	var (
		out    []contracts.PageRecord
		cursor string
	)
	for {
		req := map[string]any{}
		if filter != nil {
			req["filter"] = filter
		}
		if cursor != "" {
			req["start_cursor"] = cursor
		}
		body, err := json.Marshal(req)
		if err != nil {
			return nil, fault.Wrap(fault.KindInternal, "query_database", err)
		}
		resp, err := c.caller.Do(ctx, "query_database", func() (*http.Request, error) {
			return c.request(http.MethodPost, "/v1/databases/"+databaseID+"/query", body)
		})
		if err != nil {
			return nil, err
		}

		var page struct {
			Results    []pagePayload `json:"results"`
			HasMore    bool          `json:"has_more"`
			NextCursor string        `json:"next_cursor"`
		}
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			return nil, fault.Wrap(fault.KindUpstreamPermanent, "query_database", err)
		}
		for _, p := range page.Results {
			out = append(out, p.toRecord())
		}
		if !page.HasMore || page.NextCursor == "" {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

// AppendBlockChildren appends paragraph blocks to a page body and returns
// the ids assigned by the store, in order.
func (c *Client) AppendBlockChildren(ctx context.Context, blockID string, blocks []Block) ([]string, error) {
	children := make([]map[string]any, 0, len(blocks))
	for _, b := range blocks {
		children = append(children, map[string]any{
			"object": "block",
			"type":   "paragraph",
			"paragraph": map[string]any{
				"rich_text": richText(b.Text),
			},
		})
	}
	body, err := json.Marshal(map[string]any{"children": children})
	if err != nil {
		return nil, fault.Wrap(fault.KindInternal, "append_block_children", err)
	}
	resp, err := c.caller.Do(ctx, "append_block_children", func() (*http.Request, error) {
		return c.request(http.MethodPatch, "/v1/blocks/"+blockID+"/children", body)
	})
	if err != nil {
		return nil, err
	}

	var appended struct {
		Results []struct {
			ID string `json:"id"`
		} `json:"results"`
	}
	if err := json.Unmarshal(resp.Body, &appended); err != nil {
		return nil, fault.Wrap(fault.KindUpstreamPermanent, "append_block_children", err)
	}
	ids := make([]string, 0, len(appended.Results))
	for _, r := range appended.Results {
		ids = append(ids, r.ID)
	}
	return ids, nil
}

// ListBlockChildren returns the paragraph blocks of a page body, following
// pagination until exhaustion. Non-paragraph blocks are skipped.
func (c *Client) ListBlockChildren(ctx context.Context, blockID string) ([]Block, error) {
	var (
		out    []Block
		cursor string
	)
	for {
		path := "/v1/blocks/" + blockID + "/children"
		if cursor != "" {
			path += "?start_cursor=" + cursor
		}
		resp, err := c.caller.Do(ctx, "list_block_children", func() (*http.Request, error) {
			return c.request(http.MethodGet, path, nil)
		})
		if err != nil {
			return nil, err
		}

		var page struct {
			Results []struct {
				ID        string `json:"id"`
				Type      string `json:"type"`
				Paragraph struct {
					RichText []struct {
						PlainText string `json:"plain_text"`
					} `json:"rich_text"`
				} `json:"paragraph"`
			} `json:"results"`
			HasMore    bool   `json:"has_more"`
			NextCursor string `json:"next_cursor"`
		}
		if err := json.Unmarshal(resp.Body, &page); err != nil {
			return nil, fault.Wrap(fault.KindUpstreamPermanent, "list_block_children", err)
		}
		for _, r := range page.Results {
			if r.Type != "paragraph" {
				continue
			}
			var text strings.Builder
			for _, rt := range r.Paragraph.RichText {
				text.WriteString(rt.PlainText)
			}
			out = append(out, Block{ID: r.ID, Text: text.String()})
		}
		if !page.HasMore || page.NextCursor == "" {
			return out, nil
		}
		cursor = page.NextCursor
	}
}

func (c *Client) request(method, path string, body []byte) (*http.Request, error) {
	req, err := http.NewRequest(method, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("X-API-Version", apiVersion)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// NotFoundPage reports whether err means the addressed page is gone.
func NotFoundPage(err error) bool { return outbound.NotFound(err) }
