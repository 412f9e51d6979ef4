package issuetracker

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/Mindburn-Labs/syncbridge/pkg/audit"
	"github.com/Mindburn-Labs/syncbridge/pkg/contracts"
	"github.com/Mindburn-Labs/syncbridge/pkg/metrics"
	"github.com/Mindburn-Labs/syncbridge/pkg/outbound"
)

func testClient(t *testing.T, srv *httptest.Server) *Client {
	t.Helper()
	met, err := metrics.New()
	require.NoError(t, err)
	caller := outbound.NewCaller("src", met, audit.NewLoggerWithWriter(io.Discard),
		outbound.WithRateLimit(rate.Inf, 1))
	return NewClient(srv.URL, "token-1", caller)
}

func TestGetIssue(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/o/r/issues/42", r.URL.Path)
		assert.Equal(t, "Bearer token-1", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{
			"number": 42, "title": "Bug", "body": "x", "state": "open",
			"labels": [{"name": "bug"}], "assignees": [{"login": "alice"}],
			"user": {"login": "alice"},
			"html_url": "https://tracker.example.com/o/r/issues/42"
		}`))
	}))
	defer srv.Close()

	issue, err := testClient(t, srv).GetIssue(context.Background(), "o/r", 42)
	require.NoError(t, err)
	assert.Equal(t, "o/r", issue.SrcRepo)
	assert.Equal(t, 42, issue.SrcNumber)
	assert.Equal(t, "Bug", issue.Title)
	assert.Equal(t, []string{"bug"}, issue.Labels)
	assert.Equal(t, []string{"alice"}, issue.Assignees)
	assert.Equal(t, "alice", issue.Author)
}

func TestUpdateIssueSendsOnlyPresentFields(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPatch, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	state := "closed"
	err := testClient(t, srv).UpdateIssue(context.Background(), "o/r", 42, contracts.IssuePatch{State: &state})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"state": "closed"}, got, "nil fields are omitted")
}

func TestCreateComment(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/o/r/issues/42/comments", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id": 1007}`))
	}))
	defer srv.Close()

	id, err := testClient(t, srv).CreateComment(context.Background(), "o/r", 42, "hello")
	require.NoError(t, err)
	assert.Equal(t, "1007", id)
}

func TestListComments(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"id": 1, "body": "first", "user": {"login": "alice"}},
			{"id": 2, "body": "second", "user": {"login": "bob"}}
		]`))
	}))
	defer srv.Close()

	comments, err := testClient(t, srv).ListComments(context.Background(), "o/r", 42)
	require.NoError(t, err)
	require.Len(t, comments, 2)
	assert.Equal(t, "1", comments[0].ID)
	assert.Equal(t, "alice", comments[0].Author)
	assert.Equal(t, "second", comments[1].Body)
}

func TestParseRepoFromURL(t *testing.T) {
	repo, number, err := ParseRepoFromURL("https://tracker.example.com/o/r/issues/42")
	require.NoError(t, err)
	assert.Equal(t, "o/r", repo)
	assert.Equal(t, 42, number)

	for _, bad := range []string{
		"https://tracker.example.com/o/r/pulls/42",
		"https://tracker.example.com/issues/42",
		"https://tracker.example.com/o/r/issues/forty-two",
		"://bad",
	} {
		_, _, err := ParseRepoFromURL(bad)
		assert.Error(t, err, bad)
	}
}

func TestDecodeWebhook(t *testing.T) {
	raw := []byte(`{
		"action": "opened",
		"issue": {
			"number": 42, "title": "Bug", "body": "x", "state": "open",
			"labels": [{"name": "bug"}], "user": {"login": "alice"}
		},
		"repository": {"name": "r", "owner": {"login": "o"}}
	}`)

	ev, err := DecodeWebhook(raw)
	require.NoError(t, err)
	assert.Equal(t, "opened", ev.Action)
	assert.Equal(t, "o/r", ev.Issue.SrcRepo)
	assert.Equal(t, 42, ev.Issue.SrcNumber)
	assert.Equal(t, "Bug", ev.Issue.Title)
	assert.Nil(t, ev.Comment)
}

func TestDecodeWebhookWithComment(t *testing.T) {
	raw := []byte(`{
		"action": "created",
		"issue": {"number": 42, "title": "Bug", "state": "open", "user": {"login": "alice"}},
		"comment": {"id": 7, "body": "me too", "user": {"login": "bob"}},
		"repository": {"full_name": "o/r"}
	}`)

	ev, err := DecodeWebhook(raw)
	require.NoError(t, err)
	require.NotNil(t, ev.Comment)
	assert.Equal(t, "7", ev.Comment.ID)
	assert.Equal(t, "bob", ev.Comment.Author)
	assert.Equal(t, "me too", ev.Comment.Body)
}

func TestDecodeWebhookRejectsMissingIssue(t *testing.T) {
	_, err := DecodeWebhook([]byte(`{"action":"opened","repository":{"full_name":"o/r"}}`))
	assert.Error(t, err)

	_, err = DecodeWebhook([]byte(`{"action":"opened","issue":{"number":1}}`))
	assert.Error(t, err, "repository is required")

	_, err = DecodeWebhook([]byte(`not json`))
	assert.Error(t, err)
}
