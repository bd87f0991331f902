package event

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pushBody = `{
  "ref": "refs/heads/main",
  "commits": [
    {"id": "abc123", "message": "fix bug", "url": "https://git.example.org/o/r/commit/abc123",
     "author": {"name": "Alice"}, "committer": {"name": "Bob"}, "timestamp": "2024-01-01T00:00:00Z"},
    {"id": "def456", "message": "second", "author": {"name": "Alice"}, "committer": {"name": "Alice"},
     "timestamp": "2024-01-01T00:05:00Z"}
  ]
}`

func TestParse_Push(t *testing.T) {
	p, err := Parse([]byte(pushBody))
	require.NoError(t, err)
	require.Empty(t, p.Errors)
	require.NotNil(t, p.Push)

	assert.Equal(t, []Kind{KindPush}, p.Keys)
	assert.Equal(t, "refs/heads/main", p.Push.Ref)
	require.Len(t, p.Push.Commits, 2)
	assert.Equal(t, Commit{
		ID:        "abc123",
		URL:       "https://git.example.org/o/r/commit/abc123",
		Timestamp: "2024-01-01T00:00:00Z",
		Author:    "Alice",
		Committer: "Bob",
		Message:   "fix bug",
	}, p.Push.Commits[0])
	assert.Equal(t, "def456", p.Push.Commits[1].ID)
	assert.Empty(t, p.Push.Commits[1].URL)
}

func TestParse_PullRequest(t *testing.T) {
	body := `{
	  "action": "opened", "number": 7,
	  "sender": {"full_name": "", "username": "carol"},
	  "pull_request": {"title": "Add x", "body": "details", "head_branch": "feature",
	    "base_branch": "main", "html_url": "https://git.example.org/o/r/pulls/7", "mergeable": true}
	}`
	p, err := Parse([]byte(body))
	require.NoError(t, err)
	require.Empty(t, p.Errors)
	require.NotNil(t, p.PullRequest)

	pr := p.PullRequest
	assert.Equal(t, PullRequestOpened, pr.Kind)
	assert.Equal(t, "carol", pr.User)
	assert.Equal(t, int64(7), pr.Number)
	assert.Equal(t, "feature", pr.HeadBranch)
	assert.Equal(t, "main", pr.BaseBranch)
	assert.True(t, pr.Mergeable)
}

func TestParse_PullRequestNumberPrefersNested(t *testing.T) {
	body := `{"action": "closed", "number": 1, "sender": {"full_name": "Dan"},
	  "pull_request": {"number": 9}}`
	p, err := Parse([]byte(body))
	require.NoError(t, err)
	require.NotNil(t, p.PullRequest)
	assert.Equal(t, int64(9), p.PullRequest.Number)
	assert.Equal(t, PullRequestClosed, p.PullRequest.Kind)
}

func TestParse_CommentSuppressesIssue(t *testing.T) {
	body := `{
	  "action": "created",
	  "sender": {"full_name": "Eve"},
	  "repository": {"html_url": "https://git.example.org/o/r"},
	  "issue": {"number": 3, "title": "Broken", "body": "it broke"},
	  "comment": {"html_url": "https://git.example.org/o/r/issues/3#c1", "body": "me too"}
	}`
	p, err := Parse([]byte(body))
	require.NoError(t, err)
	require.Empty(t, p.Errors)

	assert.Equal(t, []Kind{KindComment}, p.Keys)
	require.NotNil(t, p.Comment)
	assert.Nil(t, p.Issue)
	assert.Equal(t, "me too", p.Comment.Body)
}

func TestParse_DeletedCommentNeedsNoBody(t *testing.T) {
	body := `{"action": "deleted", "sender": {"full_name": "Eve"},
	  "comment": {"html_url": "https://git.example.org/o/r/issues/3#c1"}}`
	p, err := Parse([]byte(body))
	require.NoError(t, err)
	require.Empty(t, p.Errors)
	require.NotNil(t, p.Comment)
	assert.True(t, p.Comment.Deleted())
}

func TestParse_Issue(t *testing.T) {
	body := `{"action": "label_updated", "sender": {"full_name": "Fay"},
	  "repository": {"html_url": "https://git.example.org/o/r"},
	  "issue": {"number": 12, "title": "t", "body": "b"}}`
	p, err := Parse([]byte(body))
	require.NoError(t, err)
	require.Empty(t, p.Errors)
	require.NotNil(t, p.Issue)
	assert.Equal(t, int64(12), p.Issue.Number)
	assert.Equal(t, "https://git.example.org/o/r", p.Issue.RepositoryURL)
}

func TestParse_MalformedVariantDoesNotAbortOthers(t *testing.T) {
	body := `{
	  "ref": "refs/heads/main",
	  "commits": [{"id": "abc", "message": "m", "author": {"name": "A"}, "committer": {"name": "A"},
	    "timestamp": "2024-01-01T00:00:00Z"}],
	  "pull_request": {"title": "no action anywhere"}
	}`
	p, err := Parse([]byte(body))
	require.NoError(t, err)

	assert.Equal(t, []Kind{KindPush, KindPullRequest}, p.Keys)
	require.NotNil(t, p.Push)
	assert.Nil(t, p.PullRequest)
	require.Len(t, p.Errors, 1)

	var fe *FieldError
	require.True(t, errors.As(p.Errors[0], &fe))
	assert.Equal(t, KindPullRequest, fe.Kind)
	assert.Equal(t, "action", fe.Field)
}

func TestParse_MissingFields(t *testing.T) {
	tests := []struct {
		name  string
		body  string
		field string
	}{
		{
			name:  "push without ref",
			body:  `{"commits": []}`,
			field: "ref",
		},
		{
			name: "commit without author",
			body: `{"ref": "r", "commits": [{"id": "a", "message": "m", "committer": {"name": "C"},
			  "timestamp": "t"}]}`,
			field: "commits[0].author.name",
		},
		{
			name:  "pull request without sender",
			body:  `{"action": "closed", "pull_request": {"number": 1}}`,
			field: "sender",
		},
		{
			name:  "opened pull request without title",
			body:  `{"action": "opened", "sender": {"full_name": "x"}, "pull_request": {"number": 1}}`,
			field: "pull_request.title",
		},
		{
			name:  "comment without body",
			body:  `{"action": "created", "sender": {"full_name": "x"}, "comment": {"html_url": "u"}}`,
			field: "comment.body",
		},
		{
			name:  "issue without repository",
			body:  `{"action": "closed", "sender": {"full_name": "x"}, "issue": {"number": 1}}`,
			field: "repository.html_url",
		},
		{
			name:  "mistyped number",
			body:  `{"action": "closed", "sender": {"full_name": "x"}, "pull_request": {"number": "one"}}`,
			field: "pull_request.number",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := Parse([]byte(tt.body))
			require.NoError(t, err)
			require.Len(t, p.Errors, 1)

			var fe *FieldError
			require.True(t, errors.As(p.Errors[0], &fe))
			assert.Equal(t, tt.field, fe.Field)
		})
	}
}

func TestParse_NotObject(t *testing.T) {
	for _, body := range []string{``, `[]`, `"x"`, `null`, `{broken`} {
		_, err := Parse([]byte(body))
		assert.ErrorIs(t, err, ErrNotObject, "body %q", body)
	}
}

func TestParse_Unrecognized(t *testing.T) {
	p, err := Parse([]byte(`{"ref": "refs/tags/v1", "ref_type": "tag", "pull_request": null}`))
	require.NoError(t, err)
	assert.False(t, p.Recognized())
	assert.Empty(t, p.Errors)
}

func TestClassifyPullRequest(t *testing.T) {
	assert.Equal(t, PullRequestOpened, ClassifyPullRequest("opened"))
	assert.Equal(t, PullRequestOpened, ClassifyPullRequest("reopened"))
	assert.Equal(t, PullRequestSynchronized, ClassifyPullRequest("synchronized"))
	assert.Equal(t, PullRequestClosed, ClassifyPullRequest("closed"))
	assert.Equal(t, PullRequestUnknown, ClassifyPullRequest("edited"))
}
