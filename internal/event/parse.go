package event

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

type wireUser struct {
	FullName string `json:"full_name"`
	Username string `json:"username"`
	Login    string `json:"login"`
}

// display prefers the full name and falls back to the account name,
// since Gogs leaves full_name empty for many accounts.
func (u *wireUser) display() string {
	switch {
	case u.FullName != "":
		return u.FullName
	case u.Username != "":
		return u.Username
	default:
		return u.Login
	}
}

type wireSignature struct {
	Name *string `json:"name"`
}

type wireCommit struct {
	ID        *string        `json:"id"`
	URL       string         `json:"url"`
	Timestamp *string        `json:"timestamp"`
	Message   *string        `json:"message"`
	Author    *wireSignature `json:"author"`
	Committer *wireSignature `json:"committer"`
}

type pushEnvelope struct {
	Ref     *string      `json:"ref"`
	Commits []wireCommit `json:"commits"`
}

type pullRequestEnvelope struct {
	Action      *string   `json:"action"`
	Number      *int64    `json:"number"`
	Sender      *wireUser `json:"sender"`
	PullRequest *struct {
		Number     *int64  `json:"number"`
		Title      *string `json:"title"`
		Body       string  `json:"body"`
		HeadBranch *string `json:"head_branch"`
		BaseBranch *string `json:"base_branch"`
		HTMLURL    *string `json:"html_url"`
		Mergeable  bool    `json:"mergeable"`
	} `json:"pull_request"`
}

type commentEnvelope struct {
	Action  *string   `json:"action"`
	Sender  *wireUser `json:"sender"`
	Comment *struct {
		HTMLURL *string `json:"html_url"`
		Body    *string `json:"body"`
	} `json:"comment"`
}

type issueEnvelope struct {
	Action     *string   `json:"action"`
	Sender     *wireUser `json:"sender"`
	Repository *struct {
		HTMLURL *string `json:"html_url"`
	} `json:"repository"`
	Issue *struct {
		Number *int64  `json:"number"`
		Title  *string `json:"title"`
		Body   string  `json:"body"`
	} `json:"issue"`
}

// Parse decodes a webhook body into its recognized variants.
//
// Every present variant is decoded independently: a malformed pull request
// does not stop the commits in the same body from being reported. An issue
// is only decoded when the body has no comment, because comment-on-issue
// events carry both keys.
func Parse(body []byte) (*Payload, error) {
	var keys map[string]json.RawMessage
	if err := json.Unmarshal(body, &keys); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotObject, err)
	}
	if keys == nil {
		return nil, ErrNotObject
	}

	p := &Payload{}

	if present(keys, KindPush) {
		p.Keys = append(p.Keys, KindPush)
		push, err := parsePush(body)
		if err != nil {
			p.Errors = append(p.Errors, err)
		} else {
			p.Push = push
		}
	}

	if present(keys, KindPullRequest) {
		p.Keys = append(p.Keys, KindPullRequest)
		pr, err := parsePullRequest(body)
		if err != nil {
			p.Errors = append(p.Errors, err)
		} else {
			p.PullRequest = pr
		}
	}

	hasComment := present(keys, KindComment)
	if hasComment {
		p.Keys = append(p.Keys, KindComment)
		c, err := parseComment(body)
		if err != nil {
			p.Errors = append(p.Errors, err)
		} else {
			p.Comment = c
		}
	}

	if present(keys, KindIssue) && !hasComment {
		p.Keys = append(p.Keys, KindIssue)
		issue, err := parseIssue(body)
		if err != nil {
			p.Errors = append(p.Errors, err)
		} else {
			p.Issue = issue
		}
	}

	return p, nil
}

// present treats an explicit JSON null the same as an absent key.
func present(keys map[string]json.RawMessage, kind Kind) bool {
	raw, ok := keys[string(kind)]
	return ok && !bytes.Equal(bytes.TrimSpace(raw), []byte("null"))
}

func decode(kind Kind, body []byte, v any) error {
	if err := json.Unmarshal(body, v); err != nil {
		var typeErr *json.UnmarshalTypeError
		if errors.As(err, &typeErr) && typeErr.Field != "" {
			return invalid(kind, typeErr.Field, err)
		}
		return invalid(kind, string(kind), err)
	}
	return nil
}

func senderName(kind Kind, u *wireUser) (string, error) {
	if u == nil {
		return "", missing(kind, "sender")
	}
	name := u.display()
	if name == "" {
		return "", missing(kind, "sender.full_name")
	}
	return name, nil
}

func parsePush(body []byte) (*Push, error) {
	var env pushEnvelope
	if err := decode(KindPush, body, &env); err != nil {
		return nil, err
	}
	if env.Ref == nil {
		return nil, missing(KindPush, "ref")
	}

	push := &Push{Ref: *env.Ref, Commits: make([]Commit, 0, len(env.Commits))}
	for i, wc := range env.Commits {
		field := func(name string) string { return fmt.Sprintf("commits[%d].%s", i, name) }
		switch {
		case wc.ID == nil:
			return nil, missing(KindPush, field("id"))
		case wc.Timestamp == nil:
			return nil, missing(KindPush, field("timestamp"))
		case wc.Message == nil:
			return nil, missing(KindPush, field("message"))
		case wc.Author == nil || wc.Author.Name == nil:
			return nil, missing(KindPush, field("author.name"))
		case wc.Committer == nil || wc.Committer.Name == nil:
			return nil, missing(KindPush, field("committer.name"))
		}
		push.Commits = append(push.Commits, Commit{
			ID:        *wc.ID,
			URL:       wc.URL,
			Timestamp: *wc.Timestamp,
			Author:    *wc.Author.Name,
			Committer: *wc.Committer.Name,
			Message:   *wc.Message,
		})
	}
	return push, nil
}

func parsePullRequest(body []byte) (*PullRequest, error) {
	var env pullRequestEnvelope
	if err := decode(KindPullRequest, body, &env); err != nil {
		return nil, err
	}
	if env.Action == nil {
		return nil, missing(KindPullRequest, "action")
	}
	user, err := senderName(KindPullRequest, env.Sender)
	if err != nil {
		return nil, err
	}
	wpr := env.PullRequest
	if wpr == nil {
		return nil, missing(KindPullRequest, "pull_request")
	}

	pr := &PullRequest{
		Action:    *env.Action,
		Kind:      ClassifyPullRequest(*env.Action),
		User:      user,
		Body:      wpr.Body,
		Mergeable: wpr.Mergeable,
	}

	switch {
	case wpr.Number != nil:
		pr.Number = *wpr.Number
	case env.Number != nil:
		pr.Number = *env.Number
	default:
		return nil, missing(KindPullRequest, "pull_request.number")
	}

	if pr.Kind != PullRequestOpened {
		return pr, nil
	}

	switch {
	case wpr.Title == nil:
		return nil, missing(KindPullRequest, "pull_request.title")
	case wpr.HeadBranch == nil:
		return nil, missing(KindPullRequest, "pull_request.head_branch")
	case wpr.BaseBranch == nil:
		return nil, missing(KindPullRequest, "pull_request.base_branch")
	case wpr.HTMLURL == nil:
		return nil, missing(KindPullRequest, "pull_request.html_url")
	}
	pr.Title = *wpr.Title
	pr.HeadBranch = *wpr.HeadBranch
	pr.BaseBranch = *wpr.BaseBranch
	pr.URL = *wpr.HTMLURL
	return pr, nil
}

func parseComment(body []byte) (*Comment, error) {
	var env commentEnvelope
	if err := decode(KindComment, body, &env); err != nil {
		return nil, err
	}
	if env.Action == nil {
		return nil, missing(KindComment, "action")
	}
	user, err := senderName(KindComment, env.Sender)
	if err != nil {
		return nil, err
	}
	if env.Comment == nil {
		return nil, missing(KindComment, "comment")
	}
	if env.Comment.HTMLURL == nil {
		return nil, missing(KindComment, "comment.html_url")
	}

	c := &Comment{Action: *env.Action, User: user, URL: *env.Comment.HTMLURL}
	if c.Deleted() {
		return c, nil
	}
	if env.Comment.Body == nil {
		return nil, missing(KindComment, "comment.body")
	}
	c.Body = *env.Comment.Body
	return c, nil
}

func parseIssue(body []byte) (*Issue, error) {
	var env issueEnvelope
	if err := decode(KindIssue, body, &env); err != nil {
		return nil, err
	}
	if env.Action == nil {
		return nil, missing(KindIssue, "action")
	}
	user, err := senderName(KindIssue, env.Sender)
	if err != nil {
		return nil, err
	}
	if env.Repository == nil || env.Repository.HTMLURL == nil {
		return nil, missing(KindIssue, "repository.html_url")
	}
	if env.Issue == nil {
		return nil, missing(KindIssue, "issue")
	}
	if env.Issue.Number == nil {
		return nil, missing(KindIssue, "issue.number")
	}

	issue := &Issue{
		Action:        *env.Action,
		User:          user,
		Number:        *env.Issue.Number,
		Body:          env.Issue.Body,
		RepositoryURL: *env.Repository.HTMLURL,
	}
	if issue.Action == "opened" {
		if env.Issue.Title == nil {
			return nil, missing(KindIssue, "issue.title")
		}
		issue.Title = *env.Issue.Title
	} else if env.Issue.Title != nil {
		issue.Title = *env.Issue.Title
	}
	return issue, nil
}
