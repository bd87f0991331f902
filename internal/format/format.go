// Package format renders decoded webhook events as chat message text.
//
// Every formatter is a pure function of one event variant and returns the
// messages for that variant in order. Render applies them to a whole
// payload in the fixed order commits, pull request, comment, issue.
package format

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mattjoyce/hookrelay/internal/event"
)

// Separator joins the messages of one delivery.
const Separator = "\n\n"

// Render formats every valid variant of p, in dispatch order.
func Render(p *event.Payload) []string {
	var messages []string
	if p.Push != nil {
		messages = append(messages, Commits(p.Push)...)
	}
	if p.PullRequest != nil {
		messages = append(messages, PullRequest(p.PullRequest)...)
	}
	if p.Comment != nil {
		messages = append(messages, Comment(p.Comment)...)
	}
	if p.Issue != nil {
		messages = append(messages, Issue(p.Issue)...)
	}
	return messages
}

// Join concatenates messages into one delivery body.
func Join(messages []string) string {
	return strings.Join(messages, Separator)
}

// Commits renders one message per commit, preserving input order.
func Commits(push *event.Push) []string {
	messages := make([]string, 0, len(push.Commits))
	for _, c := range push.Commits {
		var b strings.Builder
		fmt.Fprintf(&b, "commit %s\n", c.ID)
		fmt.Fprintf(&b, "Ref: %s\n", push.Ref)
		if c.URL != "" {
			fmt.Fprintf(&b, "URL: %s\n", c.URL)
		}
		fmt.Fprintf(&b, "Author: %s (%s)\n", c.Author, c.Committer)
		fmt.Fprintf(&b, "Date: %s\n\n", c.Timestamp)
		b.WriteString(c.Message)
		messages = append(messages, b.String())
	}
	return messages
}

// PullRequest renders a pull request event.
func PullRequest(pr *event.PullRequest) []string {
	var msg string
	switch pr.Kind {
	case event.PullRequestOpened:
		msg = fmt.Sprintf("%s wants to merge \"%s\" into \"%s\" (mergeable: %s)\nURL: %s\n\n%s\n%s",
			pr.User, pr.HeadBranch, pr.BaseBranch, titleBool(pr.Mergeable), pr.URL, pr.Title, pr.Body)
	case event.PullRequestSynchronized:
		msg = fmt.Sprintf("%s updated pull-request \"#%d\"", pr.User, pr.Number)
	case event.PullRequestClosed:
		msg = fmt.Sprintf("%s closed pull-request \"#%d\"", pr.User, pr.Number)
	default:
		msg = fmt.Sprintf("%s performed unrecognized action \"%s\" on pull-request \"#%d\"", pr.User, pr.Action, pr.Number)
	}
	return []string{msg}
}

// Comment renders a comment event. Deleted comments never carry their body.
func Comment(c *event.Comment) []string {
	if c.Deleted() {
		return []string{fmt.Sprintf("%s %s a comment\nURL: %s", c.User, c.Action, c.URL)}
	}
	return []string{fmt.Sprintf("%s %s a comment\nURL: %s\n\n%s", c.User, c.Action, c.URL, c.Body)}
}

// Issue renders an issue event. Only opened issues include title and body.
func Issue(i *event.Issue) []string {
	action := IssueAction(i.Action)
	url := i.RepositoryURL + "/issues/" + strconv.FormatInt(i.Number, 10)

	if action == "opened" {
		return []string{fmt.Sprintf("%s %s an issue\nURL: %s\n\n%s\n%s", i.User, action, url, i.Title, i.Body)}
	}
	return []string{fmt.Sprintf("%s %s an issue\nURL: %s", i.User, action, url)}
}

// IssueAction turns label actions into readable verbs.
func IssueAction(action string) string {
	switch action {
	case "label_cleared":
		return "cleared the labels of"
	case "label_updated":
		return "updated the labels of"
	default:
		return action
	}
}

// titleBool spells the mergeable flag as True or False.
func titleBool(v bool) string {
	if v {
		return "True"
	}
	return "False"
}
