package event

// Kind names a recognized payload variant.
type Kind string

const (
	KindPush        Kind = "commits"
	KindPullRequest Kind = "pull_request"
	KindComment     Kind = "comment"
	KindIssue       Kind = "issue"
)

// Payload is a decoded webhook body. Each recognized variant is set only
// when its key was present and its fields validated; variants that failed
// validation are reported in Errors instead.
type Payload struct {
	Push        *Push
	PullRequest *PullRequest
	Comment     *Comment
	Issue       *Issue

	// Keys lists the recognized top-level keys seen, in dispatch order.
	Keys   []Kind
	Errors []error
}

// Recognized reports whether any known variant key was present.
func (p *Payload) Recognized() bool {
	return len(p.Keys) > 0
}

// Push is a set of commits pushed to one ref.
type Push struct {
	Ref     string
	Commits []Commit
}

// Commit is a single pushed commit.
type Commit struct {
	ID        string
	URL       string
	Timestamp string
	Author    string
	Committer string
	Message   string
}

// PullRequestKind classifies a pull request action.
type PullRequestKind int

const (
	PullRequestUnknown PullRequestKind = iota
	PullRequestOpened
	PullRequestSynchronized
	PullRequestClosed
)

// ClassifyPullRequest maps a hook action onto a PullRequestKind.
func ClassifyPullRequest(action string) PullRequestKind {
	switch action {
	case "opened", "reopened":
		return PullRequestOpened
	case "synchronized":
		return PullRequestSynchronized
	case "closed":
		return PullRequestClosed
	default:
		return PullRequestUnknown
	}
}

// PullRequest is a pull request event.
type PullRequest struct {
	Action     string
	Kind       PullRequestKind
	User       string
	Number     int64
	Title      string
	Body       string
	HeadBranch string
	BaseBranch string
	URL        string
	Mergeable  bool
}

// Comment is a comment event on an issue or pull request.
type Comment struct {
	Action string
	User   string
	URL    string
	Body   string
}

// Deleted reports whether the comment was removed; its body is then meaningless.
func (c *Comment) Deleted() bool {
	return c.Action == "deleted"
}

// Issue is an issue event that is not a comment on that issue.
type Issue struct {
	Action        string
	User          string
	Number        int64
	Title         string
	Body          string
	RepositoryURL string
}
