package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/mattjoyce/conduit/internal/trigger"
)

// errIgnored marks a verified delivery that does not map to a pipeline:
// ping events, branch deletions, closed merge requests.
var errIgnored = errors.New("event ignored")

const zeroSHA = "0000000000000000000000000000000000000000"

// parseDelivery maps a provider payload onto a trigger context.
func parseDelivery(provider string, h http.Header, body []byte) (trigger.Context, error) {
	switch provider {
	case ProviderGitHub:
		return parseGitHub(h.Get("X-GitHub-Event"), body)
	case ProviderGitLab:
		return parseGitLab(h.Get("X-Gitlab-Event"), body)
	}
	return trigger.Context{}, fmt.Errorf("unknown provider %q", provider)
}

type githubCommit struct {
	ID       string   `json:"id"`
	Message  string   `json:"message"`
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Removed  []string `json:"removed"`
	Author   struct {
		Name string `json:"name"`
	} `json:"author"`
}

type githubPush struct {
	Ref        string         `json:"ref"`
	After      string         `json:"after"`
	Deleted    bool           `json:"deleted"`
	HeadCommit *githubCommit  `json:"head_commit"`
	Commits    []githubCommit `json:"commits"`
	Repository struct {
		DefaultBranch string `json:"default_branch"`
	} `json:"repository"`
}

type githubPullRequest struct {
	Action      string `json:"action"`
	Number      int    `json:"number"`
	PullRequest struct {
		Title string `json:"title"`
		Head  struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
		Base struct {
			Ref string `json:"ref"`
		} `json:"base"`
		Labels []struct {
			Name string `json:"name"`
		} `json:"labels"`
		User struct {
			Login string `json:"login"`
		} `json:"user"`
	} `json:"pull_request"`
	Repository struct {
		DefaultBranch string `json:"default_branch"`
	} `json:"repository"`
}

func parseGitHub(event string, body []byte) (trigger.Context, error) {
	switch event {
	case "push":
		var p githubPush
		if err := json.Unmarshal(body, &p); err != nil {
			return trigger.Context{}, fmt.Errorf("decode push payload: %w", err)
		}
		if p.Deleted || p.After == zeroSHA {
			return trigger.Context{}, errIgnored
		}
		tc := trigger.Context{
			Source:        trigger.SourcePush,
			CommitSHA:     p.After,
			DefaultBranch: p.Repository.DefaultBranch,
		}
		if err := setRef(&tc, p.Ref); err != nil {
			return trigger.Context{}, err
		}
		if p.HeadCommit != nil {
			tc.CommitMessage = p.HeadCommit.Message
			tc.CommitAuthor = p.HeadCommit.Author.Name
		}
		tc.ChangedFiles = changedFiles(p.Commits)
		return tc, nil

	case "pull_request":
		var p githubPullRequest
		if err := json.Unmarshal(body, &p); err != nil {
			return trigger.Context{}, fmt.Errorf("decode pull_request payload: %w", err)
		}
		switch p.Action {
		case "opened", "synchronize", "reopened", "ready_for_review", "labeled", "unlabeled", "edited":
		default:
			return trigger.Context{}, errIgnored
		}
		mr := &trigger.MergeRequest{
			IID:          p.Number,
			SourceBranch: p.PullRequest.Head.Ref,
			TargetBranch: p.PullRequest.Base.Ref,
			Title:        p.PullRequest.Title,
		}
		for _, l := range p.PullRequest.Labels {
			mr.Labels = append(mr.Labels, l.Name)
		}
		return trigger.Context{
			Source:        trigger.SourceMergeRequest,
			CommitSHA:     p.PullRequest.Head.SHA,
			CommitMessage: p.PullRequest.Title,
			CommitAuthor:  p.PullRequest.User.Login,
			DefaultBranch: p.Repository.DefaultBranch,
			MergeRequest:  mr,
		}, nil
	}
	return trigger.Context{}, errIgnored
}

type gitlabCommit struct {
	ID       string   `json:"id"`
	Message  string   `json:"message"`
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Removed  []string `json:"removed"`
	Author   struct {
		Name string `json:"name"`
	} `json:"author"`
}

type gitlabPush struct {
	Ref          string         `json:"ref"`
	CheckoutSHA  string         `json:"checkout_sha"`
	After        string         `json:"after"`
	UserName     string         `json:"user_name"`
	Commits      []gitlabCommit `json:"commits"`
	Project      gitlabProject  `json:"project"`
	TotalCommits int            `json:"total_commits_count"`
}

type gitlabProject struct {
	DefaultBranch string `json:"default_branch"`
}

type gitlabMergeRequest struct {
	User struct {
		Name string `json:"name"`
	} `json:"user"`
	Project          gitlabProject `json:"project"`
	ObjectAttributes struct {
		IID          int    `json:"iid"`
		Title        string `json:"title"`
		Action       string `json:"action"`
		State        string `json:"state"`
		SourceBranch string `json:"source_branch"`
		TargetBranch string `json:"target_branch"`
		LastCommit   struct {
			ID      string `json:"id"`
			Message string `json:"message"`
		} `json:"last_commit"`
	} `json:"object_attributes"`
	Labels []struct {
		Title string `json:"title"`
	} `json:"labels"`
}

func parseGitLab(event string, body []byte) (trigger.Context, error) {
	switch event {
	case "Push Hook", "Tag Push Hook":
		var p gitlabPush
		if err := json.Unmarshal(body, &p); err != nil {
			return trigger.Context{}, fmt.Errorf("decode push payload: %w", err)
		}
		sha := p.CheckoutSHA
		if sha == "" {
			sha = p.After
		}
		if sha == "" || sha == zeroSHA {
			return trigger.Context{}, errIgnored
		}
		tc := trigger.Context{
			Source:        trigger.SourcePush,
			CommitSHA:     sha,
			CommitAuthor:  p.UserName,
			DefaultBranch: p.Project.DefaultBranch,
		}
		if err := setRef(&tc, p.Ref); err != nil {
			return trigger.Context{}, err
		}
		commits := make([]githubCommit, len(p.Commits))
		for i, c := range p.Commits {
			commits[i] = githubCommit(c)
			if c.ID == sha {
				tc.CommitMessage = c.Message
				tc.CommitAuthor = c.Author.Name
			}
		}
		tc.ChangedFiles = changedFiles(commits)
		return tc, nil

	case "Merge Request Hook":
		var p gitlabMergeRequest
		if err := json.Unmarshal(body, &p); err != nil {
			return trigger.Context{}, fmt.Errorf("decode merge request payload: %w", err)
		}
		oa := p.ObjectAttributes
		if oa.State != "" && oa.State != "opened" {
			return trigger.Context{}, errIgnored
		}
		mr := &trigger.MergeRequest{
			IID:          oa.IID,
			SourceBranch: oa.SourceBranch,
			TargetBranch: oa.TargetBranch,
			Title:        oa.Title,
		}
		for _, l := range p.Labels {
			mr.Labels = append(mr.Labels, l.Title)
		}
		return trigger.Context{
			Source:        trigger.SourceMergeRequest,
			CommitSHA:     oa.LastCommit.ID,
			CommitMessage: oa.LastCommit.Message,
			CommitAuthor:  p.User.Name,
			DefaultBranch: p.Project.DefaultBranch,
			MergeRequest:  mr,
		}, nil
	}
	return trigger.Context{}, errIgnored
}

func setRef(tc *trigger.Context, ref string) error {
	switch {
	case strings.HasPrefix(ref, "refs/heads/"):
		tc.Branch = strings.TrimPrefix(ref, "refs/heads/")
	case strings.HasPrefix(ref, "refs/tags/"):
		tc.Tag = strings.TrimPrefix(ref, "refs/tags/")
	default:
		return fmt.Errorf("unsupported ref %q", ref)
	}
	return nil
}

// changedFiles is the sorted union of files touched by the pushed commits.
func changedFiles(commits []githubCommit) []string {
	seen := make(map[string]bool)
	var out []string
	for _, c := range commits {
		for _, list := range [][]string{c.Added, c.Modified, c.Removed} {
			for _, f := range list {
				if !seen[f] {
					seen[f] = true
					out = append(out, f)
				}
			}
		}
	}
	slices.Sort(out)
	return out
}
