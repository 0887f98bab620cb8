package overlap

import (
	"context"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// gitTimeout bounds each of the two git subprocess calls the probe
// needs, set to the same 2 s as spec §5's overlap-query budget.
const gitTimeout = 2 * time.Second

// GitInfo is the probe's resolved view of the working directory.
type GitInfo struct {
	RepoName  string
	Host      string // github, gitlab, or none
	RemoteURL string
	GitRoot   string
}

var hostPatterns = []struct {
	host string
	re   *regexp.Regexp
}{
	{"github", regexp.MustCompile(`github\.com`)},
	{"gitlab", regexp.MustCompile(`gitlab\.com`)},
}

var originTailRe = regexp.MustCompile(`[/:]([^/:]+?)(?:\.git)?$`)

// ResolveGitInfo shells out to git to find cwd's toplevel and origin
// remote, grounded on the same exec.CommandContext + fail-soft posture
// as the repo matcher's git lookup.
func ResolveGitInfo(cwd string) (*GitInfo, bool) {
	root, ok := gitRoot(cwd)
	if !ok {
		return nil, false
	}

	info := &GitInfo{GitRoot: root, Host: "none"}

	url, ok := originURL(cwd)
	if ok {
		info.RemoteURL = url
		if m := originTailRe.FindStringSubmatch(url); m != nil {
			info.RepoName = m[1]
		}
		for _, hp := range hostPatterns {
			if hp.re.MatchString(url) {
				info.Host = hp.host
				break
			}
		}
	}
	if info.RepoName == "" {
		// fall back to the toplevel directory's basename
		parts := strings.Split(strings.TrimRight(root, "/"), "/")
		info.RepoName = parts[len(parts)-1]
	}

	return info, true
}

func gitRoot(cwd string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), gitTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "git", "-C", cwd, "rev-parse", "--show-toplevel").Output()
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(out)), true
}

func originURL(cwd string) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), gitTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, "git", "-C", cwd, "remote", "get-url", "origin").Output()
	if err != nil {
		return "", false
	}
	return strings.TrimSpace(string(out)), true
}
