// Package giturl parses the handful of git remote URL syntaxes the engine
// needs to tell apart: scp-like, ssh://, https:// and local file:// paths.
// Only URL identity and scheme classification are provided; path casing is
// preserved, since many hosts use case-sensitive repository paths.
package giturl

import (
	"fmt"
	"regexp"
	"strings"
)

var (
	// user@host.xz:path/to/repo.git
	scpURLRgx = regexp.MustCompile(`^(?P<user>[\w\-.]+)@(?P<host>([\w\-]+\.?[\w\-]+)+(:\d+)?):(?P<path>([\w\-.]+/)*)(?P<repo>[\w\-.]+(\.git)?)$`)

	// ssh://user@host.xz[:port]/path/to/repo.git
	sshURLRgx = regexp.MustCompile(`^ssh://(?P<user>[\w\-.]+)@(?P<host>([\w\-]+\.?[\w\-]+)+(:\d+)?)/(?P<path>([\w\-.]+/)*)(?P<repo>[\w\-.]+(\.git)?)$`)

	// https://host.xz[:port]/path/to/repo.git, optionally with embedded user:pass@
	httpsURLRgx = regexp.MustCompile(`^https://((?P<user>[^:@/]+)(:(?P<pass>[^@/]*))?@)?(?P<host>([\w\-]+\.?[\w\-]+)+(:\d+)?)/(?P<path>([\w\-.]+/)*)(?P<repo>[\w\-.]+(\.git)?)$`)

	// file:///path/to/repo.git
	localURLRgx = regexp.MustCompile(`^file://(?P<path>(/[\w\-.]+)*)/(?P<repo>[\w\-.]+(\.git)?)$`)
)

// URL represents a parsed git remote URL.
type URL struct {
	Scheme string // "scp", "ssh", "https" or "local"
	User   string // empty for https (unless embedded) and local URLs
	Host   string // host or host:port, empty for local URLs
	Path   string // path to the repo, without the repo name itself
	Repo   string // repo name, including any .git suffix
}

// Normalise trims whitespace and a trailing slash. The path is not
// lower-cased, since GitHub/GitLab paths are case-sensitive.
func Normalise(rawURL string) string {
	return strings.TrimRight(strings.TrimSpace(rawURL), "/")
}

// Parse parses a raw git remote URL.
func Parse(rawURL string) (*URL, error) {
	rawURL = Normalise(rawURL)

	u := &URL{}
	var sections []string

	switch {
	case IsSCPURL(rawURL):
		sections = scpURLRgx.FindStringSubmatch(rawURL)
		u.Scheme = "scp"
		u.User = sections[scpURLRgx.SubexpIndex("user")]
		u.Host = sections[scpURLRgx.SubexpIndex("host")]
		u.Path = sections[scpURLRgx.SubexpIndex("path")]
		u.Repo = sections[scpURLRgx.SubexpIndex("repo")]
	case IsSSHURL(rawURL):
		sections = sshURLRgx.FindStringSubmatch(rawURL)
		u.Scheme = "ssh"
		u.User = sections[sshURLRgx.SubexpIndex("user")]
		u.Host = sections[sshURLRgx.SubexpIndex("host")]
		u.Path = sections[sshURLRgx.SubexpIndex("path")]
		u.Repo = sections[sshURLRgx.SubexpIndex("repo")]
	case IsHTTPSURL(rawURL):
		sections = httpsURLRgx.FindStringSubmatch(rawURL)
		u.Scheme = "https"
		u.User = sections[httpsURLRgx.SubexpIndex("user")]
		u.Host = sections[httpsURLRgx.SubexpIndex("host")]
		u.Path = sections[httpsURLRgx.SubexpIndex("path")]
		u.Repo = sections[httpsURLRgx.SubexpIndex("repo")]
	case IsLocalURL(rawURL):
		sections = localURLRgx.FindStringSubmatch(rawURL)
		u.Scheme = "local"
		u.Path = sections[localURLRgx.SubexpIndex("path")]
		u.Repo = sections[localURLRgx.SubexpIndex("repo")]
	default:
		return nil, fmt.Errorf(
			"'%s' is not a supported git remote url, expected scp-like, ssh://, https:// or file://", rawURL)
	}

	u.Path = strings.Trim(u.Path, "/")
	if u.Repo == "" || u.Repo == ".git" {
		return nil, fmt.Errorf("repo name is invalid in '%s'", rawURL)
	}

	return u, nil
}

// Equals reports whether two parsed URLs refer to the same repository,
// regardless of scheme.
func (u *URL) Equals(o *URL) bool {
	return u.Host == o.Host &&
		u.Path == o.Path &&
		strings.TrimSuffix(u.Repo, ".git") == strings.TrimSuffix(o.Repo, ".git")
}

// IsSCPURL reports whether rawURL uses scp-like syntax (user@host:path).
func IsSCPURL(rawURL string) bool { return scpURLRgx.MatchString(rawURL) }

// IsSSHURL reports whether rawURL is an ssh:// URL.
func IsSSHURL(rawURL string) bool { return sshURLRgx.MatchString(rawURL) }

// IsHTTPSURL reports whether rawURL is an https:// URL.
func IsHTTPSURL(rawURL string) bool { return httpsURLRgx.MatchString(rawURL) }

// IsLocalURL reports whether rawURL is a file:// URL.
func IsLocalURL(rawURL string) bool { return localURLRgx.MatchString(rawURL) }

// NeedsSSHCommand reports whether the url is transported over SSH, i.e. git
// itself (rather than the credential materializer) needs a GIT_SSH_COMMAND.
func NeedsSSHCommand(rawURL string) bool {
	return IsSCPURL(rawURL) || IsSSHURL(rawURL)
}
