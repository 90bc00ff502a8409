// Package credentials materializes RepoPair credentials into the form git
// actually consumes: an authenticated URL for HTTPS remotes, or a
// GIT_SSH_COMMAND pointing at a freshly-written private key file for SSH
// remotes.
//
// Every RepoPair carries its own independent source and destination
// credential, so SSH keys are written to per-pair-per-side files for the
// duration of one sync rather than being configured once at startup.
package credentials

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/mirrorbot/repo-mirror/giturl"
)

// Kind identifies which credential variant is populated.
type Kind int

const (
	// None means the remote is fetched/pushed without any credentials.
	None Kind = iota
	// UserPass carries a static username and password (or personal access token).
	UserPass
	// SSHKey carries a private key's PEM text.
	SSHKey
	// GithubApp carries a GitHub App identity that is exchanged for a
	// short-lived installation token at authorization time.
	GithubApp
)

// Credentials is a tagged union: at most one of the variant fields is
// meaningful, selected by Kind.
type Credentials struct {
	Kind Kind

	Username string
	Password string

	PrivateKeyText string

	GithubAppID             string
	GithubAppInstallationID string
	GithubAppPrivateKeyText string
}

// CredentialError indicates malformed credential material (bad URL shape,
// unparsable key, unwritable key file). It is retryable only when the
// underlying cause is a transient filesystem error; the worker decides that
// by inspecting Transient and does not retry when it is false.
type CredentialError struct {
	Msg       string
	Transient bool
	Err       error
}

func (e *CredentialError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *CredentialError) Unwrap() error { return e.Err }

// HasSSHKey reports whether these credentials carry an SSH private key
// (SSHKey is used directly over SSH; GithubApp never is, it always produces
// an HTTPS bearer-style token).
func (c Credentials) HasSSHKey() bool {
	return c.Kind == SSHKey && strings.TrimSpace(c.PrivateKeyText) != ""
}

// Materializer turns RepoPair credentials into what git needs for one side
// (source or destination) of one mirror operation.
type Materializer struct {
	// WorkRoot is the root directory under which ssh_keys/ is created.
	WorkRoot string
	// GithubAppTokenFunc exchanges a GitHub App identity for an installation
	// token. Exposed as a field (rather than calling the network directly)
	// so tests can stub it; production callers set it to ExchangeGithubAppToken.
	GithubAppTokenFunc func(ctx context.Context, c Credentials) (string, error)
}

// AuthorizeURL splices username/password into an HTTPS URL. SSH and scp-like
// URLs are returned unchanged, since SSH authentication is carried out of
// band via GIT_SSH_COMMAND.
func (m *Materializer) AuthorizeURL(ctx context.Context, rawURL string, creds Credentials) (string, error) {
	if giturl.NeedsSSHCommand(rawURL) {
		return rawURL, nil
	}
	if !giturl.IsHTTPSURL(rawURL) {
		return rawURL, nil
	}

	username, password, ok, err := m.userPass(ctx, creds)
	if err != nil {
		return "", err
	}
	if !ok {
		return rawURL, nil
	}

	scheme, rest, found := strings.Cut(rawURL, "://")
	if !found {
		return "", &CredentialError{Msg: fmt.Sprintf("malformed url %q", rawURL)}
	}
	// strip any pre-existing "user@" (or "user:pass@") authority
	if i := strings.Index(rest, "@"); i >= 0 {
		rest = rest[i+1:]
	}

	return fmt.Sprintf("%s://%s:%s@%s", scheme, username, password, rest), nil
}

// userPass resolves the (username, password) pair to splice into a URL, if
// any. GithubApp credentials are exchanged for a token here, lazily, so the
// network call only happens for remotes that actually need it.
func (m *Materializer) userPass(ctx context.Context, creds Credentials) (username, password string, ok bool, err error) {
	switch creds.Kind {
	case UserPass:
		if creds.Password == "" {
			return "", "", false, nil
		}
		username = creds.Username
		if username == "" {
			username = "-"
		}
		return username, creds.Password, true, nil

	case GithubApp:
		if m.GithubAppTokenFunc == nil {
			return "", "", false, &CredentialError{Msg: "github app credentials set but no token exchange configured"}
		}
		token, err := m.GithubAppTokenFunc(ctx, creds)
		if err != nil {
			return "", "", false, &CredentialError{Msg: "unable to exchange github app token", Err: err}
		}
		// GitHub accepts any non-empty username alongside an installation token.
		return "x-access-token", token, true, nil

	default:
		return "", "", false, nil
	}
}

// sshKeyPath returns the path an SSH key for the given pair/side is written to.
func (m *Materializer) sshKeyPath(pairID, side string) string {
	return filepath.Join(m.WorkRoot, "ssh_keys", fmt.Sprintf("%s_%s_key", pairID, side))
}

// PrepareSSH validates and writes out an SSH private key for one side of one
// pair, returning the GIT_SSH_COMMAND environment entry to use and a cleanup
// function the caller must defer immediately so the key is removed on every
// exit path (success, error, panic or abort).
func (m *Materializer) PrepareSSH(pairID, side, keyText string) (env string, cleanup func(), err error) {
	if _, err := ssh.ParseRawPrivateKey([]byte(keyText)); err != nil {
		return "", func() {}, &CredentialError{Msg: "ssh private key does not parse", Err: err}
	}

	path := m.sshKeyPath(pairID, side)
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", func() {}, &CredentialError{Msg: "unable to create ssh_keys dir", Transient: true, Err: err}
	}
	if err := os.WriteFile(path, []byte(keyText), 0o600); err != nil {
		return "", func() {}, &CredentialError{Msg: "unable to write ssh key file", Transient: true, Err: err}
	}

	cleanup = func() { _ = os.Remove(path) }
	env = fmt.Sprintf("GIT_SSH_COMMAND=ssh -i %s -o StrictHostKeyChecking=no -o UserKnownHostsFile=/dev/null", path)
	return env, cleanup, nil
}

// SelectSSH picks which side's SSH key (if any) should be materialized for
// one mirror operation. Source wins when both sides carry one; at most one
// SSH key file is active per worker.
func SelectSSH(source, dest Credentials) (creds Credentials, side string, ok bool) {
	if source.HasSSHKey() {
		return source, "source", true
	}
	if dest.HasSSHKey() {
		return dest, "dest", true
	}
	return Credentials{}, "", false
}
