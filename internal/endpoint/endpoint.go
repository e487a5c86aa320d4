// Package endpoint parses SCP-style transfer endpoints and derives
// stable task identifiers from them.
package endpoint

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultSSHPort is used when no port is given on the CLI or in ssh_config.
const DefaultSSHPort = 22

// Endpoint is one side of a transfer: a local path or a remote
// user@host:path triple.
type Endpoint struct {
	Path    string `json:"path"`
	IsLocal bool   `json:"is_local"`
	Host    string `json:"host,omitempty"`
	User    string `json:"user,omitempty"`
	Port    int    `json:"port,omitempty"`
	KeyFile string `json:"-"`
}

// IsRemote reports whether the endpoint refers to a remote host.
func (e Endpoint) IsRemote() bool { return !e.IsLocal }

// String returns the scp-style representation.
func (e Endpoint) String() string {
	if e.IsLocal {
		return e.Path
	}
	if e.User != "" {
		return fmt.Sprintf("%s@%s:%s", e.User, e.Host, e.Path)
	}
	return fmt.Sprintf("%s:%s", e.Host, e.Path)
}

// Canonical returns the normalized form used for task fingerprinting:
// user@host:port:abs_path for remote endpoints, abs_path for local ones.
// The path must already be resolved (absolute) for the result to be stable.
func (e Endpoint) Canonical() string {
	if e.IsLocal {
		return e.Path
	}
	port := e.Port
	if port == 0 {
		port = DefaultSSHPort
	}
	return fmt.Sprintf("%s@%s:%d:%s", e.User, e.Host, port, e.Path)
}

// Parse parses a CLI argument into an Endpoint.
//
// Rules, evaluated in order:
//  1. Arguments starting with "/", "./", "../", "~", or equal to "." are
//     always local.
//  2. [user@]host:path is remote if the part before the first colon
//     contains no path separator and the colon is not in a Windows drive
//     position. An empty path means the remote home directory.
//  3. Everything else is local.
//
// Local "~" is expanded immediately; remote "~" is left for the transport
// to resolve against the remote home.
func Parse(arg string) (Endpoint, error) {
	if arg == "" {
		return Endpoint{}, &ParseError{Arg: arg, Reason: "empty path"}
	}

	if isLocalPrefix(arg) {
		path, err := expandLocal(arg)
		if err != nil {
			return Endpoint{}, &ParseError{Arg: arg, Reason: err.Error()}
		}
		return Endpoint{Path: path, IsLocal: true}, nil
	}

	colonIdx := strings.IndexByte(arg, ':')
	if colonIdx < 0 {
		path, err := expandLocal(arg)
		if err != nil {
			return Endpoint{}, &ParseError{Arg: arg, Reason: err.Error()}
		}
		return Endpoint{Path: path, IsLocal: true}, nil
	}

	hostPart := arg[:colonIdx]
	pathPart := arg[colonIdx+1:]

	// A separator before the colon means a local path with a colon in it
	// ("dir/file:with:colons"). A single letter followed by ":" is a
	// Windows drive, also local.
	if strings.ContainsRune(hostPart, '/') || strings.ContainsRune(hostPart, filepath.Separator) {
		return Endpoint{Path: arg, IsLocal: true}, nil
	}
	if isWindowsDrive(hostPart) {
		return Endpoint{Path: arg, IsLocal: true}, nil
	}
	if hostPart == "" {
		return Endpoint{}, &ParseError{Arg: arg, Reason: "missing host before colon"}
	}

	var user, host string
	if atIdx := strings.LastIndexByte(hostPart, '@'); atIdx >= 0 {
		user = hostPart[:atIdx]
		host = hostPart[atIdx+1:]
		if user == "" {
			return Endpoint{}, &ParseError{Arg: arg, Reason: "empty user before @"}
		}
	} else {
		host = hostPart
	}
	if host == "" {
		return Endpoint{}, &ParseError{Arg: arg, Reason: "empty host"}
	}

	ep := Endpoint{
		Path:    pathPart,
		IsLocal: false,
		Host:    host,
		User:    user,
		Port:    DefaultSSHPort,
	}

	// ssh_config may supply hostname, user, port, and key file for hosts
	// the CLI names by alias. CLI-provided values win.
	applySSHConfig(&ep)

	// Empty remote path means the remote home directory.
	if ep.Path == "" {
		ep.Path = "~"
	}

	return ep, nil
}

// ParseError reports an argument that could not be parsed as an endpoint.
type ParseError struct {
	Arg    string
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse endpoint %q: %s", e.Arg, e.Reason)
}

// TaskID returns the stable hex fingerprint of a (src, dst) pair. It is
// the SHA-256 of the canonical endpoint strings and is independent of the
// transfer configuration, so a resumed transfer with different
// parallelism still matches its manifest.
func TaskID(src, dst Endpoint) string {
	h := sha256.New()
	h.Write([]byte(src.Canonical()))
	h.Write([]byte("→"))
	h.Write([]byte(dst.Canonical()))
	return hex.EncodeToString(h.Sum(nil))
}

// MarshalJSON always emits host/user/port keys for remote endpoints so the
// manifest layout stays stable across saves.
func (e Endpoint) MarshalJSON() ([]byte, error) {
	type local struct {
		Path    string `json:"path"`
		IsLocal bool   `json:"is_local"`
	}
	type remote struct {
		Path    string `json:"path"`
		IsLocal bool   `json:"is_local"`
		Host    string `json:"host"`
		User    string `json:"user"`
		Port    int    `json:"port"`
	}
	if e.IsLocal {
		return json.Marshal(local{Path: e.Path, IsLocal: true})
	}
	return json.Marshal(remote{
		Path: e.Path, IsLocal: false,
		Host: e.Host, User: e.User, Port: e.Port,
	})
}

func isLocalPrefix(arg string) bool {
	return arg == "." ||
		strings.HasPrefix(arg, "/") ||
		strings.HasPrefix(arg, "./") ||
		strings.HasPrefix(arg, "../") ||
		strings.HasPrefix(arg, "~")
}

func isWindowsDrive(hostPart string) bool {
	if len(hostPart) != 1 {
		return false
	}
	c := hostPart[0]
	return (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// expandLocal expands a leading ~ against the local home directory.
func expandLocal(path string) (string, error) {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home: %w", err)
		}
		if path == "~" {
			return home, nil
		}
		return filepath.Join(home, path[2:]), nil
	}
	return path, nil
}

// ResolveLocal makes a local endpoint path absolute. Remote endpoints are
// returned unchanged; their paths resolve against the remote filesystem.
func (e Endpoint) ResolveLocal() (Endpoint, error) {
	if !e.IsLocal {
		return e, nil
	}
	abs, err := filepath.Abs(e.Path)
	if err != nil {
		return e, fmt.Errorf("resolve %s: %w", e.Path, err)
	}
	e.Path = abs
	return e, nil
}
