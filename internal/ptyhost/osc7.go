package ptyhost

import (
	"net/url"
	"regexp"
	"runtime"
	"strings"
)

// osc7Pattern matches ESC ] 7 ; <uri> BEL, or the ESC \ string-terminator
// form, extracting the URI.
var osc7Pattern = regexp.MustCompile("\x1b\\]7;([^\x07\x1b]*)(?:\x07|\x1b\\\\)")

// osc7Tracker scans PTY output for OSC-7 current-directory reports and
// remembers the most recently seen path.
type osc7Tracker struct {
	cwd string
}

// Scan looks for OSC-7 sequences in chunk and returns the new cwd and true
// if one was found and differs from the previously tracked value.
func (t *osc7Tracker) Scan(chunk []byte) (string, bool) {
	matches := osc7Pattern.FindAllSubmatch(chunk, -1)
	if len(matches) == 0 {
		return "", false
	}
	last := matches[len(matches)-1][1]
	path, ok := decodeFileURI(string(last))
	if !ok || path == t.cwd {
		return "", false
	}
	t.cwd = path
	return path, true
}

// decodeFileURI parses a file://host/<path> OSC-7 payload into a local
// filesystem path, URL-decoding escapes and stripping the leading slash
// before a Windows drive letter.
func decodeFileURI(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme != "file" {
		return "", false
	}
	path := u.Path
	if path == "" {
		return "", false
	}
	if runtime.GOOS == "windows" && len(path) >= 3 && path[0] == '/' && path[2] == ':' {
		path = path[1:]
	}
	return strings.TrimSuffix(path, "/"), true
}
