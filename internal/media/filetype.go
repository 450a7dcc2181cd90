// Package media implements the byte-level audio delivery path: the upload
// file-type gate, HTTP Range parsing and bounded range streaming.
package media

import "strings"

// allowedExtensions is the upload whitelist, lower-case without the dot
var allowedExtensions = map[string]bool{
	"mp3": true,
	"wav": true,
}

// IsAllowed reports whether filename carries an allowed audio extension.
// The extension is the text after the last dot, compared case-insensitively;
// a name without a dot is rejected.
func IsAllowed(filename string) bool {
	idx := strings.LastIndex(filename, ".")
	if idx < 0 {
		return false
	}
	return allowedExtensions[strings.ToLower(filename[idx+1:])]
}

// AllowedExtensions lists the accepted extensions for error messages.
func AllowedExtensions() []string {
	return []string{"mp3", "wav"}
}
