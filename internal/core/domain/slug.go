package domain

import "strings"

// =============================================================================
// Name Normalization
// =============================================================================

// Slugify converts a free-form name into a deployment name.
//
// The transformation rules are:
//   - Letters are lowercased, digits are kept
//   - Runs of spaces, underscores, dots and hyphens become one hyphen
//   - All other characters are removed
//   - Leading and trailing hyphens are trimmed
//   - The result is cut to 63 characters
//
// Example:
//
//	Slugify("Hello World")     // returns "hello-world"
//	Slugify("My_App 2.0!")     // returns "my-app-2-0"
//	Slugify("  api--server ")  // returns "api-server"
func Slugify(name string) string {
	var b strings.Builder
	pendingHyphen := false
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
		case r >= 'A' && r <= 'Z':
			r += 'a' - 'A'
		case r == ' ' || r == '-' || r == '_' || r == '.':
			pendingHyphen = b.Len() > 0
			continue
		default:
			continue
		}
		if pendingHyphen {
			b.WriteByte('-')
			pendingHyphen = false
		}
		b.WriteRune(r)
	}
	s := b.String()
	if len(s) > 63 {
		s = strings.TrimRight(s[:63], "-")
	}
	return s
}

// NameFromSource derives a deployment name from a repository URL, e.g.
// "https://github.com/acme/My.Site.git" becomes "my-site".
func NameFromSource(url string) string {
	base := strings.TrimSuffix(strings.TrimRight(url, "/"), ".git")
	if i := strings.LastIndexAny(base, "/:"); i >= 0 {
		base = base[i+1:]
	}
	return Slugify(base)
}
