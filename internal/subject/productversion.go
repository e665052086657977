package subject

import (
	"strconv"
	"strings"
	"unicode"
)

// GuessProductVersions guesses product versions from a release token ("fc33",
// "epel8", "el9") or a build target ("f39-candidate"). The kojiBuild flag
// enables the bare "f"-prefix convention used by build targets.
func GuessProductVersions(token string, kojiBuild bool) []string {
	if token == "rawhide" || strings.HasPrefix(token, "Fedora-Rawhide") {
		return []string{"fedora-rawhide"}
	}

	var prefix string
	switch {
	case strings.HasPrefix(token, "f") && kojiBuild:
		prefix = "fedora-"
	case strings.HasPrefix(token, "epel"):
		prefix = "epel-"
	case strings.HasPrefix(token, "el") && len(token) > 2 && unicode.IsDigit(rune(token[2])):
		prefix = "rhel-"
	case strings.HasPrefix(token, "rhel-") && len(token) > 5 && unicode.IsDigit(rune(token[5])):
		prefix = "rhel-"
	case strings.HasPrefix(token, "fc") || strings.HasPrefix(token, "Fedora"):
		prefix = "fedora-"
	}
	if prefix == "" {
		return nil
	}

	if n, ok := firstNumber(token); ok {
		return []string{prefix + strconv.Itoa(n)}
	}
	return nil
}

// firstNumber extracts the first digit run from a token.
func firstNumber(token string) (int, bool) {
	start := -1
	for i, r := range token {
		if unicode.IsDigit(r) {
			if start < 0 {
				start = i
			}
			continue
		}
		if start >= 0 {
			n, err := strconv.Atoi(token[start:i])
			return n, err == nil
		}
	}
	if start >= 0 {
		n, err := strconv.Atoi(token[start:])
		return n, err == nil
	}
	return 0, false
}
