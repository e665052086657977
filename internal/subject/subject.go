// Package subject models decision subjects: the artifacts (builds, updates,
// composes, images) a gating decision is rendered about. Subjects are
// ephemeral, constructed per request from a configured type registry.
package subject

import (
	"fmt"
	"strings"
)

// Subject identifies the artifact under decision.
type Subject struct {
	Type       *Type
	Identifier string
}

// New constructs a subject of the given type.
func New(t *Type, identifier string) Subject {
	return Subject{Type: t, Identifier: identifier}
}

// TypeID returns the subject type identifier string.
func (s Subject) TypeID() string {
	if s.Type == nil {
		return ""
	}
	return s.Type.ID
}

// PackageName returns the package name parsed from an NVR identifier, or ""
// for subject types that are not NVR-shaped.
func (s Subject) PackageName() string {
	if s.Type == nil || !s.Type.IsNVR {
		return ""
	}
	name, _, ok := splitNVR(s.Identifier)
	if !ok {
		return ""
	}
	return name
}

// ShortProductVersion guesses the short release token from the NVR release
// tag (e.g. "fc33" from "curl-7.1-1.fc33"), or "" if not guessable.
func (s Subject) ShortProductVersion() string {
	if s.Type == nil || !s.Type.IsNVR {
		return ""
	}
	_, release, ok := splitNVR(s.Identifier)
	if !ok {
		return ""
	}
	dot := strings.LastIndex(release, ".")
	if dot < 0 || dot == len(release)-1 {
		return ""
	}
	return release[dot+1:]
}

// ProductVersions returns product versions configured or guessed for the
// subject. An empty slice means no guess is available.
func (s Subject) ProductVersions() []string {
	if s.Type != nil {
		for _, m := range s.Type.ProductVersionMatch {
			if pv := m.apply(s.Identifier); pv != "" {
				return []string{strings.ToLower(pv)}
			}
		}
		if s.Type.ProductVersion != "" {
			return []string{s.Type.ProductVersion}
		}
	}
	if short := s.ShortProductVersion(); short != "" {
		return GuessProductVersions(short, s.Type.IsKojiBuild)
	}
	return nil
}

func (s Subject) String() string {
	return fmt.Sprintf("subject_type %q, subject_identifier %q", s.TypeID(), s.Identifier)
}

// splitNVR splits name-version-release, returning name and release.
func splitNVR(nvr string) (name, release string, ok bool) {
	rel := strings.LastIndex(nvr, "-")
	if rel <= 0 {
		return "", "", false
	}
	ver := strings.LastIndex(nvr[:rel], "-")
	if ver <= 0 {
		return "", "", false
	}
	return nvr[:ver], nvr[rel+1:], true
}
