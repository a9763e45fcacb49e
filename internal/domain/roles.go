package domain

import "fmt"

// Role is the proctoring role carried by a verified token.
type Role string

const (
	RoleAdmin       Role = "admin"
	RoleInvigilator Role = "invigilator"
	RoleStudent     Role = "student"
)

// ParseRole validates a role string coming from a token or message payload.
func ParseRole(s string) (Role, error) {
	switch Role(s) {
	case RoleAdmin, RoleInvigilator, RoleStudent:
		return Role(s), nil
	}
	return "", fmt.Errorf("unknown role %q", s)
}

// MediaRole describes what a published track captures.
type MediaRole string

const (
	MediaRoleScreen MediaRole = "screen"
	MediaRoleWebcam MediaRole = "webcam"
	MediaRoleMic    MediaRole = "mic"
)

// ParseMediaRole validates the appData.mediaRole field of a produce request.
func ParseMediaRole(s string) (MediaRole, error) {
	switch MediaRole(s) {
	case MediaRoleScreen, MediaRoleWebcam, MediaRoleMic:
		return MediaRole(s), nil
	}
	return "", fmt.Errorf("unknown media role %q", s)
}
