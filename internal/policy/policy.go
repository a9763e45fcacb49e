package policy

import "github.com/KenXD2001/proctor-ai-sfu-server-sub000/internal/domain"

// Policy decides which publisher roles a viewer role may watch. The hierarchy
// is non-transitive: an admin supervises invigilators, not the students those
// invigilators watch.
type Policy struct {
	hierarchy map[domain.Role][]domain.Role
}

// Default returns the built-in hierarchy:
// admin -> invigilator, invigilator -> student, student -> nothing.
func Default() *Policy {
	return &Policy{hierarchy: map[domain.Role][]domain.Role{
		domain.RoleAdmin:       {domain.RoleInvigilator},
		domain.RoleInvigilator: {domain.RoleStudent},
		domain.RoleStudent:     {},
	}}
}

// FromTable builds a policy from a configured role table. Unknown role names
// are dropped rather than rejected so a partial table still yields a policy.
func FromTable(table map[string][]string) *Policy {
	if len(table) == 0 {
		return Default()
	}

	h := make(map[domain.Role][]domain.Role, len(table))
	for viewer, publishers := range table {
		vr, err := domain.ParseRole(viewer)
		if err != nil {
			continue
		}
		for _, pub := range publishers {
			pr, err := domain.ParseRole(pub)
			if err != nil {
				continue
			}
			h[vr] = append(h[vr], pr)
		}
		if _, ok := h[vr]; !ok {
			h[vr] = []domain.Role{}
		}
	}
	return &Policy{hierarchy: h}
}

// CanAccessStream reports whether a viewer with viewerRole may subscribe to a
// stream published by publisherRole.
func (p *Policy) CanAccessStream(viewerRole, publisherRole domain.Role) bool {
	for _, allowed := range p.hierarchy[viewerRole] {
		if allowed == publisherRole {
			return true
		}
	}
	return false
}
