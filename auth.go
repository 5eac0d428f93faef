package main

// Authorizer answers whether an acting role may take a specific transition
// edge. The real decision lives in the external authorization service;
// this is the consuming interface plus the static adapter used in-process.
type Authorizer interface {
	Allow(role string, from, to Status) bool
}

var _ Authorizer = (*roleListAuthorizer)(nil)

type roleListAuthorizer struct {
	elevated map[string]bool
}

func NewRoleListAuthorizer(roles []string) Authorizer {
	m := make(map[string]bool, len(roles))
	for _, r := range roles {
		m[r] = true
	}
	return &roleListAuthorizer{elevated: m}
}

func (a *roleListAuthorizer) Allow(role string, from, to Status) bool {
	if !elevatedEdge(from, to) {
		return true
	}
	return a.elevated[role]
}
