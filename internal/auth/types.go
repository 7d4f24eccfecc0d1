package auth

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var (
	ErrInvalidToken     = errors.New("invalid token")
	ErrMissingToken     = errors.New("missing bearer token")
	ErrPermissionDenied = errors.New("permission denied")
)

// Permissions checked by the dispatch API routes.
const (
	PermSubmit = "tasks:submit"
	PermRead   = "dispatch:read"
	PermAdmin  = "breakers:admin"
	// PermAll matches every permission.
	PermAll = "*"
)

// AllPermissions is granted to tokens configured without an explicit list.
var AllPermissions = []string{PermSubmit, PermRead, PermAdmin}

// Subject is the caller behind a bearer token. It is immutable once
// registered with a Service and shared across requests.
type Subject struct {
	Name        string
	Permissions []string
}

// HasPermission compares case-insensitively; PermAll grants everything.
func (s *Subject) HasPermission(permission string) bool {
	if s == nil {
		return false
	}
	want := strings.TrimSpace(permission)
	return slices.ContainsFunc(s.Permissions, func(have string) bool {
		have = strings.TrimSpace(have)
		return have == PermAll || strings.EqualFold(have, want)
	})
}

// Authorize returns ErrPermissionDenied naming the first missing permission.
func (s *Subject) Authorize(perms ...string) error {
	if s == nil {
		return ErrInvalidToken
	}
	for _, perm := range perms {
		if perm != "" && !s.HasPermission(perm) {
			return fmt.Errorf("%w: missing %s", ErrPermissionDenied, perm)
		}
	}
	return nil
}
