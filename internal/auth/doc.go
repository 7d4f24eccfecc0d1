// Package auth guards the dispatch API with static bearer tokens and
// per-route permissions.
package auth
