// Package api exposes the dispatch runtime over REST: task submission,
// provider health, runtime statistics, circuit breaker inspection and
// manual overrides, and the audit event log when a repository is configured.
package api
