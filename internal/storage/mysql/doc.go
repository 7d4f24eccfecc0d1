// Package mysql persists dispatch audit records. It owns the embedded schema
// migrations and offers an in-memory repository with the same contract for
// development and tests.
package mysql
