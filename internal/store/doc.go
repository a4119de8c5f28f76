// Package store declares the run repository used by the API and workers.
// Implementations live in internal/storage; this package must not import
// database drivers or concrete clients.
package store
