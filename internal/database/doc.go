// Package database builds PostgreSQL connection pools for the
// checkpoint store.
package database
