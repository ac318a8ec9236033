// Package mongo registers MongoDB-backed memory storage for dialogue pairs.
// Use clients/mongo to build the low-level client and pass it to NewStore to
// obtain a memory.Store that persists records per pair and survives process
// restarts.
package mongo
