package model

import "fmt"

// ConfigurationError is fatal and reported before any processing begins.
type ConfigurationError struct {
	Key    string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration: %s: %s", e.Key, e.Reason)
}

// DiscoveryWarning is a non-fatal walk problem tied to a folder or file.
type DiscoveryWarning struct {
	Path    string `json:"path"`
	Message string `json:"message"`
}

func (w DiscoveryWarning) Error() string {
	return "discovery: " + w.Path + ": " + w.Message
}

// PersistenceError is a store failure that survived retries.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return "persistence: " + e.Op + ": " + e.Err.Error()
}

func (e *PersistenceError) Unwrap() error { return e.Err }
