package fhir

import "errors"

// Sentinel errors returned by the write path. Callers wrap them with
// context and test with errors.Is.
var (
	// ErrIdentityConflict: (resourceType, id) already exists on create.
	ErrIdentityConflict = errors.New("resource identity already exists")
	// ErrNotFound: the identity does not exist or is deleted.
	ErrNotFound = errors.New("resource not found")
	// ErrVersionConflict: If-Match named a version other than the current one.
	ErrVersionConflict = errors.New("resource version conflict")
	ErrValidation      = errors.New("invalid resource")
	// ErrGone: the identity exists but was deleted.
	ErrGone = errors.New("resource deleted")
)
