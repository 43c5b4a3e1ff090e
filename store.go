// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package taskmanager

// Store keeps the history of jobs. The manager writes a snapshot on
// admission and on every state change it drives. The history is never
// used to restore jobs.
type Store interface {
	// Start is called when the manager starts up. Records left in
	// Running or Retrying by a previous process must be moved to Failed.
	Start() error

	// Create adds a history record.
	Create(*TaskInfo) error

	// Update replaces a history record. If the record does not exist,
	// ErrNotFound must be returned.
	Update(*TaskInfo) error

	// Lookup returns a history record by its identifier.
	// If the record could not be found, ErrNotFound must be returned.
	Lookup(id string) (*TaskInfo, error)

	// List returns history records filtered by the ListRequest, the most
	// recently created first.
	List(*ListRequest) (*ListResponse, error)
}

// ListRequest specifies a filter for listing history records. Nil and
// zero fields do not filter.
type ListRequest struct {
	UID    *uint64 // filter by owning application
	TaskID *uint32 // filter by task identifier
	Bundle string  // filter by bundle name
	State  *State  // filter by state
	Action *Action // filter by action
	Mode   *Mode   // filter by mode
	After  int64   // created at or after, in UnixNano
	Before int64   // created before, in UnixNano
	Limit  int     // maximum number of records to return
	Offset int     // number of records to skip (for pagination)
}

// Match reports whether t passes the filter. Limit and Offset are
// ignored.
func (r *ListRequest) Match(t *TaskInfo) bool {
	switch {
	case r.UID != nil && t.UID != *r.UID:
		return false
	case r.TaskID != nil && t.TaskID != *r.TaskID:
		return false
	case r.Bundle != "" && t.Bundle != r.Bundle:
		return false
	case r.State != nil && t.State != *r.State:
		return false
	case r.Action != nil && t.Action != *r.Action:
		return false
	case r.Mode != nil && t.Mode != *r.Mode:
		return false
	case r.After > 0 && t.Created < r.After:
		return false
	case r.Before > 0 && t.Created >= r.Before:
		return false
	}
	return true
}

// ListResponse is the outcome of invoking List on the Store.
type ListResponse struct {
	Total int         `json:"total"` // total number of records found, excluding pagination
	Tasks []*TaskInfo `json:"tasks"` // list of records
}
