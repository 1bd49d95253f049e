package model

import "github.com/oklog/ulid/v2"

// NewID generates a new ULID string used to key executions in the local
// journal. Remote execution IDs are assigned by the function service.
func NewID() string {
	return ulid.Make().String()
}
