// Package user holds the durable user records created on first login.
package user

import "time"

// User is a Discord account known to the instancer. InstanceCount mirrors
// the number of persisted challenge instances the user owns; it is
// maintained transactionally by the instance store.
type User struct {
	ID            string
	Username      string
	DisplayName   string
	Avatar        string
	CreationTime  time.Time
	InstanceCount uint32
}
