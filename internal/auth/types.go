package auth

import "time"

// User is the local record of a person. ExternalID is zero for users that
// are not known to OW.
type User struct {
	ID         string    `json:"id"`
	ExternalID int64     `json:"ow_user_id,omitempty"`
	FirstName  string    `json:"first_name"`
	LastName   string    `json:"last_name"`
	Email      string    `json:"email"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Profile carries the user fields sourced from OW.
type Profile struct {
	ExternalID int64
	FirstName  string
	LastName   string
	Email      string
}

// Group is a punishment group. Groups with an ExternalID are managed by OW.
type Group struct {
	ID         string    `json:"id"`
	ExternalID int64     `json:"ow_group_id,omitempty"`
	Name       string    `json:"name"`
	ShortName  string    `json:"name_short"`
	Image      string    `json:"image,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Managed reports whether the group's membership is owned by OW.
func (g Group) Managed() bool { return g.ExternalID != 0 }

// Membership places a user in a group. ExternalMembershipID correlates the
// row with an OW roster entry and is zero for locally added members.
type Membership struct {
	GroupID              string     `json:"group_id"`
	UserID               string     `json:"user_id"`
	ExternalMembershipID int64      `json:"ow_group_user_id,omitempty"`
	Active               bool       `json:"active"`
	AddedAt              time.Time  `json:"added_at"`
	InactiveAt           *time.Time `json:"inactive_at,omitempty"`
}

// Grant is a privilege held by a user inside a group. An empty CreatedBy
// marks the grant as auto-managed by group sync.
type Grant struct {
	GroupID   string    `json:"group_id"`
	UserID    string    `json:"user_id"`
	Privilege string    `json:"privilege"`
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Auto reports whether the grant is owned by group sync.
func (g Grant) Auto() bool { return g.CreatedBy == "" }

// Identity is the result of resolving a bearer credential.
type Identity struct {
	UserID     string
	ExternalID int64
}
