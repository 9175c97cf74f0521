package ow

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Profile is the OW user behind a bearer credential.
type Profile struct {
	ExternalID int64
	FirstName  string
	LastName   string
	Email      string
}

// Group is an OW group the user belongs to, together with the membership
// ids of its current roster.
type Group struct {
	ExternalID    int64
	Name          string
	ShortName     string
	ImageURL      string
	Type          string
	MembershipIDs []int64
}

// RosterUser is the user part of a roster entry.
type RosterUser struct {
	ExternalID int64
	FirstName  string
	LastName   string
	Email      string
}

// RosterEntry is one member of an OW group roster.
type RosterEntry struct {
	ExternalMembershipID int64
	User                 RosterUser
	Roles                []string
	Retired              bool
}

// profileDTO accepts both the OIDC userinfo shape (sub, given_name,
// family_name) and the legacy /profile/ shape (id, first_name, last_name).
type profileDTO struct {
	Sub        string `json:"sub"`
	GivenName  string `json:"given_name"`
	FamilyName string `json:"family_name"`

	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
}

func (d profileDTO) toProfile() (Profile, error) {
	p := Profile{
		ExternalID: d.ID,
		FirstName:  firstNonEmpty(d.GivenName, d.FirstName),
		LastName:   firstNonEmpty(d.FamilyName, d.LastName),
		Email:      d.Email,
	}
	if sub := strings.TrimSpace(d.Sub); sub != "" {
		id, err := strconv.ParseInt(sub, 10, 64)
		if err != nil || id <= 0 {
			return Profile{}, fmt.Errorf("subject %q is not an ow user id", sub)
		}
		p.ExternalID = id
	}
	if p.ExternalID <= 0 {
		return Profile{}, errors.New("profile carries no user id")
	}
	return p, nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

type page[T any] struct {
	Next    *string `json:"next"`
	Results []T     `json:"results"`
}

type groupDTO struct {
	ID        int64  `json:"id"`
	NameLong  string `json:"name_long"`
	NameShort string `json:"name_short"`
	GroupType string `json:"group_type"`
	Image     *struct {
		Medium string `json:"md"`
	} `json:"image"`
	Members []int64 `json:"members"`
}

type rosterDTO struct {
	ID   int64 `json:"id"`
	User struct {
		ID        int64  `json:"id"`
		FirstName string `json:"first_name"`
		LastName  string `json:"last_name"`
		Email     string `json:"email"`
	} `json:"user"`
	Roles []struct {
		ID       int64  `json:"id"`
		RoleType string `json:"role_type"`
	} `json:"roles"`
	IsRetired bool `json:"is_retired"`
}

func (d groupDTO) toGroup() Group {
	g := Group{
		ExternalID:    d.ID,
		Name:          d.NameLong,
		ShortName:     d.NameShort,
		Type:          d.GroupType,
		MembershipIDs: append([]int64(nil), d.Members...),
	}
	if d.Image != nil {
		g.ImageURL = d.Image.Medium
	}
	return g
}

func (d rosterDTO) toEntry() RosterEntry {
	e := RosterEntry{
		ExternalMembershipID: d.ID,
		User: RosterUser{
			ExternalID: d.User.ID,
			FirstName:  d.User.FirstName,
			LastName:   d.User.LastName,
			Email:      d.User.Email,
		},
		Retired: d.IsRetired,
	}
	for _, r := range d.Roles {
		if r.RoleType != "" {
			e.Roles = append(e.Roles, r.RoleType)
		}
	}
	return e
}
