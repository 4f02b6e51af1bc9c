package domain

import "time"

// SubjectType distinguishes the kinds of canonical identities a realm holds.
type SubjectType string

const (
	SubjectTypeUser    SubjectType = "USER"
	SubjectTypeMachine SubjectType = "MACHINE"
)

// AccountStatus is the lifecycle state of a UserAccount.
type AccountStatus string

const (
	AccountStatusActive   AccountStatus = "ACTIVE"
	AccountStatusLocked   AccountStatus = "LOCKED"
	AccountStatusInactive AccountStatus = "INACTIVE"
)

// Subject is the canonical realm-scoped identity. One Subject may back
// several linked UserAccounts; every UserAccount references exactly one
// Subject through its UUID.
type Subject struct {
	SubjectID   string      `bson:"_id" json:"subject_id"`
	Realm       string      `bson:"realm" json:"realm"`
	Type        SubjectType `bson:"type" json:"type"`
	DisplayName string      `bson:"display_name,omitempty" json:"display_name,omitempty"`
	Roles       []string    `bson:"roles,omitempty" json:"roles,omitempty"`
	CreatedAt   time.Time   `bson:"created_at" json:"created_at"`
}

// UserAccount is the per-provider identity record. The pair
// (RepositoryID, ExternalSubjectID) is unique; UUID always equals the bound
// Subject's id.
type UserAccount struct {
	RepositoryID      string        `bson:"repository_id" json:"repository_id"`
	ExternalSubjectID string        `bson:"external_subject_id" json:"external_subject_id"`
	UUID              string        `bson:"uuid" json:"uuid"`
	UserID            string        `bson:"user_id,omitempty" json:"user_id,omitempty"`
	Realm             string        `bson:"realm" json:"realm"`
	Status            AccountStatus `bson:"status" json:"status"`
	Username          string        `bson:"username,omitempty" json:"username,omitempty"`
	Email             string        `bson:"email,omitempty" json:"email,omitempty"`
	EmailConfirmed    bool          `bson:"email_confirmed" json:"email_confirmed"`
	PasswordHash      string        `bson:"password_hash,omitempty" json:"-"`
	CreatedAt         time.Time     `bson:"created_at" json:"created_at"`
	UpdatedAt         time.Time     `bson:"updated_at" json:"updated_at"`
	LastLoginAt       *time.Time    `bson:"last_login_at,omitempty" json:"last_login_at,omitempty"`
}

// Locked reports whether the account must be refused authentication.
func (a *UserAccount) Locked() bool {
	return a.Status == AccountStatusLocked
}
