package domain

// ExternalPrincipal is the transient result of a successful upstream
// exchange with an identity provider. It is normalized into a Subject and
// UserAccount by the account resolver and never persisted as-is.
type ExternalPrincipal struct {
	Authority  Authority
	ProviderID string
	Realm      string

	// ExternalSubjectID is the subject identifier issued by the upstream
	// provider (e.g. the OIDC "sub" claim). Required.
	ExternalSubjectID string

	Username      string
	Email         string
	EmailVerified bool

	// RawAttributes carries the unmapped upstream attributes for claim
	// mapping further down the pipeline.
	RawAttributes map[string]any
}

// Authentication is the normalized internal result of a login attempt. It
// carries the realm-scoped canonical identity plus a minimal authority set.
type Authentication struct {
	SubjectID   string
	Realm       string
	Type        SubjectType
	DisplayName string

	// Name is the stable identifier placed into the "sub" claim of minted
	// tokens. Equals SubjectID.
	Name string

	// Authorities always contains at least RoleUser plus any roles
	// resolved from the bound Subject.
	Authorities []string

	Provider   string
	AuthTime   int64
	Attributes map[string]any
}

// RoleUser is the base authority granted to every authenticated subject.
const RoleUser = "USER"
