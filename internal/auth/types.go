package auth

import "errors"

// Role grants access to a class of endpoints.
type Role string

const (
	// RoleViewer may read status, patches and the audit log.
	RoleViewer Role = "viewer"
	// RoleOperator may also pause, resume, submit, apply and roll back.
	RoleOperator Role = "operator"
)

// Allows reports whether r may call an endpoint that requires required.
func (r Role) Allows(required Role) bool {
	switch r {
	case RoleOperator:
		return true
	case RoleViewer:
		return required == RoleViewer
	default:
		return false
	}
}

// Credential is one API token. Exactly one of Token and TokenHash is set;
// TokenHash is a bcrypt hash as printed by `patchgate hash-token`.
type Credential struct {
	Name      string `mapstructure:"name"`
	Token     string `mapstructure:"token"`
	TokenHash string `mapstructure:"token_hash"`
	Role      Role   `mapstructure:"role"`
}

// Config is the [server.auth] section.
type Config struct {
	Enabled     bool         `mapstructure:"enabled"`
	Credentials []Credential `mapstructure:"credentials"`
}

// Result identifies the caller of an authenticated request.
type Result struct {
	Success bool
	Name    string
	Role    Role
}

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNoCredentials      = errors.New("no credentials configured")
)
