package auth

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Service checks presented secrets against the configured credentials.
type Service struct {
	creds []Credential
}

// NewService validates cfg.Credentials. A credential without a role is an
// operator.
func NewService(cfg Config) (*Service, error) {
	if len(cfg.Credentials) == 0 {
		return nil, ErrNoCredentials
	}
	seen := make(map[string]bool, len(cfg.Credentials))
	creds := make([]Credential, 0, len(cfg.Credentials))
	for i, c := range cfg.Credentials {
		if c.Name == "" {
			return nil, fmt.Errorf("credential %d: name is required", i)
		}
		if seen[c.Name] {
			return nil, fmt.Errorf("credential %q: duplicate name", c.Name)
		}
		seen[c.Name] = true
		if (c.Token == "") == (c.TokenHash == "") {
			return nil, fmt.Errorf("credential %q: set exactly one of token and token_hash", c.Name)
		}
		if c.TokenHash != "" {
			if _, err := bcrypt.Cost([]byte(c.TokenHash)); err != nil {
				return nil, fmt.Errorf("credential %q: token_hash: %w", c.Name, err)
			}
		}
		switch c.Role {
		case "":
			c.Role = RoleOperator
		case RoleViewer, RoleOperator:
		default:
			return nil, fmt.Errorf("credential %q: unknown role %q", c.Name, c.Role)
		}
		creds = append(creds, c)
	}
	return &Service{creds: creds}, nil
}

// Authenticate matches secret against the credential called name, or
// against every credential when name is empty (bearer tokens).
func (s *Service) Authenticate(name, secret string) (*Result, error) {
	if secret == "" {
		return &Result{Success: false}, ErrInvalidCredentials
	}
	for _, c := range s.creds {
		if name != "" && c.Name != name {
			continue
		}
		if c.matches(secret) {
			return &Result{Success: true, Name: c.Name, Role: c.Role}, nil
		}
	}
	return &Result{Success: false}, ErrInvalidCredentials
}

func (c Credential) matches(secret string) bool {
	if c.TokenHash != "" {
		return bcrypt.CompareHashAndPassword([]byte(c.TokenHash), []byte(secret)) == nil
	}
	return subtle.ConstantTimeCompare([]byte(c.Token), []byte(secret)) == 1
}

// HashToken returns the bcrypt hash to store as token_hash.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("token is empty")
	}
	h, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(h), nil
}
