// Package auth validates client software identifiers and account credentials
// against the server database.
package auth

import (
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"

	"github.com/openfsd/openfsd/pkg/database"
)

var (
	// ErrInvalidCredentials indicates the password did not match.
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrUserNotFound indicates no account exists for the network ID.
	ErrUserNotFound = errors.New("user not found")
	// ErrClientNotWhitelisted indicates the client software is not approved.
	ErrClientNotWhitelisted = errors.New("client software not whitelisted")
)

// UserRecord is the account view handed to the server after a successful
// login. It deliberately omits the password hash.
type UserRecord struct {
	NetworkID   string
	RealName    string
	ATCRating   int
	PilotRating int
}

// Validator checks whitelist membership and login credentials.
type Validator struct {
	db *database.DB
}

// NewValidator creates a validator backed by the given database.
func NewValidator(db *database.DB) *Validator {
	return &Validator{db: db}
}

// IsClientAllowed returns nil when the client software identifier has an
// enabled whitelist entry.
func (v *Validator) IsClientAllowed(clientID string) error {
	whitelisted, err := v.db.IsClientWhitelisted(clientID)
	if err != nil {
		return fmt.Errorf("whitelist lookup failed: %w", err)
	}
	if !whitelisted {
		return fmt.Errorf("%w: %s", ErrClientNotWhitelisted, clientID)
	}
	return nil
}

// Authenticate verifies the password for a network ID and returns the
// account record.
func (v *Validator) Authenticate(networkID, password string) (*UserRecord, error) {
	user, err := v.db.GetUserByNetworkID(networkID)
	if errors.Is(err, database.ErrUserNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("user lookup failed: %w", err)
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}

	return &UserRecord{
		NetworkID:   user.NetworkID,
		RealName:    user.RealName,
		ATCRating:   user.ATCRating,
		PilotRating: user.PilotRating,
	}, nil
}

// HashPassword hashes a plaintext password for storage.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}
