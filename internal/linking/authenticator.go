package linking

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

// Authenticator verifies a challenge response with the method-appropriate
// check. Implementations must return (false, nil) for a well-formed but wrong
// response and reserve the error return for backend failures.
type Authenticator interface {
	Verify(ctx context.Context, subjectID string, method Method, response string) (bool, error)
}

// CredentialSource resolves the stored credential material an Authenticator
// verifies against.
type CredentialSource interface {
	PasswordHash(ctx context.Context, subjectID string) (string, error)
	// ContactCode returns the one-time code most recently dispatched to the
	// subject over the given out-of-band method, hashed with HashCode.
	ContactCodeHash(ctx context.Context, subjectID string, method Method) (string, error)
}

// CredentialAuthenticator verifies password responses with bcrypt and
// email/SMS responses against a dispatched one-time code. No method ever
// defaults to accept.
type CredentialAuthenticator struct {
	Source CredentialSource
}

var _ Authenticator = (*CredentialAuthenticator)(nil)

func (a *CredentialAuthenticator) Verify(ctx context.Context, subjectID string, method Method, response string) (bool, error) {
	if response == "" {
		return false, nil
	}
	switch method {
	case MethodPassword:
		hash, err := a.Source.PasswordHash(ctx, subjectID)
		if err != nil {
			return false, fmt.Errorf("load password hash: %w", err)
		}
		if hash == "" {
			return false, nil
		}
		err = bcrypt.CompareHashAndPassword([]byte(hash), []byte(response))
		if errors.Is(err, bcrypt.ErrMismatchedHashAndPassword) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return true, nil
	case MethodEmail, MethodSMS:
		want, err := a.Source.ContactCodeHash(ctx, subjectID, method)
		if err != nil {
			return false, fmt.Errorf("load contact code: %w", err)
		}
		return CompareCodeHash(want, response), nil
	default:
		return false, fmt.Errorf("unsupported challenge method %q", method)
	}
}

// StaticCredentials is an in-memory CredentialSource for tests and local
// development. Missing entries resolve to empty material, which never
// verifies.
type StaticCredentials struct {
	// Passwords maps subject id to a bcrypt password hash.
	Passwords map[string]string
	// Codes maps subject id plus method ("subject:method") to a code hash
	// produced with HashCode.
	Codes map[string]string
}

var _ CredentialSource = StaticCredentials{}

func (s StaticCredentials) PasswordHash(_ context.Context, subjectID string) (string, error) {
	return s.Passwords[subjectID], nil
}

func (s StaticCredentials) ContactCodeHash(_ context.Context, subjectID string, method Method) (string, error) {
	return s.Codes[subjectID+":"+string(method)], nil
}

const codeAlphabet = "0123456789"

// GenerateCode returns a short numeric one-time code from a cryptographic
// source.
func GenerateCode(length int) (string, error) {
	if length <= 0 {
		return "", errors.New("code length must be positive")
	}
	buf := make([]byte, length)
	max := big.NewInt(int64(len(codeAlphabet)))
	for i := range buf {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		buf[i] = codeAlphabet[n.Int64()]
	}
	return string(buf), nil
}

// HashCode hashes a verification code for storage. The plain code is never
// persisted or logged.
func HashCode(code string) string {
	sum := sha256.Sum256([]byte(code))
	return hex.EncodeToString(sum[:])
}

// CompareCodeHash compares a stored code hash against a candidate code in
// constant time.
func CompareCodeHash(storedHash, candidate string) bool {
	actual := HashCode(candidate)
	if len(storedHash) != len(actual) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(storedHash), []byte(actual)) == 1
}
