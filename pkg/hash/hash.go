// Package hash wraps bcrypt for the credential authorizer (pkg/authz).
package hash

import (
	"golang.org/x/crypto/bcrypt"
)

// HashPasswd bcrypt-hashes passwd at the given cost.
func HashPasswd(passwd string, cost int) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(passwd), cost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

// VerifyPasswd reports whether passwd matches the bcrypt hash.
func VerifyPasswd(hash, passwd string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(passwd)) == nil
}
