package server

import (
	"crypto/sha256"
	"crypto/subtle"
)

// credentials holds the single configured account. The password is kept
// only as a SHA-256 digest so the cleartext never lingers in memory.
type credentials struct {
	user string
	pass [sha256.Size]byte
}

func newCredentials(user, pass string) credentials {
	return credentials{user: user, pass: sha256.Sum256([]byte(pass))}
}

// verify checks a login attempt in constant time. Both the username and
// the password are hashed and compared with subtle.ConstantTimeCompare, so
// the comparison cost does not depend on where a mismatch occurs.
func (c credentials) verify(user, pass string) bool {
	uWant := sha256.Sum256([]byte(c.user))
	uGot := sha256.Sum256([]byte(user))
	pGot := sha256.Sum256([]byte(pass))
	uOK := subtle.ConstantTimeCompare(uWant[:], uGot[:])
	pOK := subtle.ConstantTimeCompare(c.pass[:], pGot[:])
	return uOK&pOK == 1
}
