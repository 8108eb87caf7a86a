package storagecore

import "crypto/rand"

// randomBytes returns n cryptographically random bytes, backing the
// "secure RNG" primitive the core treats as an external collaborator.
func randomBytes(n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, err
	}
	return buf, nil
}
