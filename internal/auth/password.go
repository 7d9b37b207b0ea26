package auth

import "golang.org/x/crypto/bcrypt"

// bcryptCost trades login latency for hash strength. 12 keeps a login under
// a few hundred milliseconds on current hardware.
const bcryptCost = 12

func HashPassword(password string) (string, error) {
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return "", err
	}
	return string(bytes), nil
}

func ComparePassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}
