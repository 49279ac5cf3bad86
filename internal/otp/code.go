package otp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"regexp"
	"strings"

	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/pkg/models"
)

const (
	codeLen       = 4
	maxAddressLen = 100
)

var codeSpace = big.NewInt(10000)

// http://www.golangprograms.com/regular-expression-to-validate-email-address.html
var reMail = regexp.MustCompile("^[a-zA-Z0-9.!#$%&'*+/=?^_`{|}~-]+@[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?(?:\\.[a-zA-Z0-9](?:[a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?)*$")

// generateCode returns a code uniformly distributed over 0000-9999.
func generateCode() (string, error) {
	n, err := rand.Int(rand.Reader, codeSpace)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%0*d", codeLen, n.Int64()), nil
}

// hashCode returns the keyed hash of a code under which it is stored. The
// e-mail and purpose are part of the MAC so that a hash is only ever valid
// for the key it was issued for.
func hashCode(secret []byte, email string, p models.Purpose, code string) string {
	m := hmac.New(sha256.New, secret)
	m.Write([]byte(string(p) + ":" + email + ":" + code))
	return hex.EncodeToString(m.Sum(nil))
}

// validCode tells if code is exactly codeLen ASCII digits.
func validCode(code string) bool {
	if len(code) != codeLen {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}

// normalizeEmail trims and lowercases an e-mail and validates it.
func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || len(email) > maxAddressLen || !reMail.MatchString(email) {
		return "", ErrInvalidEmail
	}
	return email, nil
}
