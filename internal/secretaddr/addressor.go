// Package secretaddr derives content addresses for secret payloads.
//
// A secret's identity is its content: identical payload bytes always map
// to the same addressed name, and a changed payload yields a new name
// rather than an in-place update. Hash collisions are not handled.
package secretaddr

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"regexp"
	"sort"

	"github.com/dockhand/dockhand/internal/util"
)

// ShortHashLen is the number of hex characters embedded in an addressed name.
const ShortHashLen = 8

// Address identifies one secret payload by content.
type Address struct {
	Name          string // declared secret name
	Hash          string // full SHA-256 hex of the payload
	ShortHash     string // first ShortHashLen hex characters
	AddressedName string // "<name>_<shorthash>"
}

// For computes the content address of a secret payload.
func For(name string, payload []byte) Address {
	h := util.Fingerprint(payload)
	short := h[:ShortHashLen]
	return Address{
		Name:          name,
		Hash:          h,
		ShortHash:     short,
		AddressedName: name + "_" + short,
	}
}

// Fingerprint aggregates a set of addressed names into one digest. The
// input order does not matter: names are sorted, then joined with NUL
// separators and hashed. A single name hashes to sha256 of that name.
func Fingerprint(addressedNames []string) string {
	sorted := append([]string(nil), addressedNames...)
	sort.Strings(sorted)
	h := sha256.New()
	for i, n := range sorted {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(n))
	}
	return hex.EncodeToString(h.Sum(nil))
}

// PruneCandidates returns the existing addressed names not referenced by
// the current plan, sorted. A name referenced by the plan is never a
// candidate, even if it was materialized moments ago in the same run.
func PruneCandidates(existing, referenced []string) []string {
	ref := make(map[string]struct{}, len(referenced))
	for _, r := range referenced {
		ref[r] = struct{}{}
	}
	var out []string
	for _, e := range existing {
		if _, ok := ref[e]; !ok {
			out = append(out, e)
		}
	}
	sort.Strings(out)
	return out
}

var addressedRe = regexp.MustCompile(`^(.+)_([0-9a-f]{8})$`)

// MatchAddressed reports whether candidate follows the addressed-name
// pattern and returns the base secret name when it does.
func MatchAddressed(candidate string) (base string, ok bool) {
	m := addressedRe.FindStringSubmatch(candidate)
	if m == nil {
		return "", false
	}
	return m[1], true
}

// AddressingError is a fatal per-secret consistency failure: an existing
// materialized secret carries the same addressed name but different
// content. It is never recovered by overwriting.
type AddressingError struct {
	AddressedName string
	Detail        string
}

func (e *AddressingError) Error() string {
	return fmt.Sprintf("secret %s: addressing conflict: %s", e.AddressedName, e.Detail)
}
