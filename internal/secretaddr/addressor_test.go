package secretaddr

import (
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sum(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}

func TestForDeterministic(t *testing.T) {
	a := For("s", []byte("v1"))
	b := For("s", []byte("v1"))
	assert.Equal(t, a, b)

	c := For("s", []byte("v2"))
	assert.NotEqual(t, a.AddressedName, c.AddressedName)
}

func TestForShape(t *testing.T) {
	a := For("app_secret", []byte("supersecret"))

	want := sum("supersecret")
	assert.Equal(t, want, a.Hash)
	assert.Equal(t, want[:8], a.ShortHash)
	assert.Equal(t, "app_secret_"+want[:8], a.AddressedName)
	assert.Equal(t, "app_secret", a.Name)
}

func TestFingerprintOrderIndependent(t *testing.T) {
	ab := Fingerprint([]string{"a_11111111", "b_22222222"})
	ba := Fingerprint([]string{"b_22222222", "a_11111111"})
	assert.Equal(t, ab, ba)

	other := Fingerprint([]string{"a_11111111", "c_33333333"})
	assert.NotEqual(t, ab, other)
}

func TestFingerprintSingleName(t *testing.T) {
	name := "app_secret_" + sum("supersecret")[:8]
	assert.Equal(t, sum(name), Fingerprint([]string{name}))
}

func TestFingerprintEmpty(t *testing.T) {
	assert.Equal(t, sum(""), Fingerprint(nil))
}

func TestPruneCandidates(t *testing.T) {
	existing := []string{"app_secret_aaaa1111", "old_secret_bbbb2222"}
	referenced := []string{"app_secret_aaaa1111"}
	assert.Equal(t, []string{"old_secret_bbbb2222"}, PruneCandidates(existing, referenced))
}

func TestPruneCandidatesFreshReferenceNeverPruned(t *testing.T) {
	// The fresh address appears in both sets: it must survive.
	existing := []string{"fresh_cccc3333", "stale_dddd4444"}
	referenced := []string{"fresh_cccc3333", "unmaterialized_eeee5555"}
	assert.Equal(t, []string{"stale_dddd4444"}, PruneCandidates(existing, referenced))
}

func TestPruneCandidatesEmpty(t *testing.T) {
	assert.Empty(t, PruneCandidates(nil, []string{"a_11111111"}))
	assert.Equal(t, []string{"a_11111111"}, PruneCandidates([]string{"a_11111111"}, nil))
}

func TestMatchAddressed(t *testing.T) {
	base, ok := MatchAddressed("app_secret_deadbeef")
	require.True(t, ok)
	assert.Equal(t, "app_secret", base)

	for _, bad := range []string{
		"app_secret",          // no hash suffix
		"app_secret_DEADBEEF", // uppercase hex
		"app_secret_dead",     // too short
		"_deadbeef",           // empty base
	} {
		_, ok := MatchAddressed(bad)
		assert.False(t, ok, bad)
	}
}

func TestAddressingErrorMessage(t *testing.T) {
	err := &AddressingError{AddressedName: "db_pass_12345678", Detail: "existing content differs"}
	assert.Contains(t, err.Error(), "db_pass_12345678")
	assert.Contains(t, err.Error(), "existing content differs")
}
