package policy

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ptr(s string) *string { return &s }

func TestIsExpired(t *testing.T) {
	expiresAt := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	assert.False(t, IsExpired(expiresAt, expiresAt.Add(-time.Nanosecond)), "before expiry")
	assert.False(t, IsExpired(expiresAt, expiresAt), "exactly at expiry")
	assert.True(t, IsExpired(expiresAt, expiresAt.Add(time.Nanosecond)), "after expiry")
}

func TestIsExhausted(t *testing.T) {
	tests := []struct {
		name  string
		max   int
		count int
		want  bool
	}{
		{"unlimited never exhausts", Unlimited, 1 << 20, false},
		{"fresh single use", 1, 0, false},
		{"single use consumed", 1, 1, true},
		{"below limit", 5, 4, false},
		{"at limit", 5, 5, true},
		{"over limit", 5, 7, true},
		{"zero limit", 0, 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsExhausted(tt.max, tt.count))
		})
	}
}

func TestEvaluateOrder(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	past := now.Add(-time.Hour)
	future := now.Add(time.Hour)

	never := func(string, string) bool {
		t.Fatal("verifier must not run")
		return false
	}
	equal := func(hash, password string) bool { return hash == password }

	tests := []struct {
		name     string
		subject  Subject
		password string
		verify   Verifier
		want     Outcome
	}{
		{"allowed", Subject{ExpiresAt: future, MaxUses: 1}, "", never, Allowed},
		{"expired before password", Subject{ExpiresAt: past, MaxUses: Unlimited, PasswordHash: ptr("x")}, "", never, Expired},
		{"expired before exhausted", Subject{ExpiresAt: past, MaxUses: 1, Uses: 1}, "", never, Expired},
		{"exhausted before password", Subject{ExpiresAt: future, MaxUses: 1, Uses: 1, PasswordHash: ptr("x")}, "", never, Exhausted},
		{"burned before password", Subject{ExpiresAt: future, MaxUses: Unlimited, Burned: true, PasswordHash: ptr("x")}, "x", never, Burned},
		{"password required", Subject{ExpiresAt: future, MaxUses: Unlimited, PasswordHash: ptr("x")}, "", never, PasswordRequired},
		{"password incorrect", Subject{ExpiresAt: future, MaxUses: Unlimited, PasswordHash: ptr("x")}, "y", equal, PasswordIncorrect},
		{"password correct", Subject{ExpiresAt: future, MaxUses: Unlimited, PasswordHash: ptr("x")}, "x", equal, Allowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Evaluate(tt.subject, tt.password, now, tt.verify))
		})
	}
}

func TestPasswordHashing(t *testing.T) {
	hash, err := HashPassword("hunter2")
	require.NoError(t, err)
	assert.NotEqual(t, "hunter2", hash)

	assert.True(t, CheckPassword(hash, "hunter2"))
	assert.False(t, CheckPassword(hash, "hunter3"))
	assert.False(t, CheckPassword("not-a-hash", "hunter2"))
}

func TestCachedVerifier(t *testing.T) {
	calls := 0
	verify := CachedVerifier(func(hash, password string) bool {
		calls++
		return hash == "h:"+password
	})

	assert.True(t, verify("h:pw", "pw"))
	assert.True(t, verify("h:pw", "pw"))
	assert.Equal(t, 1, calls)

	assert.False(t, verify("h:other", "pw"))
	assert.Equal(t, 2, calls)
}
