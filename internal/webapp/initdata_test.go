package webapp

import (
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testToken = "123456:ABC-DEF1234ghIkl-zyx57W2v1u123ew11"

func freshParams(now time.Time) map[string]string {
	return map[string]string{
		"auth_date": strconv.FormatInt(now.Unix(), 10),
		"query_id":  "AAHdF6IQAAAAAN0XohDhrOrc",
		"user":      `{"id":12345,"first_name":"Alice","username":"alice"}`,
	}
}

func TestVerifyValid(t *testing.T) {
	now := time.Now()
	raw := Sign(freshParams(now), testToken)

	got, err := Verify(raw, testToken, now)
	require.NoError(t, err)
	assert.Equal(t, int64(12345), got.UserID)
	assert.Equal(t, "Alice", got.FirstName)
	assert.Equal(t, "alice", got.Username)
}

func TestVerifyRejectsTamperedFields(t *testing.T) {
	now := time.Now()
	raw := Sign(freshParams(now), testToken)

	values, err := url.ParseQuery(raw)
	require.NoError(t, err)

	// Flip any non-hash field: the signature must no longer match.
	for key := range values {
		if key == "hash" || key == "auth_date" {
			continue
		}
		tampered := url.Values{}
		for k, v := range values {
			tampered[k] = append([]string(nil), v...)
		}
		tampered.Set(key, values.Get(key)+"x")

		_, err := Verify(tampered.Encode(), testToken, now)
		assert.ErrorIs(t, err, ErrHashMismatch, "tampered field %q must fail", key)
	}
}

func TestVerifyRejectsMutatedHash(t *testing.T) {
	now := time.Now()
	raw := Sign(freshParams(now), testToken)

	values, _ := url.ParseQuery(raw)
	hash := values.Get("hash")
	// Flip the last hex digit.
	last := hash[len(hash)-1]
	flip := "0"
	if last == '0' {
		flip = "1"
	}
	values.Set("hash", hash[:len(hash)-1]+flip)

	_, err := Verify(values.Encode(), testToken, now)
	assert.ErrorIs(t, err, ErrHashMismatch)
}

func TestVerifyRejectsWrongToken(t *testing.T) {
	now := time.Now()
	raw := Sign(freshParams(now), testToken)

	_, err := Verify(raw, "999:other-token", now)
	assert.ErrorIs(t, err, ErrHashMismatch)
}

func TestVerifyRejectsExpired(t *testing.T) {
	now := time.Now()
	old := now.Add(-11 * time.Minute)
	raw := Sign(freshParams(old), testToken)

	_, err := Verify(raw, testToken, now)
	assert.ErrorIs(t, err, ErrExpired)
}

func TestVerifyRejectsMissingParts(t *testing.T) {
	now := time.Now()

	_, err := Verify("user=%7B%22id%22%3A1%7D", testToken, now)
	assert.ErrorIs(t, err, ErrMissingHash)

	params := freshParams(now)
	delete(params, "auth_date")
	_, err = Verify(Sign(params, testToken), testToken, now)
	assert.ErrorIs(t, err, ErrMissingAuthDate)

	params = freshParams(now)
	delete(params, "user")
	_, err = Verify(Sign(params, testToken), testToken, now)
	assert.ErrorIs(t, err, ErrMissingUser)
}

func TestVerifyHashCaseInsensitive(t *testing.T) {
	now := time.Now()
	raw := Sign(freshParams(now), testToken)

	// Platforms emit lowercase hex; an uppercased hash still matches.
	values, _ := url.ParseQuery(raw)
	values.Set("hash", strings.ToUpper(values.Get("hash")))

	_, err := Verify(values.Encode(), testToken, now)
	require.NoError(t, err, "uppercase hash must still match")
}
