// Package webapp verifies the chat platform's mini-app session
// attestation (initData). The page in the web view cannot be trusted to
// report who solved the captcha; the signed blob the platform injects is
// the only identity source the server accepts.
package webapp

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

// MaxAge is how old an attestation may be before it is rejected.
const MaxAge = 600 * time.Second

var (
	ErrMissingHash     = errors.New("initData missing hash")
	ErrMissingAuthDate = errors.New("initData missing auth_date")
	ErrExpired         = errors.New("initData expired")
	ErrHashMismatch    = errors.New("initData hash mismatch")
	ErrMissingUser     = errors.New("initData missing user")
)

// InitData is the verified content of an attestation.
type InitData struct {
	UserID    int64
	FirstName string
	LastName  string
	Username  string
	AuthDate  time.Time
}

// UserIDString returns the attested user id in its string form.
func (d *InitData) UserIDString() string {
	return strconv.FormatInt(d.UserID, 10)
}

type initDataUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
}

// Verify checks raw against the platform's HMAC scheme keyed by botToken
// and returns the attested identity. now is injected for testability.
func Verify(raw, botToken string, now time.Time) (*InitData, error) {
	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, fmt.Errorf("parse initData: %w", err)
	}

	gotHash := values.Get("hash")
	if gotHash == "" {
		return nil, ErrMissingHash
	}
	values.Del("hash")

	authDateRaw := values.Get("auth_date")
	if authDateRaw == "" {
		return nil, ErrMissingAuthDate
	}
	authUnix, err := strconv.ParseInt(authDateRaw, 10, 64)
	if err != nil {
		return nil, ErrMissingAuthDate
	}
	authDate := time.Unix(authUnix, 0)
	if now.Sub(authDate) > MaxAge {
		return nil, ErrExpired
	}

	// Data-check string: key=value lines sorted by key ascending. Each key
	// keeps its first value; the platform never sends duplicates.
	keys := make([]string, 0, len(values))
	for k := range values {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	lines := make([]string, 0, len(keys))
	for _, k := range keys {
		lines = append(lines, k+"="+values.Get(k))
	}
	dataCheck := strings.Join(lines, "\n")

	secret := hmacSHA256([]byte("WebAppData"), []byte(botToken))
	calc := hex.EncodeToString(hmacSHA256(secret, []byte(dataCheck)))
	if !hmac.Equal([]byte(calc), []byte(strings.ToLower(gotHash))) {
		return nil, ErrHashMismatch
	}

	userRaw := values.Get("user")
	if userRaw == "" {
		return nil, ErrMissingUser
	}
	var u initDataUser
	if err := json.Unmarshal([]byte(userRaw), &u); err != nil || u.ID == 0 {
		return nil, ErrMissingUser
	}

	return &InitData{
		UserID:    u.ID,
		FirstName: u.FirstName,
		LastName:  u.LastName,
		Username:  u.Username,
		AuthDate:  authDate,
	}, nil
}

func hmacSHA256(key, data []byte) []byte {
	h := hmac.New(sha256.New, key)
	h.Write(data)
	return h.Sum(nil)
}
