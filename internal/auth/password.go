package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
)

type Params struct {
	Memory      uint32 // KiB
	Time        uint32
	Parallelism uint8
	KeyLen      uint32
}

var DefaultParams = Params{Memory: 64 * 1024, Time: 3, Parallelism: 2, KeyLen: 32}

// HashPassword returns a PHC string:
// $argon2id$v=19$m=...,t=...,p=...$<saltB64>$<keyB64>
func HashPassword(p Params, plain string) (string, error) {
	if plain == "" {
		return "", errors.New("empty password")
	}
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	key := argon2.IDKey([]byte(plain), salt, p.Time, p.Memory, p.Parallelism, p.KeyLen)
	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, p.Memory, p.Time, p.Parallelism,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

type phc struct {
	params Params
	salt   []byte
	key    []byte
}

func parsePHC(s string) (*phc, error) {
	parts := strings.Split(s, "$")
	if len(parts) != 6 || parts[0] != "" || parts[1] != "argon2id" {
		return nil, errors.New("not an argon2id PHC string")
	}
	if parts[2] != "v="+strconv.Itoa(argon2.Version) {
		return nil, fmt.Errorf("unsupported argon2 version %q", parts[2])
	}
	var m, t, p uint64
	for _, kv := range strings.Split(parts[3], ",") {
		k, v, ok := strings.Cut(kv, "=")
		if !ok {
			return nil, fmt.Errorf("malformed parameter %q", kv)
		}
		n, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("malformed parameter %q", kv)
		}
		switch k {
		case "m":
			m = n
		case "t":
			t = n
		case "p":
			p = n
		default:
			return nil, fmt.Errorf("unknown parameter %q", k)
		}
	}
	if m == 0 || t == 0 || p == 0 || p > 255 {
		return nil, errors.New("argon2 parameters out of range")
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return nil, fmt.Errorf("salt: %w", err)
	}
	key, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(key) == 0 {
		return nil, errors.New("malformed key")
	}
	return &phc{
		params: Params{Memory: uint32(m), Time: uint32(t), Parallelism: uint8(p), KeyLen: uint32(len(key))},
		salt:   salt,
		key:    key,
	}, nil
}

// ValidateHash reports whether s is a PHC string VerifyPassword can use.
func ValidateHash(s string) error {
	_, err := parsePHC(s)
	return err
}

// VerifyPassword compares plain against the PHC hash in constant time.
func VerifyPassword(plain, hash string) bool {
	h, err := parsePHC(hash)
	if err != nil {
		return false
	}
	p := h.params
	key := argon2.IDKey([]byte(plain), h.salt, p.Time, p.Memory, p.Parallelism, p.KeyLen)
	return subtle.ConstantTimeCompare(key, h.key) == 1
}
