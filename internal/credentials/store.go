// Package credentials loads the user database and verifies passwords.
//
// Records are lines of the form "<hash>;<username>". The hash is either a
// bcrypt hash or the legacy hex SHA-384 digest of password+username.
package credentials

import (
	"bytes"
	"context"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"nasdrive/internal/logging"
)

var (
	ErrMalformed     = errors.New("malformed credential record")
	ErrDuplicateUser = errors.New("duplicate username")
)

const legacyHexLen = sha512.Size384 * 2

type record struct {
	hash   []byte
	legacy bool
}

// Store is read-only after Load and safe for concurrent use.
type Store struct {
	users map[string]record

	// every Verify compares against one legacy digest and, unless the file
	// has no bcrypt records, one bcrypt hash; these stand in for the
	// scheme the user does not have
	legacyDummy []byte
	bcryptDummy []byte
}

// Load reads the credential file at path.
func Load(path string, logger logging.Logger) (*Store, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read users file: %w", err)
	}
	return Parse(data, logger)
}

// Parse builds a Store from the raw file contents.
func Parse(data []byte, logger logging.Logger) (*Store, error) {
	s := &Store{users: make(map[string]record)}

	cost := bcrypt.MinCost
	bcryptSeen := false
	lines := bytes.SplitAfter(data, []byte("\n"))
	for i, raw := range lines {
		lineNo := i + 1
		if len(raw) == 0 {
			continue
		}
		if !bytes.HasSuffix(raw, []byte("\n")) {
			// a writer was interrupted mid-append
			logger.Warn(context.Background(), "skipping unterminated credential record", "line", lineNo)
			continue
		}
		line := strings.TrimRight(string(raw), "\r\n")
		if strings.TrimSpace(line) == "" {
			continue
		}
		name, rec, err := parseRecord(line)
		if err != nil {
			return nil, fmt.Errorf("line %d: %w", lineNo, err)
		}
		if _, dup := s.users[name]; dup {
			return nil, fmt.Errorf("line %d: %w: %q", lineNo, ErrDuplicateUser, name)
		}
		if !rec.legacy {
			bcryptSeen = true
			if c, err := bcrypt.Cost(rec.hash); err == nil && c > cost {
				cost = c
			}
		}
		s.users[name] = rec
	}

	s.legacyDummy = LegacyDigest("nasdrive-dummy", "")
	if !bcryptSeen {
		return s, nil
	}
	dummy, err := bcrypt.GenerateFromPassword([]byte("nasdrive-dummy"), cost)
	if err != nil {
		return nil, fmt.Errorf("dummy hash: %w", err)
	}
	s.bcryptDummy = dummy
	return s, nil
}

func parseRecord(line string) (string, record, error) {
	hash, name, ok := strings.Cut(line, ";")
	if !ok || hash == "" || name == "" || strings.Contains(name, ";") {
		return "", record{}, ErrMalformed
	}
	if isBcrypt(hash) {
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return "", record{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return name, record{hash: []byte(hash)}, nil
	}
	if len(hash) != legacyHexLen {
		return "", record{}, ErrMalformed
	}
	digest, err := hex.DecodeString(strings.ToLower(hash))
	if err != nil {
		return "", record{}, ErrMalformed
	}
	return name, record{hash: digest, legacy: true}, nil
}

func isBcrypt(h string) bool {
	return strings.HasPrefix(h, "$2a$") || strings.HasPrefix(h, "$2b$") || strings.HasPrefix(h, "$2y$")
}

// Verify reports whether password is correct for username. Known and
// unknown users of either scheme cost the same hash work.
func (s *Store) Verify(username, password string) bool {
	rec, known := s.users[username]
	legacyHash, bcryptHash := s.legacyDummy, s.bcryptDummy
	if known {
		if rec.legacy {
			legacyHash = rec.hash
		} else {
			bcryptHash = rec.hash
		}
	}

	sum := LegacyDigest(username, password)
	legacyOK := subtle.ConstantTimeCompare(sum, legacyHash) == 1
	bcryptOK := false
	if bcryptHash != nil {
		bcryptOK = bcrypt.CompareHashAndPassword(bcryptHash, []byte(password)) == nil
	}

	switch {
	case !known:
		return false
	case rec.legacy:
		return legacyOK
	default:
		return bcryptOK
	}
}

// Has reports whether username has a record.
func (s *Store) Has(username string) bool {
	_, ok := s.users[username]
	return ok
}

func (s *Store) Len() int { return len(s.users) }

// LegacyDigest is SHA-384(password || username).
func LegacyDigest(username, password string) []byte {
	sum := sha512.Sum384([]byte(password + username))
	return sum[:]
}

// HashPassword returns a bcrypt hash for a new record.
func HashPassword(password string, cost int) (string, error) {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// AppendRecord adds a record for username to the file at path, creating it
// if needed. The line is always newline-terminated.
func AppendRecord(path, username, hash string) error {
	if username == "" || strings.ContainsAny(username, ";\r\n") {
		return fmt.Errorf("%w: bad username", ErrMalformed)
	}
	if strings.ContainsAny(hash, ";\r\n") {
		return fmt.Errorf("%w: bad hash", ErrMalformed)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	complete := data
	if i := bytes.LastIndexByte(data, '\n'); i+1 < len(data) {
		// drop an interrupted record; Load skips it anyway
		complete = data[:i+1]
		if err := f.Truncate(int64(len(complete))); err != nil {
			return err
		}
	}
	for _, raw := range bytes.Split(complete, []byte("\n")) {
		line := strings.TrimRight(string(raw), "\r")
		if _, name, ok := strings.Cut(line, ";"); ok && name == username {
			return fmt.Errorf("%w: %q", ErrDuplicateUser, username)
		}
	}

	line := hash + ";" + username + "\n"
	if _, err := f.WriteString(line); err != nil {
		return err
	}
	return f.Sync()
}
