// Package userstore is the server's persistent username -> credential
// map (spec.md §4.6). It is grounded in the teacher's internal/store
// "open, tolerate a missing file, fail hard on corruption" pattern, with
// sqlite's transactional guarantees replaced by an explicit
// temp-file-then-rename write, since the spec requires a single
// serialized blob rather than a relational table.
package userstore

import (
	"bytes"
	"crypto/rand"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"golang.org/x/crypto/scrypt"

	"chatroom/internal/protoerr"
)

// storeVersion is the version byte at offset 0 of the persisted file
// (spec.md §6: "Version byte 0x01 at offset 0").
const storeVersion = 0x01

const (
	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16
)

// Record is one persisted credential (spec.md §3 UserRecord).
type Record struct {
	Username string
	PwdHash  []byte
	PwdSalt  []byte
}

// Store is the in-memory mapping, mirrored to disk on every mutation.
type Store struct {
	path string

	mu      sync.RWMutex
	records map[string]Record
}

// Open loads path into memory. A missing file yields an empty store; any
// other read failure is StoreIoError, and a file that fails to parse is
// StoreCorrupt (spec.md §4.6).
func Open(path string) (*Store, error) {
	s := &Store{path: path, records: make(map[string]Record)}
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, protoerr.Wrap(protoerr.KindStoreIoError, "reading user store", err)
	}
	if err := s.decode(raw); err != nil {
		return nil, protoerr.Wrap(protoerr.KindStoreCorrupt, "parsing user store", err)
	}
	return s, nil
}

func (s *Store) decode(raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	if raw[0] != storeVersion {
		return fmt.Errorf("unsupported store version %d", raw[0])
	}
	r := bytes.NewReader(raw[1:])
	records := make(map[string]Record)
	for r.Len() > 0 {
		rec, err := decodeRecord(r)
		if err != nil {
			return err
		}
		records[rec.Username] = rec
	}
	s.records = records
	return nil
}

func decodeRecord(r *bytes.Reader) (Record, error) {
	username, err := readLenPrefixed(r)
	if err != nil {
		return Record{}, err
	}
	hash, err := readLenPrefixed(r)
	if err != nil {
		return Record{}, err
	}
	salt, err := readLenPrefixed(r)
	if err != nil {
		return Record{}, err
	}
	return Record{Username: string(username), PwdHash: hash, PwdSalt: salt}, nil
}

func readLenPrefixed(r *bytes.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	buf := make([]byte, n)
	if n > 0 {
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func writeLenPrefixed(buf *bytes.Buffer, b []byte) {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(b)))
	buf.Write(lenBuf[:])
	buf.Write(b)
}

// persist serializes the whole store and atomically replaces the file on
// disk (spec.md §4.6: "serializing the whole store to a temporary file
// and atomically renaming it"; §8 invariant 6: a crash mid-write never
// produces an intermediate state).
func (s *Store) persist() error {
	s.mu.RLock()
	buf := &bytes.Buffer{}
	buf.WriteByte(storeVersion)
	for _, rec := range s.records {
		writeLenPrefixed(buf, []byte(rec.Username))
		writeLenPrefixed(buf, rec.PwdHash)
		writeLenPrefixed(buf, rec.PwdSalt)
	}
	blob := buf.Bytes()
	s.mu.RUnlock()

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, ".userstore-*.tmp")
	if err != nil {
		return protoerr.Wrap(protoerr.KindStoreIoError, "creating temp file", err)
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(blob); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return protoerr.Wrap(protoerr.KindStoreIoError, "writing temp file", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return protoerr.Wrap(protoerr.KindStoreIoError, "syncing temp file", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return protoerr.Wrap(protoerr.KindStoreIoError, "closing temp file", err)
	}
	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath)
		return protoerr.Wrap(protoerr.KindStoreIoError, "renaming temp file into place", err)
	}
	return nil
}

func hashPassword(pwd string, salt []byte) ([]byte, error) {
	return scrypt.Key([]byte(pwd), salt, scryptN, scryptR, scryptP, scryptKeyLen)
}

// Register inserts a brand-new user, fails with UserExists if taken
// (spec.md §4.6).
func (s *Store) Register(username, password string) error {
	s.mu.Lock()
	if _, exists := s.records[username]; exists {
		s.mu.Unlock()
		return protoerr.New(protoerr.KindUserExists, username)
	}
	s.mu.Unlock()

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return protoerr.Wrap(protoerr.KindStoreIoError, "generating salt", err)
	}
	hash, err := hashPassword(password, salt)
	if err != nil {
		return protoerr.Wrap(protoerr.KindStoreIoError, "hashing password", err)
	}

	s.mu.Lock()
	if _, exists := s.records[username]; exists {
		s.mu.Unlock()
		return protoerr.New(protoerr.KindUserExists, username)
	}
	s.records[username] = Record{Username: username, PwdHash: hash, PwdSalt: salt}
	s.mu.Unlock()

	return s.persist()
}

// Verify checks a password against the stored hash in constant time,
// returning CredentialInvalid on any mismatch including an absent user
// (spec.md §4.6).
func (s *Store) Verify(username, password string) error {
	s.mu.RLock()
	rec, ok := s.records[username]
	s.mu.RUnlock()
	if !ok {
		return protoerr.New(protoerr.KindCredentialInvalid, "unknown user")
	}
	candidate, err := hashPassword(password, rec.PwdSalt)
	if err != nil {
		return protoerr.Wrap(protoerr.KindStoreIoError, "hashing password", err)
	}
	if subtle.ConstantTimeCompare(candidate, rec.PwdHash) != 1 {
		return protoerr.New(protoerr.KindCredentialInvalid, "password mismatch")
	}
	return nil
}

// ChangePassword requires the old password to Verify, then rewrites the
// record with a fresh salt and hash (spec.md §4.6).
func (s *Store) ChangePassword(username, oldPassword, newPassword string) error {
	if err := s.Verify(username, oldPassword); err != nil {
		return err
	}
	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return protoerr.Wrap(protoerr.KindStoreIoError, "generating salt", err)
	}
	hash, err := hashPassword(newPassword, salt)
	if err != nil {
		return protoerr.Wrap(protoerr.KindStoreIoError, "hashing password", err)
	}

	s.mu.Lock()
	rec, ok := s.records[username]
	if !ok {
		s.mu.Unlock()
		return protoerr.New(protoerr.KindCredentialInvalid, "unknown user")
	}
	rec.PwdHash = hash
	rec.PwdSalt = salt
	s.records[username] = rec
	s.mu.Unlock()

	return s.persist()
}

// Exists reports whether username is registered.
func (s *Store) Exists(username string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[username]
	return ok
}

// Usernames returns every registered username, in no particular order.
func (s *Store) Usernames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.records))
	for u := range s.records {
		out = append(out, u)
	}
	return out
}

// Len reports the number of registered users.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
