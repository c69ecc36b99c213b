// Package store persists versioned records as JSON files, optionally AES-encrypted
// with a per-identity key. It keeps no record state between calls.
package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/and161185/convokeeper/internal/crypto/recordcrypto"
	"github.com/and161185/convokeeper/internal/errs"
)

const (
	plainExt     = ".json"
	encryptedExt = ".json.encrypted"

	dirPerm  = 0o700
	filePerm = 0o600
)

// Upgrader rewrites the data of a record stored in an older format into the current format.
type Upgrader func(format int, raw json.RawMessage) (json.RawMessage, error)

// Codec describes one kind of record file.
type Codec struct {
	Name    string   // base file name without extension
	Format  int      // current format tag written on save
	Upgrade Upgrader // optional, called for older formats on load
}

type envelope struct {
	Format int             `json:"format"`
	Data   json.RawMessage `json:"data"`
}

type probe struct {
	Format *int            `json:"format"`
	Data   json.RawMessage `json:"data"`
}

// FileName returns the on-disk name of a record, suffixed by its encryption mode.
func FileName(name string, encrypted bool) string {
	if encrypted {
		return name + encryptedExt
	}
	return name + plainExt
}

// Exists reports whether the record file for the given mode is present in dir.
func Exists(dir string, c Codec, encrypted bool) bool {
	_, err := os.Stat(filepath.Join(dir, FileName(c.Name, encrypted)))
	return err == nil
}

// Load reads and decodes a record. A nil key reads the plaintext variant.
// Missing files are reported as errs.ErrNotFound.
func Load[T any](dir string, c Codec, key []byte) (T, error) {
	var v T
	doc, err := readDocument(dir, c, key)
	if err != nil {
		return v, err
	}
	raw, err := decodeEnvelope(c, doc)
	if err != nil {
		return v, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode %s: %w", c.Name, err)
	}
	return v, nil
}

// Saver writes records of one kind into a directory, encrypted when it holds a key.
type Saver[T any] struct {
	dir   string
	codec Codec
	key   []byte
}

// NewSaver constructs a saver. A nil key writes plaintext.
func NewSaver[T any](dir string, c Codec, key []byte) *Saver[T] {
	return &Saver[T]{dir: dir, codec: c, key: append([]byte(nil), key...)}
}

// Encrypted reports whether this saver writes the encrypted variant.
func (s *Saver[T]) Encrypted() bool { return len(s.key) > 0 }

// Dir returns the directory the saver writes into.
func (s *Saver[T]) Dir() string { return s.dir }

// Save encodes v and atomically replaces the record file.
func (s *Saver[T]) Save(v T) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.codec.Name, err)
	}
	doc, err := json.Marshal(envelope{Format: s.codec.Format, Data: data})
	if err != nil {
		return fmt.Errorf("encode %s: %w", s.codec.Name, err)
	}
	return writeDocument(s.dir, s.codec, s.key, doc)
}

// Rekey re-encodes an existing record from oldKey to newKey. A nil newKey writes
// plaintext. The file of the previous mode is removed when the name changes.
// A missing source file is not an error.
func Rekey(dir string, c Codec, oldKey, newKey []byte) error {
	return RekeyAll(dir, []Codec{c}, oldKey, newKey)
}

// RekeyAll re-encodes a group of records as a unit. Every record is read and
// rewritten before any file of the previous mode is removed; when a write fails
// the records already rewritten are restored.
func RekeyAll(dir string, codecs []Codec, oldKey, newKey []byte) error {
	type pending struct {
		codec Codec
		doc   []byte
	}
	var docs []pending
	for _, c := range codecs {
		doc, err := readDocument(dir, c, oldKey)
		if errors.Is(err, errs.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		docs = append(docs, pending{codec: c, doc: doc})
	}

	renamed := FileName("", len(oldKey) > 0) != FileName("", len(newKey) > 0)
	for i, p := range docs {
		if err := writeDocument(dir, p.codec, newKey, p.doc); err != nil {
			for _, done := range docs[:i] {
				var rerr error
				if renamed {
					rerr = os.Remove(filepath.Join(dir, FileName(done.codec.Name, len(newKey) > 0)))
				} else {
					rerr = writeDocument(dir, done.codec, oldKey, done.doc)
				}
				if rerr != nil && !errors.Is(rerr, os.ErrNotExist) {
					return fmt.Errorf("rekey %s: %w (restore %s: %v)", p.codec.Name, err, done.codec.Name, rerr)
				}
			}
			return fmt.Errorf("rekey %s: %w", p.codec.Name, err)
		}
	}

	if !renamed {
		return nil
	}
	for _, p := range docs {
		oldName := FileName(p.codec.Name, len(oldKey) > 0)
		if err := os.Remove(filepath.Join(dir, oldName)); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove %s: %w", oldName, err)
		}
	}
	return nil
}

// Remove deletes both variants of a record.
func Remove(dir string, c Codec) error {
	for _, enc := range []bool{false, true} {
		err := os.Remove(filepath.Join(dir, FileName(c.Name, enc)))
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return err
		}
	}
	return nil
}

func readDocument(dir string, c Codec, key []byte) ([]byte, error) {
	path := filepath.Join(dir, FileName(c.Name, len(key) > 0))
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%s: %w", c.Name, errs.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", c.Name, err)
	}
	if len(key) == 0 {
		return b, nil
	}
	rk, err := recordcrypto.DeriveRecordKey(key, c.Name)
	if err != nil {
		return nil, err
	}
	pt, err := recordcrypto.Decrypt(rk, b)
	if err != nil {
		return nil, fmt.Errorf("decrypt %s: %w", c.Name, err)
	}
	return pt, nil
}

func writeDocument(dir string, c Codec, key []byte, doc []byte) error {
	if len(key) > 0 {
		rk, err := recordcrypto.DeriveRecordKey(key, c.Name)
		if err != nil {
			return err
		}
		if doc, err = recordcrypto.Encrypt(rk, doc); err != nil {
			return fmt.Errorf("encrypt %s: %w", c.Name, err)
		}
	}
	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return err
	}
	name := FileName(c.Name, len(key) > 0)
	tmp, err := os.CreateTemp(dir, name+".tmp-*")
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.Write(doc); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Chmod(filePerm); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), filepath.Join(dir, name))
}

// decodeEnvelope unwraps the format tag; a bare document is format 1.
func decodeEnvelope(c Codec, doc []byte) (json.RawMessage, error) {
	var p probe
	if err := json.Unmarshal(doc, &p); err != nil {
		return nil, fmt.Errorf("decode %s: %w", c.Name, err)
	}
	format, raw := 1, json.RawMessage(doc)
	if p.Format != nil {
		format, raw = *p.Format, p.Data
	}
	switch {
	case format > c.Format:
		return nil, fmt.Errorf("%s: format %d newer than supported %d", c.Name, format, c.Format)
	case format < c.Format && c.Upgrade != nil:
		up, err := c.Upgrade(format, raw)
		if err != nil {
			return nil, fmt.Errorf("upgrade %s from format %d: %w", c.Name, format, err)
		}
		return up, nil
	}
	return raw, nil
}
