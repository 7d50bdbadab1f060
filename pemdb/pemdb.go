// Package pemdb is a directory of PEM files, each holding a certificate and
// the RSA private key that belongs to it. Keys are looked up by the serial
// number of their certificate.
package pemdb

import (
	"bytes"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

var ErrKeyNotFound = errors.New("no key for certificate serial number")

type entry struct {
	file string
	cert *x509.Certificate
	key  *rsa.PrivateKey
}

type Database struct {
	entries map[string]entry
	logger  *zap.Logger
}

// Load reads every *.pem file in dir. Files without a certificate and a
// matching RSA key are skipped.
func Load(dir string, logger *zap.Logger) (*Database, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	files, err := filepath.Glob(filepath.Join(dir, "*.pem"))
	if err != nil {
		return nil, errors.Wrapf(err, "list %s", dir)
	}
	db := &Database{entries: map[string]entry{}, logger: logger.Named("pemdb")}
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			return nil, errors.Wrapf(err, "read %s", f)
		}
		e, err := parse(raw)
		if err != nil {
			db.logger.Warn("skipping PEM file", zap.String("file", f), zap.Error(err))
			continue
		}
		e.file = f
		db.add(e)
	}
	db.logger.Info("PEM database loaded", zap.String("dir", dir), zap.Int("keys", len(db.entries)))
	return db, nil
}

// Add puts a certificate and its key into the database.
func (db *Database) Add(cert *x509.Certificate, key *rsa.PrivateKey) error {
	if !key.PublicKey.Equal(cert.PublicKey) {
		return errors.New("key does not match certificate")
	}
	db.add(entry{cert: cert, key: key})
	return nil
}

func (db *Database) add(e entry) {
	serial := serialKey(e.cert.SerialNumber.Bytes())
	if old, ok := db.entries[serial]; ok {
		db.logger.Warn("duplicate certificate serial number",
			zap.String("serial", serial), zap.String("kept", old.file), zap.String("dropped", e.file))
		return
	}
	db.entries[serial] = e
}

func (db *Database) Len() int { return len(db.entries) }

// PrivateKey returns the key of the certificate with the given serial number.
func (db *Database) PrivateKey(certSerial []byte) (*rsa.PrivateKey, error) {
	e, ok := db.entries[serialKey(certSerial)]
	if !ok {
		return nil, errors.Wrapf(ErrKeyNotFound, "serial %X", certSerial)
	}
	return e.key, nil
}

// serialKey drops leading zero bytes so that DER and big.Int forms match.
func serialKey(serial []byte) string {
	return strings.ToUpper(hex.EncodeToString(bytes.TrimLeft(serial, "\x00")))
}

func parse(raw []byte) (entry, error) {
	var (
		e   entry
		key any
	)
	for {
		var block *pem.Block
		block, raw = pem.Decode(raw)
		if block == nil {
			break
		}
		var err error
		switch block.Type {
		case "CERTIFICATE":
			if e.cert != nil {
				continue
			}
			if e.cert, err = x509.ParseCertificate(block.Bytes); err != nil {
				return entry{}, errors.Wrap(err, "parse certificate")
			}
		case "RSA PRIVATE KEY":
			if key, err = x509.ParsePKCS1PrivateKey(block.Bytes); err != nil {
				return entry{}, errors.Wrap(err, "parse PKCS#1 key")
			}
		case "PRIVATE KEY":
			if key, err = x509.ParsePKCS8PrivateKey(block.Bytes); err != nil {
				return entry{}, errors.Wrap(err, "parse PKCS#8 key")
			}
		}
	}
	if e.cert == nil {
		return entry{}, errors.New("no certificate")
	}
	rsaKey, ok := key.(*rsa.PrivateKey)
	if !ok {
		return entry{}, errors.New("no RSA private key")
	}
	if !rsaKey.PublicKey.Equal(e.cert.PublicKey) {
		return entry{}, errors.New("key does not match certificate")
	}
	e.key = rsaKey
	return e, nil
}

// PKCS1v15Signer signs the SHA-256 digest of a message with RSASSA-PKCS1-v1_5.
type PKCS1v15Signer struct{}

func (PKCS1v15Signer) Sign(key *rsa.PrivateKey, message []byte) ([]byte, error) {
	if key == nil {
		return nil, errors.New("nil key")
	}
	digest := sha256.Sum256(message)
	return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
}
