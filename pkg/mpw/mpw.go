/*
Copyright 2024 SAP SE.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package mpw derives deterministic per-site passwords from a master
// password, following the Master Password v3 algorithm. The operator uses it
// to compute the per-vCenter admin password from the operator's master
// password, so no derived credential ever needs to be stored.
package mpw

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"

	"github.com/pkg/errors"
	"golang.org/x/crypto/scrypt"
)

const keyPurpose = "com.lyndir.masterpassword"

// templates maps a password class to the set of character templates one of
// which is picked by the site seed.
var templates = map[string][]string{
	"long": {
		"CvcvnoCvcvCvcv", "CvcvCvcvnoCvcv", "CvcvCvcvCvcvno",
		"CvccnoCvcvCvcv", "CvccCvcvnoCvcv", "CvccCvcvCvcvno",
		"CvcvnoCvccCvcv", "CvcvCvccnoCvcv", "CvcvCvccCvcvno",
		"CvcvnoCvcvCvcc", "CvcvCvcvnoCvcc", "CvcvCvcvCvccno",
		"CvccnoCvccCvcv", "CvccCvccnoCvcv", "CvccCvccCvcvno",
		"CvcvnoCvccCvcc", "CvcvCvccnoCvcc", "CvcvCvccCvccno",
		"CvccnoCvcvCvcc", "CvccCvcvnoCvcc", "CvccCvcvCvccno",
	},
	"medium": {"CvcnoCvc", "CvcCvcno"},
	"short":  {"Cvcn"},
	"basic":  {"aaanaaan", "aannaaan", "aaannaaa"},
	"pin":    {"nnnn"},
}

var characterClasses = map[byte]string{
	'V': "AEIOU",
	'C': "BCDFGHJKLMNPQRSTVWXYZ",
	'v': "aeiou",
	'c': "bcdfghjklmnpqrstvwxyz",
	'A': "AEIOUBCDFGHJKLMNPQRSTVWXYZ",
	'a': "AEIOUaeiouBCDFGHJKLMNPQRSTVWXYZbcdfghjklmnpqrstvwxyz",
	'n': "0123456789",
	'o': "@&%?,=[]_:-+*$#!'^~;()/.",
	'x': "AEIOUaeiouBCDFGHJKLMNPQRSTVWXYZbcdfghjklmnpqrstvwxyz0123456789!@#$%^&*()",
}

// MasterPassword holds the expensive scrypt-derived master key for a
// (name, password) identity. Deriving per-site passwords from it is cheap.
type MasterPassword struct {
	key []byte
}

// New computes the master key. The scrypt parameters are fixed by the
// algorithm and must not change, otherwise previously derived passwords
// become unreachable.
func New(name, password string) (*MasterPassword, error) {
	salt := make([]byte, 0, len(keyPurpose)+4+len(name))
	salt = append(salt, keyPurpose...)
	salt = binary.BigEndian.AppendUint32(salt, uint32(len(name)))
	salt = append(salt, name...)

	key, err := scrypt.Key([]byte(password), salt, 32768, 8, 2, 64)
	if err != nil {
		return nil, errors.Wrap(err, "scrypt key derivation failed")
	}
	return &MasterPassword{key: key}, nil
}

// Derive returns the password of the given class ("long", "medium", ...) for
// the given site, counter 1. The result is fully deterministic.
func (m *MasterPassword) Derive(class, site string) (string, error) {
	tmpls, ok := templates[class]
	if !ok {
		return "", errors.Errorf("unknown password class %q", class)
	}

	mac := hmac.New(sha256.New, m.key)
	mac.Write([]byte(keyPurpose))
	var buf [4]byte
	binary.BigEndian.PutUint32(buf[:], uint32(len(site)))
	mac.Write(buf[:])
	mac.Write([]byte(site))
	binary.BigEndian.PutUint32(buf[:], 1)
	mac.Write(buf[:])
	seed := mac.Sum(nil)

	tmpl := tmpls[int(seed[0])%len(tmpls)]
	out := make([]byte, len(tmpl))
	for i := 0; i < len(tmpl); i++ {
		class := characterClasses[tmpl[i]]
		out[i] = class[int(seed[i+1])%len(class)]
	}
	return string(out), nil
}
