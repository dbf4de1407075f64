// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package codec

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"

	durerrors "github.com/northvane/durable/pkg/errors"
	"golang.org/x/crypto/argon2"
)

// EncryptedFormatTag marks a payload whose body is AES-256-GCM ciphertext
// under a key derived from the caller-supplied run encryption key, rather
// than plain JSON. It is chosen by Context.EncryptionKey being set at
// Dehydrate time, never by the value being encoded.
const EncryptedFormatTag = "dvle"

const (
	argon2Time        = 3
	argon2Memory      = 64 * 1024 // KB
	argon2Parallelism = 4
	argon2KeyLength   = 32 // AES-256
	saltSize          = 16
	gcmNonceSize      = 12
)

// encryptBody derives a one-time AES-256 key from masterKey and a random
// salt, then seals plaintext with AES-GCM. The returned blob is
// salt || nonce || ciphertext, self-describing enough for decryptBody to
// reverse it given the same masterKey.
func encryptBody(masterKey, plaintext []byte) ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, &durerrors.SerializationError{TypeName: "encrypted payload", Supported: []string{"aes-256-gcm"}}
	}
	key := argon2.IDKey(masterKey, salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLength)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcmNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, &durerrors.SerializationError{TypeName: "encrypted payload", Supported: []string{"aes-256-gcm"}}
	}

	out := make([]byte, 0, saltSize+gcmNonceSize+len(plaintext)+gcm.Overhead())
	out = append(out, salt...)
	out = append(out, nonce...)
	out = gcm.Seal(out, nonce, plaintext, nil)
	return out, nil
}

// decryptBody reverses encryptBody given the same masterKey.
func decryptBody(masterKey, blob []byte) ([]byte, error) {
	if len(blob) < saltSize+gcmNonceSize {
		return nil, &durerrors.DeserializationError{Reason: "encrypted payload too short"}
	}
	salt := blob[:saltSize]
	nonce := blob[saltSize : saltSize+gcmNonceSize]
	ciphertext := blob[saltSize+gcmNonceSize:]

	key := argon2.IDKey(masterKey, salt, argon2Time, argon2Memory, argon2Parallelism, argon2KeyLength)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, &durerrors.DeserializationError{Reason: "decryption failed: wrong encryption key or corrupted payload", Cause: err}
	}
	return plaintext, nil
}
