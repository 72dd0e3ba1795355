// Copyright 2026 Red Hat, Inc.
// SPDX-License-Identifier: GPL-2.0-or-later

// Package password encrypts credentials for the encrypted_password config
// option. The key material lives in a root-owned file so that config files
// never carry plaintext secrets.
package password

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultKeyFile is where the key and IV are kept between runs.
const DefaultKeyFile = "/var/lib/virt-who/key"

const blockSize = aes.BlockSize

// Keeper encrypts and decrypts passwords with the key from a key file. The
// file holds two hex lines, the key and the IV, each decoding to 16 bytes.
// Key material is read once and kept for the life of the keeper.
type Keeper struct {
	keyFile string
	key, iv []byte
}

// New returns a keeper backed by the given key file, or DefaultKeyFile if
// empty.
func New(keyFile string) *Keeper {
	if keyFile == "" {
		keyFile = DefaultKeyFile
	}
	return &Keeper{keyFile: keyFile}
}

// Encrypt returns the hex ciphertext of the password, generating a fresh
// key file on first use.
func (k *Keeper) Encrypt(plaintext string) (string, error) {
	key, iv, err := k.readKeyIV()
	if errors.Is(err, os.ErrNotExist) {
		key, iv, err = k.generateKeyIV()
	}
	if err != nil {
		return "", err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	padded := pad([]byte(plaintext))
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return hex.EncodeToString(out), nil
}

// Decrypt reverses Encrypt. It fails if the key file is missing or the
// ciphertext was not produced with its key.
func (k *Keeper) Decrypt(hexCiphertext string) (string, error) {
	key, iv, err := k.readKeyIV()
	if err != nil {
		return "", err
	}
	ciphertext, err := hex.DecodeString(strings.TrimSpace(hexCiphertext))
	if err != nil {
		return "", fmt.Errorf("encrypted password is not valid hex: %w", err)
	}
	if len(ciphertext) == 0 || len(ciphertext)%blockSize != 0 {
		return "", fmt.Errorf("encrypted password has invalid length %d", len(ciphertext))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return "", err
	}
	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	unpadded, err := unpad(out)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

func (k *Keeper) readKeyIV() (key, iv []byte, err error) {
	if k.key != nil {
		return k.key, k.iv, nil
	}
	data, err := os.ReadFile(k.keyFile)
	if err != nil {
		return nil, nil, err
	}
	fields := strings.Fields(string(data))
	if len(fields) != 2 {
		return nil, nil, fmt.Errorf("key file %s is malformed", k.keyFile)
	}
	key, err = hex.DecodeString(fields[0])
	if err != nil {
		return nil, nil, fmt.Errorf("key file %s holds invalid key: %w", k.keyFile, err)
	}
	iv, err = hex.DecodeString(fields[1])
	if err != nil {
		return nil, nil, fmt.Errorf("key file %s holds invalid IV: %w", k.keyFile, err)
	}
	if len(key) != blockSize || len(iv) != blockSize {
		return nil, nil, fmt.Errorf("key file %s holds key material of wrong size", k.keyFile)
	}
	k.key, k.iv = key, iv
	return key, iv, nil
}

func (k *Keeper) generateKeyIV() (key, iv []byte, err error) {
	key = make([]byte, blockSize)
	iv = make([]byte, blockSize)
	if _, err := rand.Read(key); err != nil {
		return nil, nil, err
	}
	if _, err := rand.Read(iv); err != nil {
		return nil, nil, err
	}
	if err := os.MkdirAll(filepath.Dir(k.keyFile), 0o700); err != nil {
		return nil, nil, err
	}
	content := hex.EncodeToString(key) + "\n" + hex.EncodeToString(iv) + "\n"
	if err := os.WriteFile(k.keyFile, []byte(content), 0o600); err != nil {
		return nil, nil, err
	}
	k.key, k.iv = key, iv
	return key, iv, nil
}

// pad applies PKCS#7 padding up to the AES block size.
func pad(data []byte) []byte {
	n := blockSize - len(data)%blockSize
	return append(data, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("decrypted password is empty")
	}
	n := int(data[len(data)-1])
	if n == 0 || n > blockSize || n > len(data) {
		return nil, errors.New("decrypted password has invalid padding")
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, errors.New("decrypted password has invalid padding")
		}
	}
	return data[:len(data)-n], nil
}
