package backend

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const tokensFileName = "tokens.json"

type tokensDocument struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

// TokenFile persists the access and refresh credentials under fixed keys
// in a local file, surviving restarts the way the browser store did.
type TokenFile struct {
	fileName string
	mu       sync.RWMutex
	doc      tokensDocument
}

func NewTokenFile(filePath string) (*TokenFile, error) {
	os.MkdirAll(filePath, os.ModePerm)

	fileName := filepath.Join(filePath, tokensFileName)

	tf := TokenFile{
		fileName: fileName,
	}

	_, err := os.Stat(fileName)
	switch {
	case err != nil:
		if err := tf.flush(); err != nil {
			return nil, fmt.Errorf("tokens create: %w", err)
		}

	default:
		f, err := os.Open(fileName)
		if err != nil {
			return nil, fmt.Errorf("tokens open: %w", err)
		}
		defer f.Close()

		if err := json.NewDecoder(f).Decode(&tf.doc); err != nil {
			return nil, fmt.Errorf("tokens decode: %w", err)
		}
	}

	return &tf, nil
}

func (tf *TokenFile) Tokens() (accessToken string, refreshToken string) {
	tf.mu.RLock()
	defer tf.mu.RUnlock()

	return tf.doc.AccessToken, tf.doc.RefreshToken
}

func (tf *TokenFile) SetTokens(accessToken string, refreshToken string) error {
	tf.mu.Lock()
	defer tf.mu.Unlock()

	tf.doc.AccessToken = accessToken
	tf.doc.RefreshToken = refreshToken

	return tf.flush()
}

func (tf *TokenFile) Clear() error {
	tf.mu.Lock()
	defer tf.mu.Unlock()

	tf.doc = tokensDocument{}

	return tf.flush()
}

func (tf *TokenFile) flush() error {
	f, err := os.Create(tf.fileName)
	if err != nil {
		return fmt.Errorf("tokens file create: %w", err)
	}
	defer f.Close()

	jsonDoc, err := json.MarshalIndent(tf.doc, "", "    ")
	if err != nil {
		return fmt.Errorf("tokens file marshal: %w", err)
	}

	if _, err := f.Write(jsonDoc); err != nil {
		return fmt.Errorf("tokens file write: %w", err)
	}

	return nil
}
