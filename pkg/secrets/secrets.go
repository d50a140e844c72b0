// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package secrets keeps provider credentials out of ordinary heap memory.
//
// # Description
//
// A Secret seals its value in a memguard enclave. The plaintext only exists
// inside a locked buffer for the duration of a Use call and is wiped
// afterwards. Values are loaded from an environment variable or, failing
// that, a container secret file such as /run/secrets/openai_api_key.
//
// # Thread Safety
//
// Secret is safe for concurrent use.
package secrets

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/awnumar/memguard"
	"golang.org/x/sys/unix"
)

// ErrEmpty is returned when no value could be found for a secret.
var ErrEmpty = errors.New("secret is empty")

// MinMlockLimitKB is the locked-memory limit below which enclaves may fail
// to allocate.
const MinMlockLimitKB = 64

var (
	initOnce     sync.Once
	mlockOK      bool
	mlockLimitKB int64
)

// Init installs the interrupt handler that wipes enclaves on SIGINT and
// records the mlock limit. Safe to call more than once.
func Init() {
	initOnce.Do(func() {
		memguard.CatchInterrupt()
		mlockOK, mlockLimitKB = checkMlockLimit()
		if mlockOK {
			slog.Debug("Secure memory initialized", "mlock_limit_kb", mlockLimitKB)
			return
		}
		slog.Warn("mlock limit is low, secret buffers may fail to lock",
			"current_limit_kb", mlockLimitKB,
			"required_kb", MinMlockLimitKB,
		)
	})
}

// Purge destroys every enclave and locked buffer. Call on shutdown.
func Purge() {
	memguard.Purge()
}

// MlockStatus reports whether the locked-memory limit is sufficient.
func MlockStatus() (bool, int64) {
	Init()
	return mlockOK, mlockLimitKB
}

func checkMlockLimit() (bool, int64) {
	var rlimit unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &rlimit); err != nil {
		slog.Warn("Could not determine mlock limit", "error", err)
		return true, -1
	}
	if rlimit.Cur == unix.RLIM_INFINITY {
		return true, -1
	}
	limitKB := int64(rlimit.Cur / 1024)
	return limitKB >= MinMlockLimitKB, limitKB
}

// Secret is a sealed credential.
type Secret struct {
	name    string
	enclave *memguard.Enclave
}

// New seals value. The caller's copy of value is not wiped.
func New(name, value string) (*Secret, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return nil, fmt.Errorf("%s: %w", name, ErrEmpty)
	}
	Init()
	return &Secret{
		name:    name,
		enclave: memguard.NewEnclave([]byte(value)),
	}, nil
}

// Load reads a secret from envVar, falling back to filePath.
//
// # Inputs
//
//   - name: Label used in logs and errors.
//   - envVar: Environment variable checked first. May be empty.
//   - filePath: Secret file checked second. May be empty.
//
// # Outputs
//
//   - *Secret: The sealed value.
//   - error: ErrEmpty when neither source holds a value.
func Load(name, envVar, filePath string) (*Secret, error) {
	if envVar != "" {
		if v := os.Getenv(envVar); strings.TrimSpace(v) != "" {
			return New(name, v)
		}
	}
	if filePath != "" {
		data, err := os.ReadFile(filePath)
		if err == nil {
			slog.Info("Read secret from file", "name", name, "path", filePath)
			s, sealErr := New(name, string(data))
			memguard.WipeBytes(data)
			return s, sealErr
		}
	}
	return nil, fmt.Errorf("%s: %w (checked env %q and file %q)", name, ErrEmpty, envVar, filePath)
}

// Name returns the secret's label.
func (s *Secret) Name() string { return s.name }

// Use opens the enclave and passes the plaintext to fn. The plaintext must
// not be retained after fn returns.
func (s *Secret) Use(fn func(value string) error) error {
	buf, err := s.enclave.Open()
	if err != nil {
		return fmt.Errorf("opening secret %s: %w", s.name, err)
	}
	defer buf.Destroy()
	return fn(buf.String())
}

// Reveal returns a heap copy of the plaintext. Used only for SDKs that
// take the key once at construction.
func (s *Secret) Reveal() (string, error) {
	var out string
	err := s.Use(func(v string) error {
		out = strings.Clone(v)
		return nil
	})
	return out, err
}
