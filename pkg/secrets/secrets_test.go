// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package secrets

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_PrefersEnv(t *testing.T) {
	t.Setenv("TEST_SECRET_KEY", "  from-env\n")
	file := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(file, []byte("from-file"), 0o600))

	s, err := Load("test", "TEST_SECRET_KEY", file)
	require.NoError(t, err)

	v, err := s.Reveal()
	require.NoError(t, err)
	assert.Equal(t, "from-env", v)
	assert.Equal(t, "test", s.Name())
}

func TestLoad_FallsBackToFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(file, []byte("from-file\n"), 0o600))

	s, err := Load("test", "TEST_SECRET_UNSET", file)
	require.NoError(t, err)

	err = s.Use(func(v string) error {
		assert.Equal(t, "from-file", v)
		return nil
	})
	assert.NoError(t, err)
}

func TestLoad_Missing(t *testing.T) {
	_, err := Load("test", "TEST_SECRET_UNSET", filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, ErrEmpty)

	_, err = New("blank", "   ")
	assert.ErrorIs(t, err, ErrEmpty)
}
