// Copyright (c) FluxMirror
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoad_MissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	require.Equal(t, Default(), cfg)
}

func TestLoad_OverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "target.yaml")
	body := []byte("link:\n  listen_addr: \":5673\"\n  credit_window: 250\nadmin:\n  addr: \":9090\"\n")
	require.NoError(t, os.WriteFile(path, body, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":5673", cfg.Link.ListenAddr)
	require.Equal(t, 250, cfg.Link.CreditWindow)
	require.Equal(t, ":9090", cfg.Admin.Addr)
	require.Equal(t, "unsettled", cfg.Link.SenderSettleMode, "unset fields keep their default value")
}

func TestValidate_RejectsBadSettleMode(t *testing.T) {
	cfg := Default()
	cfg.Link.SenderSettleMode = "bogus"
	require.Error(t, cfg.Validate())
}

func TestValidate_RejectsEmptyAdminAddrWhenEnabled(t *testing.T) {
	cfg := Default()
	cfg.Admin.Enabled = true
	cfg.Admin.Addr = ""
	require.Error(t, cfg.Validate())
}
