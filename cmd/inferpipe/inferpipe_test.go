package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalizeArgs(t *testing.T) {
	in := []string{"-prog", "-setup", "a.config", "--acl_setup", "b.json", "-debug_level", "-1", "-v"}
	out := normalizeArgs(in)
	require.Equal(t, []string{"-prog", "--setup", "a.config", "--acl_setup", "b.json", "--debug_level", "-1", "-v"}, out)
}
