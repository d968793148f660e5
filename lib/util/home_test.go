package util

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestUserHomeFollowsHome(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOME", dir)
	home := UserHome()
	assert.NotEmpty(t, home)
	assert.True(t, filepath.IsAbs(home))
}
