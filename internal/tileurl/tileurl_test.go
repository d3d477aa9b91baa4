package tileurl

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	v := Validate("https://{s}.tile.example/{z}/{x}/{y}.png", true)
	require.True(t, v.Valid)
	assert.Equal(t, []string{"{x}", "{y}", "{z}", "{s}"}, v.Placeholders)
	assert.Empty(t, v.Missing)
	assert.Empty(t, v.Warnings)
}

func TestValidateMissing(t *testing.T) {
	v := Validate("https://tile.example/{z}/{x}.png", false)
	assert.False(t, v.Valid)
	assert.Equal(t, []string{"{y}"}, v.Missing)
}

func TestValidateWarnings(t *testing.T) {
	// {s} declared, no subdomains supplied
	v := Validate("https://{s}.tile.example/{z}/{x}/{y}.png", false)
	require.True(t, v.Valid)
	require.Len(t, v.Warnings, 1)

	// subdomains supplied, no {s}
	v = Validate("https://tile.example/{z}/{x}/{y}.png", true)
	require.True(t, v.Valid)
	require.Len(t, v.Warnings, 1)
}

func TestMaterialize(t *testing.T) {
	url := Materialize("https://{s}.tile.example/{z}/{x}/{y}.png", 8, 5, 4, "b")
	assert.Equal(t, "https://b.tile.example/4/8/5.png", url)
}

func TestMaterializeNoSubdomain(t *testing.T) {
	url := Materialize("https://tile.example/{z}/{x}/{y}.png", 1, 2, 3, "")
	assert.Equal(t, "https://tile.example/3/1/2.png", url)
}

func TestMaterializeReplacesOnce(t *testing.T) {
	// a literal second occurrence stays untouched
	url := Materialize("https://tile.example/{z}/{x}/{y}?copy={x}", 7, 9, 2, "")
	assert.Equal(t, "https://tile.example/2/7/9?copy={x}", url)
}

func TestRotator(t *testing.T) {
	r := NewRotator([]string{"a", "b", "c"})
	got := []string{r.Next(), r.Next(), r.Next(), r.Next()}
	assert.Equal(t, []string{"a", "b", "c", "a"}, got)
}

func TestRotatorEmpty(t *testing.T) {
	r := NewRotator(nil)
	assert.Equal(t, "", r.Next())
	assert.Equal(t, "", r.Next())
}
