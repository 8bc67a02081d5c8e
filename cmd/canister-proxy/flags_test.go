package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCounter(t *testing.T) {
	var c counter
	require.NoError(t, c.Set("true"))
	require.NoError(t, c.Set(""))
	require.NoError(t, c.Set("false"))
	require.NoError(t, c.Set("2"))
	assert.Equal(t, 4, int(c))
	assert.Equal(t, "4", c.String())
	assert.True(t, c.IsBoolFlag())
	assert.Error(t, c.Set("many"))
}

func TestList(t *testing.T) {
	var l list
	require.NoError(t, l.Set("http://a:8000/"))
	require.NoError(t, l.Set("http://b:8000/, http://c:8000/,"))
	assert.Equal(t, list{"http://a:8000/", "http://b:8000/", "http://c:8000/"}, l)
	assert.Equal(t, "http://a:8000/,http://b:8000/,http://c:8000/", l.String())
}

func TestRootKey(t *testing.T) {
	key, err := rootKey("")
	require.NoError(t, err)
	assert.Len(t, key, 133, "mainnet key is DER encoded")

	_, err = rootKey("zz")
	assert.Error(t, err)
}
