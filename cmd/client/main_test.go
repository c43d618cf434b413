package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSocketURL(t *testing.T) {
	cases := map[string]string{
		"http://localhost:8080":      "ws://localhost:8080/socket",
		"http://localhost:8080/":     "ws://localhost:8080/socket",
		"https://stock.example/app/": "wss://stock.example/app/socket",
		"ws://10.0.0.1:9000":         "ws://10.0.0.1:9000/socket",
	}
	for in, want := range cases {
		got, err := socketURL(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := socketURL("ftp://nope")
	assert.Error(t, err)
}
