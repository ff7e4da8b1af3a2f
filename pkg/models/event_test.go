package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseEntityID(t *testing.T) {
	id, err := ParseEntityID("9223372036854775807")
	require.NoError(t, err)
	assert.Equal(t, MaxEntityID, id)

	for _, s := range []string{"9223372036854775808", "18446744073709551615", "-1", "abc", ""} {
		_, err := ParseEntityID(s)
		assert.Error(t, err, s)
	}
}
