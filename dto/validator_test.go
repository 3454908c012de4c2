package dto

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatValidationErrors(t *testing.T) {
	type subject struct {
		Token  string `validate:"required"`
		Limit  int    `validate:"gt=0"`
		Prefix string `validate:"startswith=/"`
	}

	err := GetValidator().Struct(&subject{Limit: -1, Prefix: "api"})
	require.Error(t, err)

	formatted := FormatValidationErrors(err)
	require.Len(t, formatted, 3)

	messages := make(map[string]string)
	for _, fe := range formatted {
		messages[fe.Field] = fe.Message
	}
	assert.Equal(t, "Token is required", messages["Token"])
	assert.Equal(t, "Limit must be greater than 0", messages["Limit"])
	assert.Equal(t, "Prefix must start with /", messages["Prefix"])
}

func TestFormatValidationErrors_NonValidationError(t *testing.T) {
	assert.Empty(t, FormatValidationErrors(assert.AnError))
}
