package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFallbackTags(t *testing.T) {
	require.Equal(t, []string{"en-US-x-foo", "en-US", "en"}, fallbackTags("en-US-x-foo"))
	require.Equal(t, []string{"zh-Hant-TW", "zh-Hant", "zh"}, fallbackTags("zh-Hant-TW"))
	require.Equal(t, []string{"de"}, fallbackTags("de"))
	require.Empty(t, fallbackTags(""))
}
