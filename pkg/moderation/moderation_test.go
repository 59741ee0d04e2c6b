package moderation

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestIsAppropriate(t *testing.T) {
	require.False(t, IsAppropriate("you should kys"))
	require.False(t, IsAppropriate("KILL YOURSELF"))
	require.False(t, IsAppropriate("that guy is basically Hitler"))
	require.True(t, IsAppropriate("I disagree with their choice"))
	require.True(t, IsAppropriate("the audience was studied carefully"))
	require.True(t, IsAppropriate(""))
}

func TestRedact(t *testing.T) {
	require.Equal(t, "you should "+RedactedMarker, Redact("you should kys"))
	require.Equal(t, "I disagree", Redact("I disagree"))
}
