package probe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMillis(t *testing.T) {
	t.Parallel()
	d, err := parseMillis("12345\n")
	require.NoError(t, err)
	assert.Equal(t, 12345*time.Millisecond, d)

	_, err = parseMillis("not a number")
	assert.Error(t, err)
}

func TestParseHIDIdle(t *testing.T) {
	t.Parallel()
	out := `+-o IOHIDSystem  <class IOHIDSystem, id 0x100000271>
    {
      "HIDIdleTime" = 4503599627
      "HIDParameters" = {}
    }`
	d, err := parseHIDIdle(out)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(4503599627), d)

	_, err = parseHIDIdle("nothing here")
	assert.Error(t, err)
}

func TestSplitAppTitle(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Window{App: "Safari", Title: "GitHub"}, splitAppTitle("Safari\nGitHub"))
	assert.Equal(t, Window{App: "Finder"}, splitAppTitle("Finder\n"))
	assert.Equal(t, Window{App: "Dock"}, splitAppTitle("Dock"))
}
