package p4

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseProcessGroup(t *testing.T) {
	pg, err := ParseProcessGroup(strings.NewReader(`
# master
local 2
hostB 1 /opt/job/worker # big box
  hostC	3
`), "hostA")
	require.NoError(t, err)

	assert.Equal(t, ProcessGroup{
		{Host: "hostA", Count: 2},
		{Host: "hostB", Count: 1, Executable: "/opt/job/worker"},
		{Host: "hostC", Count: 3},
	}, pg)
	assert.Equal(t, 6, pg.Size())
	assert.Equal(t, []int{0, 2, 3}, pg.BaseRanks())
}

func TestParseProcessGroup_Invalid(t *testing.T) {
	for name, input := range map[string]string{
		"empty":        "# nothing\n",
		"no count":     "hostA\n",
		"bad count":    "hostA two\n",
		"zero ranks":   "hostA 0\n",
		"extra fields": "hostA 1 exe more\n",
	} {
		input := input
		t.Run(name, func(t *testing.T) {
			_, err := ParseProcessGroup(strings.NewReader(input), "hostA")
			assert.ErrorIs(t, err, ErrProcessGroup)
		})
	}
}

func TestRemoteEnv(t *testing.T) {
	env := RemoteEnv{Master: "hostA:4242", Group: 2, Host: "hostC", Count: 3}

	got, err := ParseEnviron(append([]string{"PATH=/bin"}, env.Environ()...))
	require.NoError(t, err)
	assert.Equal(t, env, got)

	_, err = ParseEnviron([]string{EnvMaster + "=hostA:1", EnvHost + "=hostB", EnvGroup + "=0", EnvCount + "=1"})
	assert.ErrorIs(t, err, ErrInvalidRemote)

	_, err = ParseEnviron([]string{EnvMaster + "=hostA:1", EnvHost + "=hostB", EnvGroup + "=1"})
	assert.ErrorIs(t, err, ErrInvalidRemote)

	_, err = ParseEnviron(nil)
	assert.ErrorIs(t, err, ErrInvalidRemote)
}
