package config

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestDurationUnmarshalJSON(t *testing.T) {
	var d Duration
	require.NoError(t, json.Unmarshal([]byte(`"1m30s"`), &d))
	assert.Equal(t, 90*time.Second, d.Std())

	// Bare numbers are nanoseconds, like time.Duration itself.
	require.NoError(t, json.Unmarshal([]byte(`1000000000`), &d))
	assert.Equal(t, time.Second, d.Std())

	require.Error(t, json.Unmarshal([]byte(`"fast"`), &d))
	require.Error(t, json.Unmarshal([]byte(`true`), &d))
}

func TestDurationUnmarshalYAML(t *testing.T) {
	var d Duration
	require.NoError(t, yaml.Unmarshal([]byte(`250ms`), &d))
	assert.Equal(t, 250*time.Millisecond, d.Std())

	require.Error(t, yaml.Unmarshal([]byte(`nope`), &d))
}

func TestDurationMarshal(t *testing.T) {
	d := Duration(90 * time.Second)

	data, err := json.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, `"1m30s"`, string(data))

	out, err := yaml.Marshal(d)
	require.NoError(t, err)
	assert.Equal(t, "1m30s\n", string(out))
}
