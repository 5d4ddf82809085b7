package cmd

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/esisync/esisync/internal/config"
	"github.com/esisync/esisync/internal/core"
)

func TestCheckEntities(t *testing.T) {
	env := &checkEnv{cfg: &config.Config{
		Endpoints: map[string]core.EndpointOverride{"mail": {Disabled: true}},
		Entities: []config.EntityConfig{
			{ID: 1, Endpoints: []string{" Skills ", "assets"}},
			{ID: 2},
		},
	}}
	detail, err := checkEntities(context.Background(), env)
	require.NoError(t, err)
	assert.Equal(t, "2 explicit endpoint selections", detail)

	env.cfg.Entities = append(env.cfg.Entities, config.EntityConfig{ID: 3, Endpoints: []string{"mail", "bogus"}})
	_, err = checkEntities(context.Background(), env)
	require.Error(t, err)
	assert.Contains(t, err.Error(), `entity 3: unknown or disabled endpoint "mail"`)
	assert.Contains(t, err.Error(), `"bogus"`)
}

func TestCheckVersion(t *testing.T) {
	original := versionInfo
	t.Cleanup(func() { versionInfo = original })

	versionInfo.Version = ""
	_, err := checkVersion(context.Background(), nil)
	require.Error(t, err)

	versionInfo.Version = "0.4.0"
	detail, err := checkVersion(context.Background(), nil)
	require.NoError(t, err)
	assert.Equal(t, "0.4.0", detail)
}

func TestEntityEndpointsNormalises(t *testing.T) {
	got := entityEndpoints(config.EntityConfig{Endpoints: []string{" Assets", "", "SKILLS"}})
	assert.Equal(t, []core.Endpoint{"assets", "skills"}, got)
	assert.Empty(t, entityEndpoints(config.EntityConfig{}))
}
