package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rowsync/replicator/internal/config"
	"github.com/rowsync/replicator/internal/replmodel"
)

func TestSplitQualified_SplitsSchemaAndTable(t *testing.T) {
	s, tbl := splitQualified("reporting.customers")
	assert.Equal(t, "reporting", s)
	assert.Equal(t, "customers", tbl)
}

func TestSplitQualified_DefaultsSchemaWhenUnqualified(t *testing.T) {
	s, tbl := splitQualified("customers")
	assert.Equal(t, "dbo", s)
	assert.Equal(t, "customers", tbl)
}

func TestToReplModelMode_MapsNormalCaseInsensitively(t *testing.T) {
	assert.Equal(t, replmodel.ModeNormal, toReplModelMode(config.ModeNormal))
	assert.Equal(t, replmodel.ModeNormal, toReplModelMode(config.DestinationMode("normal")))
}

func TestToReplModelMode_DefaultsToSlave(t *testing.T) {
	assert.Equal(t, replmodel.ModeSlave, toReplModelMode(config.ModeSlave))
	assert.Equal(t, replmodel.ModeSlave, toReplModelMode(config.DestinationMode("")))
}

