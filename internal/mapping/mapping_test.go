package mapping_test

import (
	"testing"
	"time"

	"github.com/arcstore/tsqlite/internal/mapping"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type Widget struct {
	ID        string    `db:"id" tstore:"pk"`
	Name      string    `db:"name" tstore:"uindex:widgets_name_uidx"`
	Tags      []string  `db:"tags"`
	CreatedAt time.Time `db:"created_at" tstore:"audit:created"`
	UpdatedAt time.Time `db:"updated_at" tstore:"audit:updated"`
	Version   int64     `db:"version"`
	secret    string
}

type CompositeKey struct {
	Tenant string `db:"tenant" tstore:"pk:1"`
	Key    string `db:"key" tstore:"pk:2"`
	Value  string `db:"value"`
}

func TestOfBuildsPrimaryKeyAndColumns(t *testing.T) {
	m, err := mapping.Of[Widget]()
	require.NoError(t, err)

	assert.Equal(t, "Widget", m.Table)
	require.Len(t, m.PrimaryKey, 1)
	assert.Equal(t, "id", m.PrimaryKey[0].Column)

	cols := m.SelectColumns()
	assert.Contains(t, cols, "id")
	assert.Contains(t, cols, "name")
	assert.Contains(t, cols, "tags")
	assert.NotContains(t, cols, "secret")
}

func TestOfHonorsCompositePrimaryKeyOrdinal(t *testing.T) {
	m, err := mapping.Of[CompositeKey]()
	require.NoError(t, err)

	require.Len(t, m.PrimaryKey, 2)
	assert.Equal(t, "tenant", m.PrimaryKey[0].Column)
	assert.Equal(t, "key", m.PrimaryKey[1].Column)
}

func TestOfDerivesUniqueIndex(t *testing.T) {
	m, err := mapping.Of[Widget]()
	require.NoError(t, err)

	require.Len(t, m.Indexes, 1)
	assert.Equal(t, "widgets_name_uidx", m.Indexes[0].Name)
	assert.True(t, m.Indexes[0].Unique)
	assert.Equal(t, []string{"name"}, m.Indexes[0].Columns)
}

func TestOfMarksNonPrimitiveFieldsForSerializer(t *testing.T) {
	m, err := mapping.Of[Widget]()
	require.NoError(t, err)

	p, ok := m.ByColumn("tags")
	require.True(t, ok)
	assert.True(t, p.Serialize)
	assert.Equal(t, mapping.StorageBlob, p.Storage)
}

func TestOfCachesByType(t *testing.T) {
	m1, err := mapping.Of[Widget]()
	require.NoError(t, err)
	m2, err := mapping.Of[Widget]()
	require.NoError(t, err)
	assert.Same(t, m1, m2)
}

type NoKey struct {
	Name string `db:"name"`
}

func TestOfRejectsMissingPrimaryKey(t *testing.T) {
	_, err := mapping.Of[NoKey]()
	require.Error(t, err)
	var cfgErr *mapping.ConfigurationError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestInsertColumnsExcludeComputedAndAutoIncrement(t *testing.T) {
	m, err := mapping.Of[Widget]()
	require.NoError(t, err)

	insertCols := m.InsertColumns()
	for _, p := range insertCols {
		assert.False(t, p.IsComputed)
		assert.False(t, p.AutoIncrement)
	}
}

func TestUpdateColumnsExcludePrimaryKey(t *testing.T) {
	m, err := mapping.Of[Widget]()
	require.NoError(t, err)

	updateCols := m.UpdateColumns()
	for _, p := range updateCols {
		assert.False(t, p.IsPrimaryKey)
	}
}
