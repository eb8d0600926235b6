package database

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestInsertBuilder_OnConflictUpdate(t *testing.T) {
	ib := NewInsertBuilder()
	ib.InsertInto("job_results").Cols("job_id", "result").Values("abc", "{}")
	ib.OnConflictUpdate([]string{"job_id"}, "result")

	query, args := ib.Build()
	assert.Equal(t, "INSERT INTO job_results (job_id, result) VALUES ($1, $2) ON CONFLICT (job_id) DO UPDATE SET result = EXCLUDED.result", query)
	assert.Equal(t, []interface{}{"abc", "{}"}, args)
}

func TestLatestVersion(t *testing.T) {
	v, err := latestVersion("../../db/pg")
	assert.NoError(t, err)
	assert.Equal(t, 1, v)
}
