package results

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRef(t *testing.T) {
	ref := Ref("6f1c2b0e-0000-4000-8000-000000000001")
	assert.Equal(t, "job_results/6f1c2b0e-0000-4000-8000-000000000001", ref)

	id, ok := ParseRef(ref)
	assert.True(t, ok)
	assert.Equal(t, "6f1c2b0e-0000-4000-8000-000000000001", id)

	_, ok = ParseRef("s3://bucket/key")
	assert.False(t, ok)
	_, ok = ParseRef("job_results/")
	assert.False(t, ok)
}
