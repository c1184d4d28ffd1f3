package taskpipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanonicalQueueID(t *testing.T) {
	a := CanonicalQueueID(map[string]string{"region": "eu", "app": "billing", "env": "prod"})
	b := CanonicalQueueID(map[string]string{"env": "prod", "region": "eu", "app": "billing"})
	assert.Equal(t, "app=billing;env=prod;region=eu", a)
	assert.Equal(t, a, b)
	assert.Equal(t, "", CanonicalQueueID(nil))
}

func TestQueueNames(t *testing.T) {
	assert.Equal(t, "jobs", QueueID("  jobs "))
	assert.Equal(t, "jobs-response", ResponseQueue("jobs"))
}
