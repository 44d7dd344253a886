package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnqueue_SkipsBusyAccounts(t *testing.T) {
	e := New(Deps{Sessions: map[string]Session{"a": nil, "b": nil}}, Options{})
	jobs := make(chan string, 2)

	e.enqueue(jobs)
	assert.Len(t, jobs, 2)

	// Neither tick finished: nothing new is queued.
	e.enqueue(jobs)
	assert.Len(t, jobs, 2)

	<-jobs
	<-jobs
	e.release("a")
	e.enqueue(jobs)
	assert.Len(t, jobs, 1)
	assert.Equal(t, "a", <-jobs)
}

func TestEnqueue_FullChannelReleasesAccount(t *testing.T) {
	e := New(Deps{Sessions: map[string]Session{"a": nil, "b": nil}}, Options{})
	jobs := make(chan string, 1)

	e.enqueue(jobs)
	assert.Equal(t, "a", <-jobs)
	assert.False(t, e.busy["b"], "b could not be queued and must stay schedulable")
}

func TestEvery(t *testing.T) {
	assert.Equal(t, "@every 5s", every(5e9))
}
