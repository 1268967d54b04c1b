package handlers

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/kuutamolabs/kld-mgr/internal/upgrade"
)

func TestUpdateOutcomes(t *testing.T) {
	results := []upgrade.Result{
		{Host: "db-00", Generation: "gen-5", Handoff: "kexec"},
		{Host: "db-01", Skipped: true},
		{Host: "ln-00", Err: errors.New("unreachable")},
	}

	outcomes := updateOutcomes(results)

	assert.Equal(t, "generation gen-5 via kexec", outcomes[0].Detail)
	assert.Equal(t, "up to date", outcomes[1].Detail)
	assert.Error(t, outcomes[2].Err)
}
