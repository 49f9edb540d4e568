package shutdown

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunKeepsOrderAndJoinsErrors(t *testing.T) {
	var order []string
	step := func(name string, err error) Step {
		return Step{Name: name, Fn: func(context.Context) error {
			order = append(order, name)
			return err
		}}
	}
	boom := errors.New("boom")
	err := Run(context.Background(), []Step{
		step("gateway", nil),
		step("workers", boom),
		{Name: "disabled"},
		step("store", nil),
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, []string{"gateway", "workers", "store"}, order)
}

func TestRunSkipsAfterDeadline(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ran := false
	err := Run(ctx, []Step{
		{Name: "first", Fn: func(context.Context) error { cancel(); return nil }},
		{Name: "second", Fn: func(context.Context) error { ran = true; return nil }},
	})
	assert.False(t, ran)
	assert.ErrorIs(t, err, context.Canceled)
}
