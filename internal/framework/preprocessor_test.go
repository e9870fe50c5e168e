package framework_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"

	"oip/dplistener/internal/framework"
)

func TestPreProcessorStopsAtFirstError(t *testing.T) {
	var calls []string
	check := func(name string, err error) framework.PreCheck {
		return func(context.Context, *framework.Message) error {
			calls = append(calls, name)
			return err
		}
	}
	bad := errors.New("empty body")

	handlerRan := false
	handler := framework.NewPreProcessor(
		check("a", nil),
		check("b", bad),
		check("c", nil),
	).Wrap(func(context.Context, *framework.Message) error {
		handlerRan = true
		return nil
	})

	err := handler(context.Background(), &framework.Message{})
	assert.ErrorIs(t, err, bad)
	assert.Contains(t, err.Error(), "precheck[1]")
	assert.Equal(t, []string{"a", "b"}, calls)
	assert.False(t, handlerRan)
}

func TestPreProcessorPassesThrough(t *testing.T) {
	ran := false
	handler := framework.NewPreProcessor().Wrap(func(context.Context, *framework.Message) error {
		ran = true
		return nil
	})
	assert.NoError(t, handler(context.Background(), &framework.Message{}))
	assert.True(t, ran)
}
