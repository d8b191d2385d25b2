package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/sqlshift/sqlshift/internal/core"
)

func TestSinksWritesEveryone(t *testing.T) {
	var first, second []string
	boom := errors.New("boom")

	sink := Sinks(
		ResultSinkFunc(func(_ context.Context, record core.ResultRecord) error {
			first = append(first, record.JobID)
			return boom
		}),
		nil,
		ResultSinkFunc(func(_ context.Context, record core.ResultRecord) error {
			second = append(second, record.JobID)
			return nil
		}),
	)

	err := sink.UpsertResult(context.Background(), core.ResultRecord{JobID: "a"})
	require.ErrorIs(t, err, boom)
	require.Equal(t, []string{"a"}, first)
	require.Equal(t, []string{"a"}, second)
}

func TestNotifiersFanOut(t *testing.T) {
	var got []core.EventKind
	n := Notifiers(
		NotifierFunc(func(e core.Event) { got = append(got, e.Kind) }),
		nil,
		NotifierFunc(func(e core.Event) { got = append(got, e.Kind) }),
	)

	n.Notify(core.Event{Kind: core.EventBatchCompleted})
	require.Equal(t, []core.EventKind{core.EventBatchCompleted, core.EventBatchCompleted}, got)
}
