package worker

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/petrijr/matchengine/pkg/api"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"nil", nil, ClassFatal},
		{"plain error", errors.New("unauthorized"), ClassFatal},
		{"wrapped sentinel", fmt.Errorf("list indexes: %w", api.ErrTransient), ClassTransient},
		{"context canceled", fmt.Errorf("insert: %w", context.Canceled), ClassFatal},
		{"network label", mongo.CommandError{Code: 0, Labels: []string{"NetworkError"}}, ClassTransient},
		{"primary stepped down", mongo.CommandError{Code: 189, Name: "PrimarySteppedDown"}, ClassTransient},
		{"not writable primary", mongo.CommandError{Code: 10107, Name: "NotWritablePrimary"}, ClassTransient},
		{"cursor not found", fmt.Errorf("query: %w", mongo.CommandError{Code: 43, Name: "CursorNotFound"}), ClassTransient},
		{"bad value", mongo.CommandError{Code: 2, Name: "BadValue"}, ClassFatal},
		{"duplicate key", mongo.WriteException{WriteErrors: mongo.WriteErrors{{Code: 11000}}}, ClassFatal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestIsDuplicateKeyOnly(t *testing.T) {
	dup := mongo.BulkWriteException{WriteErrors: []mongo.BulkWriteError{
		{WriteError: mongo.WriteError{Index: 0, Code: 11000}},
		{WriteError: mongo.WriteError{Index: 3, Code: 11000}},
	}}
	require.True(t, IsDuplicateKeyOnly(dup))
	require.True(t, IsDuplicateKeyOnly(fmt.Errorf("insert ledger: %w", dup)))

	mixed := mongo.BulkWriteException{WriteErrors: []mongo.BulkWriteError{
		{WriteError: mongo.WriteError{Index: 0, Code: 11000}},
		{WriteError: mongo.WriteError{Index: 1, Code: 121}},
	}}
	require.False(t, IsDuplicateKeyOnly(mixed))

	withConcern := mongo.BulkWriteException{
		WriteErrors:       []mongo.BulkWriteError{{WriteError: mongo.WriteError{Code: 11000}}},
		WriteConcernError: &mongo.WriteConcernError{Code: 64},
	}
	require.False(t, IsDuplicateKeyOnly(withConcern))

	require.False(t, IsDuplicateKeyOnly(mongo.BulkWriteException{}))
	require.False(t, IsDuplicateKeyOnly(errors.New("boom")))
	require.False(t, IsDuplicateKeyOnly(nil))
}

func TestOutcomeKindString(t *testing.T) {
	require.Equal(t, "succeeded", Succeeded.String())
	require.Equal(t, "retry", Retry.String())
	require.Equal(t, "fatal", Fatal.String())
	require.Equal(t, "transient", ClassTransient.String())
	require.Equal(t, "fatal", ClassFatal.String())
}
