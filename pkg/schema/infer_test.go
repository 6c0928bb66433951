package schema

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/torn-tools/tornpipe/pkg/record"
)

func TestInfer(t *testing.T) {
	tests := []struct {
		name         string
		value        record.Value
		wantType     Kind
		wantRepeated bool
	}{
		{"bool", record.Bool(true), KindBool, false},
		{"int", record.Int(42), KindInt, false},
		{"float", record.Float(0.5), KindFloat, false},
		{"plain string", record.String("Duke"), KindString, false},
		{"iso timestamp", record.String("2026-08-25T12:00:00Z"), KindTimestamp, false},
		{"timestamp with offset", record.String("2026-08-25T12:00:00+02:00"), KindTimestamp, false},
		{"timestamp with negative offset", record.String("2026-08-25T12:00:00-05:00"), KindTimestamp, false},
		{"string with T but no zone", record.String("TORN"), KindString, false},
		{"null", record.Null(), KindString, false},
		{"empty list", record.ListValue(nil), KindString, true},
		{"int list", record.ListValue([]record.Value{record.Int(1), record.Int(2)}), KindInt, true},
		{"string list", record.ListValue([]record.Value{record.String("a")}), KindString, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			col := Infer("field", tt.value, zerolog.Nop())
			assert.Equal(t, tt.wantType, col.Type)
			assert.Equal(t, tt.wantRepeated, col.Repeated)
			assert.Equal(t, "field", col.Name)
		})
	}
}

func TestInfer_ObjectFallsBackToString(t *testing.T) {
	obj, err := record.Decode([]byte(`{"rewards": {"money": 1000}}`))
	require.NoError(t, err)

	v, _ := obj.Get("rewards")
	col := Infer("rewards", v, zerolog.Nop())
	assert.Equal(t, KindString, col.Type)
	assert.False(t, col.Repeated)
}

func TestInfer_ObjectListFallsBackToRepeatedString(t *testing.T) {
	obj, err := record.Decode([]byte(`{"items": [{"id": 1}, {"id": 2}]}`))
	require.NoError(t, err)

	v, _ := obj.Get("items")
	col := Infer("items", v, zerolog.Nop())
	assert.Equal(t, KindString, col.Type)
	assert.True(t, col.Repeated)
}
