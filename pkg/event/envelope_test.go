package event

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode(t *testing.T) {
	data := []byte(`{
		"type": "job",
		"status": "successful",
		"target": {"type": "prediction", "id": "pred-1"},
		"record": {"id": "pred-1", "state": "successful"},
		"reason": ""
	}`)

	env, err := Decode(data)
	require.NoError(t, err)
	assert.Equal(t, KindJob, env.Kind)
	assert.Equal(t, "successful", env.Status)
	assert.Equal(t, "prediction", env.Target.Type)
	assert.Equal(t, "pred-1", env.Target.ID)
	assert.Equal(t, map[string]any{"id": "pred-1", "state": "successful"}, env.Record)
}

func TestDecode_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not json", `data`},
		{"missing type", `{"status": "successful", "target": {"type": "prediction", "id": "x"}}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Decode([]byte(tt.data))
			assert.Error(t, err)
		})
	}
}

func TestDecode_ForwardCompatibleKind(t *testing.T) {
	env, err := Decode([]byte(`{"type": "telemetry", "status": "hot"}`))
	require.NoError(t, err)
	assert.Equal(t, Kind("telemetry"), env.Kind)
}

func TestParseTargetType(t *testing.T) {
	tests := []struct {
		in   string
		want TargetType
	}{
		{"geometry", TargetGeometry},
		{"prediction", TargetPrediction},
		{"post_processing", TargetPostProcessing},
		{"training_data", TargetTrainingData},
		{"training_data_part", TargetTrainingDataPart},
		{"model", TargetModel},
		{"hologram", TargetUnknown},
		{"", TargetUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ParseTargetType(tt.in), "ParseTargetType(%q)", tt.in)
	}
}
