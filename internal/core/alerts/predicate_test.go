package alerts

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClauseEvaluate(t *testing.T) {
	fields := map[string]interface{}{
		"power_w":   1500.0,
		"is_on":     true,
		"device_id": "plug-7",
		"rssi":      -68.0,
		"device": map[string]interface{}{
			"model": "PW-200",
			"alias": "washer basement",
		},
	}

	tests := []struct {
		name   string
		clause Clause
		want   bool
	}{
		{"gt true", Clause{Field: "power_w", Op: OpGt, Value: 1000.0}, true},
		{"gt false", Clause{Field: "power_w", Op: OpGt, Value: 2000.0}, false},
		{"le boundary", Clause{Field: "power_w", Op: OpLe, Value: 1500.0}, true},
		{"lt boundary", Clause{Field: "power_w", Op: OpLt, Value: 1500.0}, false},
		{"eq bool", Clause{Field: "is_on", Op: OpEq, Value: true}, true},
		{"ne bool", Clause{Field: "is_on", Op: OpNe, Value: false}, true},
		{"eq string", Clause{Field: "device_id", Op: OpEq, Value: "plug-7"}, true},
		{"int value against float field", Clause{Field: "power_w", Op: OpGt, Value: 1000}, true},
		{"numeric string value", Clause{Field: "power_w", Op: OpGe, Value: "1500"}, true},
		{"negative comparison", Clause{Field: "rssi", Op: OpLt, Value: -60.0}, true},
		{"dotted path", Clause{Field: "device.model", Op: OpEq, Value: "PW-200"}, true},
		{"dotted path contains", Clause{Field: "device.alias", Op: OpContains, Value: "washer"}, true},
		{"not_contains", Clause{Field: "device.alias", Op: OpNotContains, Value: "dryer"}, true},
		{"matches", Clause{Field: "device.model", Op: OpMatches, Value: `^PW-\d+$`}, true},
		{"in", Clause{Field: "device_id", Op: OpIn, Value: []interface{}{"plug-1", "plug-7"}}, true},
		{"not_in", Clause{Field: "device_id", Op: OpNotIn, Value: []interface{}{"plug-1"}}, true},
		{"missing field is false", Clause{Field: "voltage_v", Op: OpGt, Value: 0.0}, false},
		{"missing nested field is false", Clause{Field: "device.mac", Op: OpEq, Value: "x"}, false},
		{"path through non-map is false", Clause{Field: "power_w.sub", Op: OpEq, Value: 1.0}, false},
		{"type mismatch is false", Clause{Field: "device_id", Op: OpGt, Value: 5.0}, false},
		{"bool against number is false", Clause{Field: "is_on", Op: OpEq, Value: 1.0}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.clause.Evaluate(fields, func(string) {})
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClauseEvaluateWarnsOnTypeMismatch(t *testing.T) {
	fields := map[string]interface{}{"device_id": "plug-7"}
	clause := Clause{Field: "device_id", Op: OpGt, Value: 5.0}

	var warned []string
	clause.Evaluate(fields, func(reason string) { warned = append(warned, reason) })
	assert.NotEmpty(t, warned)
}

func TestClauseValidate(t *testing.T) {
	tests := []struct {
		name    string
		clause  Clause
		wantErr bool
	}{
		{"valid", Clause{Field: "power_w", Op: OpGt, Value: 1.0}, false},
		{"empty field", Clause{Op: OpGt, Value: 1.0}, true},
		{"unknown op", Clause{Field: "x", Op: "~=", Value: 1.0}, true},
		{"valid regex", Clause{Field: "x", Op: OpMatches, Value: "^a+$"}, false},
		{"bad regex rejected at ingestion", Clause{Field: "x", Op: OpMatches, Value: "["}, true},
		{"non-string regex", Clause{Field: "x", Op: OpMatches, Value: 5}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.clause.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
