package tablepoll

import (
	"encoding/json"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestKeyAssigner_Assign(t *testing.T) {
	row := NewRow(
		Field{Name: "sys_id", Value: "abc"},
		Field{Name: "caller_id.name", Value: "Ann"},
		Field{Name: "parent", Value: nil},
	)
	zero := 0

	tests := []struct {
		name     string
		assigner KeyAssigner
		want     Assignment
	}{
		{
			name:     "default",
			assigner: DefaultAssigner(),
			want:     Assignment{TargetPartition: &zero},
		},
		{
			name:     "round robin",
			assigner: RoundRobinAssigner(),
			want:     Assignment{},
		},
		{
			name:     "field based",
			assigner: FieldBasedAssigner("caller_id.name", "parent", "missing"),
			want: Assignment{
				KeySchema: &KeySchema{Fields: []string{"caller_id__name", "parent", "missing"}},
				Key: &Key{Fields: []KeyField{
					{Name: "caller_id__name", Value: strPtr("Ann")},
					{Name: "parent"},
					{Name: "missing"},
				}},
			},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.assigner.Assign(row)
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Errorf("Assign(): (-want, +got)\n%s", diff)
			}
			if again := tt.assigner.Assign(row); !cmp.Equal(got, again) {
				t.Errorf("Assign() is not deterministic: %+v, then %+v", got, again)
			}
		})
	}
}

func TestKey_MarshalJSON(t *testing.T) {
	k := Key{Fields: []KeyField{
		{Name: "z", Value: strPtr("1")},
		{Name: "a"},
	}}
	b, err := json.Marshal(k)
	if err != nil {
		t.Fatal(err)
	}
	if want := `{"z":"1","a":null}`; string(b) != want {
		t.Errorf("Marshal() = %s, want %s", b, want)
	}
}

func TestParseStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    Strategy
		wantErr bool
	}{
		{"", StrategyDefault, false},
		{"Default", StrategyDefault, false},
		{"roundrobin", StrategyRoundRobin, false},
		{"RoundRobin", StrategyRoundRobin, false},
		{"FieldBased", StrategyFieldBased, false},
		{"field-based", StrategyFieldBased, false},
		{"hash", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseStrategy(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseStrategy(%q) = %v, %v, want %v, wantErr %v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestKeyAssigner_validate(t *testing.T) {
	if err := FieldBasedAssigner().validate(); err == nil {
		t.Error("FieldBasedAssigner() without fields is valid, want error")
	}
	if err := FieldBasedAssigner("a", " ").validate(); err == nil {
		t.Error("FieldBasedAssigner() with a blank field is valid, want error")
	}
	if err := (KeyAssigner{Strategy: Strategy(9)}).validate(); err == nil {
		t.Error("unknown strategy is valid, want error")
	}
	if err := DefaultAssigner().validate(); err != nil {
		t.Errorf("DefaultAssigner().validate() = %v", err)
	}
}
