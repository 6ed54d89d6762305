package tablepoll

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Strategy selects how emitted records map to destination partitions.
type Strategy int

const (
	// StrategyDefault publishes every record of a partition to destination
	// partition 0, keeping a strict single-partition order.
	StrategyDefault Strategy = iota

	// StrategyRoundRobin leaves partition assignment to the sink's rotation.
	// Order is not kept across destination partitions.
	StrategyRoundRobin

	// StrategyFieldBased keys each record by a list of row fields so a hashing
	// sink keeps per-key order.
	StrategyFieldBased
)

func (s Strategy) String() string {
	switch s {
	case StrategyDefault:
		return "Default"
	case StrategyRoundRobin:
		return "RoundRobin"
	case StrategyFieldBased:
		return "FieldBased"
	default:
		return fmt.Sprintf("Strategy(%d)", int(s))
	}
}

// ParseStrategy parses a strategy name, case-insensitively. An empty name is
// StrategyDefault.
func ParseStrategy(name string) (Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "", "default":
		return StrategyDefault, nil
	case "roundrobin", "round-robin", "round_robin":
		return StrategyRoundRobin, nil
	case "fieldbased", "field-based", "field_based":
		return StrategyFieldBased, nil
	default:
		return 0, fmt.Errorf("unsupported partitioning strategy %q", name)
	}
}

// DefaultTargetPartition is the destination partition of StrategyDefault.
const DefaultTargetPartition = 0

// KeyAssigner decides the destination partition and key of each row.
type KeyAssigner struct {
	Strategy Strategy

	// Fields are the key fields of StrategyFieldBased.
	Fields []string
}

// DefaultAssigner returns a KeyAssigner using StrategyDefault.
func DefaultAssigner() KeyAssigner {
	return KeyAssigner{Strategy: StrategyDefault}
}

// RoundRobinAssigner returns a KeyAssigner using StrategyRoundRobin.
func RoundRobinAssigner() KeyAssigner {
	return KeyAssigner{Strategy: StrategyRoundRobin}
}

// FieldBasedAssigner returns a KeyAssigner keyed by fields.
func FieldBasedAssigner(fields ...string) KeyAssigner {
	return KeyAssigner{Strategy: StrategyFieldBased, Fields: fields}
}

func (a KeyAssigner) validate() error {
	switch a.Strategy {
	case StrategyDefault, StrategyRoundRobin:
		return nil
	case StrategyFieldBased:
		if len(a.Fields) == 0 {
			return fmt.Errorf("%s requires at least one key field", a.Strategy)
		}
		for _, f := range a.Fields {
			if strings.TrimSpace(f) == "" {
				return fmt.Errorf("%s key fields must not be blank", a.Strategy)
			}
		}
		return nil
	default:
		return fmt.Errorf("unsupported partitioning strategy %s", a.Strategy)
	}
}

// Assignment is the destination of a single row.
type Assignment struct {
	// TargetPartition is nil when the sink chooses the partition.
	TargetPartition *int

	// KeySchema and Key are nil when records are unkeyed.
	KeySchema *KeySchema
	Key       *Key
}

// Assign computes the destination of row.
func (a KeyAssigner) Assign(row Row) Assignment {
	switch a.Strategy {
	case StrategyFieldBased:
		schema := a.keySchema()
		key := &Key{Fields: make([]KeyField, 0, len(a.Fields))}
		for i, f := range a.Fields {
			kf := KeyField{Name: schema.Fields[i]}
			if v, ok := row.GetString(f); ok {
				kf.Value = &v
			}
			key.Fields = append(key.Fields, kf)
		}
		return Assignment{KeySchema: schema, Key: key}
	case StrategyRoundRobin:
		return Assignment{}
	default:
		p := DefaultTargetPartition
		return Assignment{TargetPartition: &p}
	}
}

func (a KeyAssigner) keySchema() *KeySchema {
	s := &KeySchema{Fields: make([]string, 0, len(a.Fields))}
	for _, f := range a.Fields {
		s.Fields = append(s.Fields, sanitizeFieldName(f))
	}
	return s
}

// KeySchema describes a record key: an ordered list of optional string fields.
type KeySchema struct {
	Fields []string `json:"fields"`
}

// KeyField is one component of a Key. A nil Value is a null component.
type KeyField struct {
	Name  string
	Value *string
}

// Key is the record key of StrategyFieldBased.
type Key struct {
	Fields []KeyField
}

// MarshalJSON encodes k as a JSON object in field order.
func (k Key) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, f := range k.Fields {
		if i > 0 {
			buf.WriteByte(',')
		}
		name, err := json.Marshal(f.Name)
		if err != nil {
			return nil, err
		}
		value, err := json.Marshal(f.Value)
		if err != nil {
			return nil, err
		}
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(value)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
