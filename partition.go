package tablepoll

import (
	"strings"
)

// Partition is one remote table polled as an independent ordered stream.
type Partition struct {
	// TableKey identifies the partition. It keys persisted offsets and names
	// the destination channel.
	TableKey string

	// TableName is the remote table to poll.
	TableName string

	// TimestampField and IdentifierField define the total order of rows.
	TimestampField  string
	IdentifierField string

	// Fields restricts the fields returned for each row. Nil returns every
	// field.
	Fields []string

	// Channel is the destination of the partition's records. See ChannelName.
	Channel string

	Assigner KeyAssigner
}

// SourcePartition returns the persisted identity of p.
func (p Partition) SourcePartition() map[string]any {
	return SourcePartition(p.TableKey)
}

// Validate reports the first missing or invalid setting of p.
func (p Partition) Validate() error {
	if strings.TrimSpace(p.TableKey) == "" {
		return &ConfigurationError{Setting: "tableKey", Message: "must not be empty"}
	}
	required := []struct {
		setting string
		value   string
	}{
		{"name", p.TableName},
		{"timestampField", p.TimestampField},
		{"identifierField", p.IdentifierField},
		{"channel", p.Channel},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return &ConfigurationError{Partition: p.TableKey, Setting: r.setting, Message: "must not be empty"}
		}
	}
	if p.Fields != nil && len(p.Fields) == 0 {
		return &ConfigurationError{Partition: p.TableKey, Setting: "fields", Message: "must list at least one field when set"}
	}
	if err := p.Assigner.validate(); err != nil {
		return &ConfigurationError{Partition: p.TableKey, Setting: "partitionStrategy", Message: err.Error()}
	}
	return nil
}

// ChannelName returns the destination channel of a partition: prefix with
// trailing dots removed, a dot, then tableKey.
func ChannelName(prefix, tableKey string) string {
	return strings.TrimRight(prefix, ".") + "." + tableKey
}

// SplitList splits a comma-separated list, trimming entries and dropping
// blank ones. It returns nil when s has no entries.
func SplitList(s string) []string {
	var out []string
	for _, v := range strings.Split(s, ",") {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
