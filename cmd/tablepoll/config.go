package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"
	"time"

	"cloud.google.com/go/spanner/apiv1/spannerpb"
	"github.com/joho/godotenv"
	"github.com/toga4/tablepoll"
	"gopkg.in/yaml.v3"
)

// fileConfig is the YAML configuration of the tablepoll command.
type fileConfig struct {
	Client        clientConfig           `yaml:"client"`
	Poll          pollConfig             `yaml:"poll"`
	ChannelPrefix string                 `yaml:"channelPrefix"`
	Tables        map[string]tableConfig `yaml:"tables"`
	Storage       storageConfig          `yaml:"storage"`
	Sink          sinkConfig             `yaml:"sink"`
	Metrics       metricsConfig          `yaml:"metrics"`
}

type clientConfig struct {
	BaseURI      string `yaml:"baseURI"`
	TableAPIPath string `yaml:"tableAPIPath"`
	OAuthPath    string `yaml:"oauthPath"`
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`

	ConnectTimeoutSeconds *int `yaml:"connectTimeoutSeconds"`
	ReadTimeoutSeconds    *int `yaml:"readTimeoutSeconds"`
	CallTimeoutSeconds    *int `yaml:"callTimeoutSeconds"`
	MaxIdleConnections    *int `yaml:"maxIdleConnections"`
	KeepAliveSeconds      *int `yaml:"keepAliveSeconds"`
	MaxRetries            *int `yaml:"maxRetries"`
	RetryBackoffSeconds   *int `yaml:"retryBackoffSeconds"`
}

type pollConfig struct {
	FastPollIntervalMs    *int `yaml:"fastPollIntervalMs"`
	SlowPollIntervalMs    *int `yaml:"slowPollIntervalMs"`
	BatchSize             *int `yaml:"batchSize"`
	InitialLookbackHours  *int `yaml:"initialLookbackHours"`
	TimestampDelaySeconds *int `yaml:"timestampDelaySeconds"`
}

type tableConfig struct {
	Name              string  `yaml:"name"`
	TimestampField    string  `yaml:"timestampField"`
	IdentifierField   string  `yaml:"identifierField"`
	Fields            *string `yaml:"fields"`
	PartitionStrategy string  `yaml:"partitionStrategy"`
	PartitionFields   string  `yaml:"partitionFields"`
}

const (
	storageMemory  = "memory"
	storageSQLite  = "sqlite"
	storageSpanner = "spanner"

	sinkStdout = "stdout"
	sinkKafka  = "kafka"
)

type storageConfig struct {
	Type     string `yaml:"type"`
	Path     string `yaml:"path"`
	Database string `yaml:"database"`
	Table    string `yaml:"table"`
	Priority string `yaml:"priority"`
}

type sinkConfig struct {
	Type    string   `yaml:"type"`
	Brokers []string `yaml:"brokers"`
}

type metricsConfig struct {
	Address string `yaml:"address"`
}

// Environment variables overriding the client settings.
const (
	envBaseURI      = "TABLEPOLL_BASE_URI"
	envClientID     = "TABLEPOLL_CLIENT_ID"
	envClientSecret = "TABLEPOLL_CLIENT_SECRET"
	envUsername     = "TABLEPOLL_USERNAME"
	envPassword     = "TABLEPOLL_PASSWORD"
)

const defaultOffsetsTable = "TableOffsets"

// loadConfig reads the YAML file at path, applies environment overrides and
// validates the result. A .env file in the working directory is loaded first
// when present.
func loadConfig(path string) (*fileConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return parseConfig(b)
}

func parseConfig(b []byte) (*fileConfig, error) {
	var c fileConfig
	if err := yaml.Unmarshal(b, &c); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	c.applyEnv()
	c.applyDefaults()
	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *fileConfig) applyEnv() {
	overrides := []struct {
		env   string
		value *string
	}{
		{envBaseURI, &c.Client.BaseURI},
		{envClientID, &c.Client.ClientID},
		{envClientSecret, &c.Client.ClientSecret},
		{envUsername, &c.Client.Username},
		{envPassword, &c.Client.Password},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.env); ok && v != "" {
			*o.value = v
		}
	}
}

func (c *fileConfig) applyDefaults() {
	if c.Storage.Type == "" {
		c.Storage.Type = storageMemory
	}
	if c.Storage.Table == "" {
		c.Storage.Table = defaultOffsetsTable
	}
	if c.Sink.Type == "" {
		c.Sink.Type = sinkStdout
	}
}

func (c *fileConfig) validate() error {
	if _, err := c.clientConfig(); err != nil {
		return err
	}
	if _, err := c.partitions(); err != nil {
		return err
	}
	if _, err := c.options(); err != nil {
		return err
	}

	switch c.Storage.Type {
	case storageMemory:
	case storageSQLite:
		if c.Storage.Path == "" {
			return &tablepoll.ConfigurationError{Setting: "storage.path", Message: "is required for sqlite storage"}
		}
	case storageSpanner:
		if c.Storage.Database == "" {
			return &tablepoll.ConfigurationError{Setting: "storage.database", Message: "is required for spanner storage"}
		}
		if _, err := parsePriority(c.Storage.Priority); err != nil {
			return &tablepoll.ConfigurationError{Setting: "storage.priority", Message: err.Error()}
		}
	default:
		return &tablepoll.ConfigurationError{Setting: "storage.type", Message: fmt.Sprintf("unsupported storage %q", c.Storage.Type)}
	}

	switch c.Sink.Type {
	case sinkStdout:
	case sinkKafka:
		if len(c.Sink.Brokers) == 0 {
			return &tablepoll.ConfigurationError{Setting: "sink.brokers", Message: "is required for kafka sink"}
		}
	default:
		return &tablepoll.ConfigurationError{Setting: "sink.type", Message: fmt.Sprintf("unsupported sink %q", c.Sink.Type)}
	}
	return nil
}

func seconds(v *int, d time.Duration) time.Duration {
	if v == nil {
		return d
	}
	return time.Duration(*v) * time.Second
}

func (c *fileConfig) clientConfig() (tablepoll.ClientConfig, error) {
	cc := tablepoll.DefaultClientConfig()
	cc.BaseURI = c.Client.BaseURI
	if c.Client.TableAPIPath != "" {
		cc.TableAPIPath = c.Client.TableAPIPath
	}
	if c.Client.OAuthPath != "" {
		cc.OAuthPath = c.Client.OAuthPath
	}
	cc.Credentials = tablepoll.Credentials{
		ClientID:     c.Client.ClientID,
		ClientSecret: c.Client.ClientSecret,
		Username:     c.Client.Username,
		Password:     c.Client.Password,
	}
	cc.ConnectTimeout = seconds(c.Client.ConnectTimeoutSeconds, cc.ConnectTimeout)
	cc.ReadTimeout = seconds(c.Client.ReadTimeoutSeconds, cc.ReadTimeout)
	cc.CallTimeout = seconds(c.Client.CallTimeoutSeconds, cc.CallTimeout)
	cc.KeepAlive = seconds(c.Client.KeepAliveSeconds, cc.KeepAlive)
	cc.RetryBackoff = seconds(c.Client.RetryBackoffSeconds, cc.RetryBackoff)
	if c.Client.MaxIdleConnections != nil {
		cc.MaxIdleConnections = *c.Client.MaxIdleConnections
	}
	if c.Client.MaxRetries != nil {
		cc.MaxRetries = *c.Client.MaxRetries
	}
	if err := cc.Validate(); err != nil {
		return tablepoll.ClientConfig{}, err
	}
	return cc, nil
}

// partitions returns the configured tables ordered by table key.
func (c *fileConfig) partitions() ([]tablepoll.Partition, error) {
	if len(c.Tables) == 0 {
		return nil, &tablepoll.ConfigurationError{Setting: "tables", Message: "must configure at least one table"}
	}
	if strings.TrimSpace(c.ChannelPrefix) == "" {
		return nil, &tablepoll.ConfigurationError{Setting: "channelPrefix", Message: "must not be empty"}
	}

	keys := make([]string, 0, len(c.Tables))
	for k := range c.Tables {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	partitions := make([]tablepoll.Partition, 0, len(keys))
	for _, k := range keys {
		t := c.Tables[k]

		strategy, err := tablepoll.ParseStrategy(t.PartitionStrategy)
		if err != nil {
			return nil, &tablepoll.ConfigurationError{Partition: k, Setting: "partitionStrategy", Message: err.Error()}
		}
		assigner := tablepoll.KeyAssigner{Strategy: strategy}
		if strategy == tablepoll.StrategyFieldBased {
			assigner.Fields = tablepoll.SplitList(t.PartitionFields)
		}

		p := tablepoll.Partition{
			TableKey:        k,
			TableName:       t.Name,
			TimestampField:  t.TimestampField,
			IdentifierField: t.IdentifierField,
			Channel:         tablepoll.ChannelName(c.ChannelPrefix, k),
			Assigner:        assigner,
		}
		if t.Fields != nil {
			p.Fields = tablepoll.SplitList(*t.Fields)
			if p.Fields == nil {
				return nil, &tablepoll.ConfigurationError{Partition: k, Setting: "fields", Message: "must list at least one field when set"}
			}
		}
		if err := p.Validate(); err != nil {
			return nil, err
		}
		partitions = append(partitions, p)
	}
	return partitions, nil
}

func (c *fileConfig) options() ([]tablepoll.Option, error) {
	var options []tablepoll.Option
	if v := c.Poll.FastPollIntervalMs; v != nil {
		if *v < 0 {
			return nil, &tablepoll.ConfigurationError{Setting: "poll.fastPollIntervalMs", Message: "must not be negative"}
		}
		options = append(options, tablepoll.WithFastPollInterval(time.Duration(*v)*time.Millisecond))
	}
	if v := c.Poll.SlowPollIntervalMs; v != nil {
		if *v < 0 {
			return nil, &tablepoll.ConfigurationError{Setting: "poll.slowPollIntervalMs", Message: "must not be negative"}
		}
		options = append(options, tablepoll.WithSlowPollInterval(time.Duration(*v)*time.Millisecond))
	}
	if v := c.Poll.BatchSize; v != nil {
		if *v <= 0 {
			return nil, &tablepoll.ConfigurationError{Setting: "poll.batchSize", Message: "must be positive"}
		}
		options = append(options, tablepoll.WithBatchSize(*v))
	}
	if v := c.Poll.InitialLookbackHours; v != nil {
		lookback := time.Duration(-1)
		if *v >= 0 {
			lookback = time.Duration(*v) * time.Hour
		}
		options = append(options, tablepoll.WithInitialLookback(lookback))
	}
	if v := c.Poll.TimestampDelaySeconds; v != nil {
		if *v < 0 {
			return nil, &tablepoll.ConfigurationError{Setting: "poll.timestampDelaySeconds", Message: "must not be negative"}
		}
		options = append(options, tablepoll.WithTimestampDelay(time.Duration(*v)*time.Second))
	}
	return options, nil
}

const (
	priorityHigh   = "high"
	priorityMedium = "medium"
	priorityLow    = "low"
)

func parsePriority(s string) (spannerpb.RequestOptions_Priority, error) {
	switch s {
	case "":
		return spannerpb.RequestOptions_PRIORITY_UNSPECIFIED, nil
	case priorityHigh:
		return spannerpb.RequestOptions_PRIORITY_HIGH, nil
	case priorityMedium:
		return spannerpb.RequestOptions_PRIORITY_MEDIUM, nil
	case priorityLow:
		return spannerpb.RequestOptions_PRIORITY_LOW, nil
	default:
		return 0, fmt.Errorf("invalid priority: %v", s)
	}
}
