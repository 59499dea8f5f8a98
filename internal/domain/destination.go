package domain

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-playground/validator/v10"
)

// ErrDestinationNotFound is returned when no stored configuration exists for a destination.
var ErrDestinationNotFound = errors.New("destination not found")

var validate = validator.New()

// MQConfig is the message-queue routing of one destination.
type MQConfig struct {
	Topic         string `mapstructure:"topic" json:"topic" validate:"required_without=DynamicTopic,max=249"`
	Partition     int32  `mapstructure:"partition" json:"partition,omitempty" validate:"gte=0"`
	PartitionsNum int32  `mapstructure:"partitions_num" json:"partitions_num,omitempty" validate:"gte=0"`
	PartitionHash string `mapstructure:"partition_hash" json:"partition_hash,omitempty"`
	DynamicTopic  string `mapstructure:"dynamic_topic" json:"dynamic_topic,omitempty"`
	// RateLimit is the ingress ceiling of the topic in bytes/sec, kept as the
	// integer string operators write in their instance config.
	RateLimit  string `mapstructure:"rate_limit" json:"rate_limit,omitempty" validate:"omitempty,numeric"`
	MetricsURL string `mapstructure:"metrics_url" json:"metrics_url,omitempty" validate:"omitempty,url"`
}

// RateCeiling returns the configured ceiling in bytes/sec, or 0 when throttling is off.
func (c MQConfig) RateCeiling() (int64, error) {
	if strings.TrimSpace(c.RateLimit) == "" {
		return 0, nil
	}
	ceiling, err := strconv.ParseInt(strings.TrimSpace(c.RateLimit), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid rate limit %q: %w", c.RateLimit, err)
	}
	if ceiling < 0 {
		return 0, fmt.Errorf("invalid rate limit %q: must not be negative", c.RateLimit)
	}
	return ceiling, nil
}

// Destination is one logical data source and the routing of its change stream.
type Destination struct {
	Name string   `json:"name" validate:"required,max=128,excludesall=/ 0x2C"`
	MQ   MQConfig `json:"mq"`
}

// Validate checks the destination definition.
func (d *Destination) Validate() error {
	d.Name = strings.TrimSpace(d.Name)
	if err := validate.Struct(d); err != nil {
		return fmt.Errorf("invalid destination %q: %w", d.Name, err)
	}
	if d.MQ.PartitionHash != "" && d.MQ.PartitionsNum < 1 {
		return fmt.Errorf("invalid destination %q: partition_hash requires partitions_num", d.Name)
	}
	return nil
}

// ParseDestinationList splits a comma separated destination list, trimming
// whitespace and skipping empty and repeated entries.
func ParseDestinationList(list string) []string {
	parts := strings.Split(list, ",")
	names := make([]string, 0, len(parts))
	seen := make(map[string]bool, len(parts))
	for _, p := range parts {
		if name := strings.TrimSpace(p); name != "" && !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// DestinationEventType is the kind of change observed on a stored destination.
type DestinationEventType string

const (
	DestinationPut    DestinationEventType = "put"
	DestinationDelete DestinationEventType = "delete"
)

// DestinationEvent is emitted by DestinationRepository.Watch.
type DestinationEvent struct {
	Type        DestinationEventType
	Name        string
	Destination *Destination // nil for deletes
}

// DestinationRepository persists destination definitions for dynamic reconfiguration.
type DestinationRepository interface {
	Save(ctx context.Context, dest *Destination) error
	Delete(ctx context.Context, name string) error
	Get(ctx context.Context, name string) (*Destination, error)
	List(ctx context.Context) ([]*Destination, error)
	// Watch streams changes until ctx is done. The channel is closed on exit.
	Watch(ctx context.Context) <-chan DestinationEvent
}
