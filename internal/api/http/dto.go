package http

import (
	"cdc-dispatch/internal/domain"
)

// MQConfigRequest is the DTO for the routing of a destination.
type MQConfigRequest struct {
	Topic         string `json:"topic" validate:"required_without=DynamicTopic,max=249"`
	Partition     int32  `json:"partition" validate:"gte=0"`
	PartitionsNum int32  `json:"partitions_num" validate:"gte=0,required_with=PartitionHash"`
	PartitionHash string `json:"partition_hash" validate:"omitempty,hash_rules"`
	DynamicTopic  string `json:"dynamic_topic" validate:"omitempty,topic_rules"`
	RateLimit     string `json:"rate_limit" validate:"omitempty,numeric"`
	MetricsURL    string `json:"metrics_url" validate:"omitempty,url"`
}

// SaveDestinationRequest is the Data Transfer Object for creating/updating a destination.
// The name may be omitted when it is given in the path.
type SaveDestinationRequest struct {
	Name string          `json:"name" validate:"omitempty,max=128,excludesall=/ 0x2C"`
	MQ   MQConfigRequest `json:"mq" validate:"required"`
}

// ToDomainDestination converts a SaveDestinationRequest DTO to a domain.Destination object.
func (r *SaveDestinationRequest) ToDomainDestination() *domain.Destination {
	return &domain.Destination{
		Name: r.Name,
		MQ: domain.MQConfig{
			Topic:         r.MQ.Topic,
			Partition:     r.MQ.Partition,
			PartitionsNum: r.MQ.PartitionsNum,
			PartitionHash: r.MQ.PartitionHash,
			DynamicTopic:  r.MQ.DynamicTopic,
			RateLimit:     r.MQ.RateLimit,
			MetricsURL:    r.MQ.MetricsURL,
		},
	}
}

// DestinationResponse is a destination with its worker state on this node.
type DestinationResponse struct {
	*domain.Destination
	Running bool `json:"running"`
}
