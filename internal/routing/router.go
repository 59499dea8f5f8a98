// Package routing resolves the topic and partition of change entries from the
// dynamic-topic and partition-hash rules of a destination.
//
// Dynamic topic rules are comma separated. A rule is either "topic:regex",
// which sends every table whose "schema.table" name matches regex to topic, or
// a bare regex. A bare regex containing a dot is matched against "schema.table"
// and routes to "schema_table"; otherwise it is matched against the schema and
// routes to the schema name.
//
// Partition hash rules are comma separated "regex:col1^col2" pairs. The column
// list may be "$pk$" for the entry's primary keys; a rule without columns
// hashes on the table name.
package routing

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"cdc-dispatch/internal/domain"

	"github.com/cespare/xxhash/v2"
)

const pkToken = "$pk$"

type topicRule struct {
	topic    string
	pattern  *regexp.Regexp
	bySchema bool
}

type hashRule struct {
	pattern *regexp.Regexp
	columns []string // nil hashes by table, pkToken hashes by primary keys
}

// Router routes entries for one MQ configuration.
type Router struct {
	cfg        domain.MQConfig
	topicRules []topicRule
	hashRules  []hashRule
}

// NewRouter compiles the rules of cfg.
func NewRouter(cfg domain.MQConfig) (*Router, error) {
	r := &Router{cfg: cfg}
	for _, raw := range splitRules(cfg.DynamicTopic) {
		rule, err := parseTopicRule(raw)
		if err != nil {
			return nil, err
		}
		r.topicRules = append(r.topicRules, rule)
	}
	for _, raw := range splitRules(cfg.PartitionHash) {
		rule, err := parseHashRule(raw)
		if err != nil {
			return nil, err
		}
		r.hashRules = append(r.hashRules, rule)
	}
	return r, nil
}

// Topic returns the topic entry is written to.
func (r *Router) Topic(e domain.Entry) string {
	for _, rule := range r.topicRules {
		if rule.bySchema {
			if rule.pattern.MatchString(e.Schema) {
				return e.Schema
			}
			continue
		}
		if rule.pattern.MatchString(e.FullName()) {
			if rule.topic != "" {
				return rule.topic
			}
			return e.Schema + "_" + e.Table
		}
	}
	return r.cfg.Topic
}

// Partition returns the partition entry is written to.
func (r *Router) Partition(e domain.Entry) int32 {
	if r.cfg.PartitionsNum <= 1 || len(r.hashRules) == 0 {
		return r.cfg.Partition
	}
	for _, rule := range r.hashRules {
		if !rule.pattern.MatchString(e.FullName()) {
			continue
		}
		return int32(rule.hash(e) % uint64(r.cfg.PartitionsNum))
	}
	return r.cfg.Partition
}

// hash sums the table name or the rule's column values, '|' separated.
func (rule hashRule) hash(e domain.Entry) uint64 {
	if rule.columns == nil {
		return xxhash.Sum64String(e.Table)
	}
	cols := rule.columns
	if len(cols) == 1 && cols[0] == pkToken {
		cols = e.PrimaryKeys
	}
	h := xxhash.New()
	for i, col := range cols {
		if i > 0 {
			_, _ = h.Write([]byte{'|'})
		}
		_, _ = h.WriteString(e.Columns[col])
	}
	return h.Sum64()
}

// DefaultTopic is the topic of whole-batch and raw records.
func (r *Router) DefaultTopic() string {
	return r.cfg.Topic
}

// DefaultPartition is the partition of whole-batch and raw records.
func (r *Router) DefaultPartition() int32 {
	return r.cfg.Partition
}

func splitRules(s string) []string {
	var rules []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			rules = append(rules, part)
		}
	}
	return rules
}

func parseTopicRule(raw string) (topicRule, error) {
	topic, expr, hasTopic := strings.Cut(raw, ":")
	if !hasTopic {
		expr, topic = raw, ""
	}
	pattern, err := compile(expr)
	if err != nil {
		return topicRule{}, fmt.Errorf("dynamic topic rule %q: %w", raw, err)
	}
	return topicRule{
		topic:    strings.TrimSpace(topic),
		pattern:  pattern,
		bySchema: !hasTopic && !strings.Contains(expr, "."),
	}, nil
}

func parseHashRule(raw string) (hashRule, error) {
	expr, cols, hasCols := strings.Cut(raw, ":")
	pattern, err := compile(expr)
	if err != nil {
		return hashRule{}, fmt.Errorf("partition hash rule %q: %w", raw, err)
	}
	rule := hashRule{pattern: pattern}
	if hasCols {
		for _, c := range strings.Split(cols, "^") {
			if c = strings.TrimSpace(c); c != "" {
				rule.columns = append(rule.columns, c)
			}
		}
	}
	return rule, nil
}

var compiled sync.Map // expr -> *regexp.Regexp

func compile(expr string) (*regexp.Regexp, error) {
	expr = strings.TrimSpace(expr)
	if v, ok := compiled.Load(expr); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := regexp.Compile("^(?:" + expr + ")$")
	if err != nil {
		return nil, err
	}
	actual, _ := compiled.LoadOrStore(expr, re)
	return actual.(*regexp.Regexp), nil
}

// PartitionKey is the record key for entries, stable per primary key.
func PartitionKey(e domain.Entry) []byte {
	if len(e.PrimaryKeys) == 0 {
		return nil
	}
	var b strings.Builder
	b.WriteString(e.FullName())
	for _, pk := range e.PrimaryKeys {
		b.WriteByte('|')
		b.WriteString(e.Columns[pk])
	}
	return []byte(b.String())
}
