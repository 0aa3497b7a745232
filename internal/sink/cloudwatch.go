package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"

	"github.com/coffersTech/labxstream/internal/model"
)

// PutLogEvents limits.
const (
	maxBatchEvents = 10000
	maxBatchBytes  = 1048576
	eventOverhead  = 26
)

// LogsAPI is the part of the CloudWatch Logs client the sink uses.
type LogsAPI interface {
	CreateLogStream(ctx context.Context, params *cloudwatchlogs.CreateLogStreamInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogStreamOutput, error)
	PutLogEvents(ctx context.Context, params *cloudwatchlogs.PutLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.PutLogEventsOutput, error)
}

// NewCloudWatchClient loads AWS configuration for region and the optional
// shared profile.
func NewCloudWatchClient(ctx context.Context, region, profile string) (*cloudwatchlogs.Client, error) {
	var cfgOpts []func(*config.LoadOptions) error
	if region != "" {
		cfgOpts = append(cfgOpts, config.WithRegion(region))
	}
	if profile != "" {
		cfgOpts = append(cfgOpts, config.WithSharedConfigProfile(profile))
	}
	cfg, err := config.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, fmt.Errorf("%w: aws config: %v", ErrOpenSink, err)
	}
	return cloudwatchlogs.NewFromConfig(cfg), nil
}

// CloudWatch ships entries as JSON events to one log stream. The stream
// is created on first write.
type CloudWatch struct {
	client LogsAPI
	group  string
	stream string

	mu      sync.Mutex
	created bool
}

func NewCloudWatch(client LogsAPI, group, stream string) *CloudWatch {
	return &CloudWatch{client: client, group: group, stream: stream}
}

func (c *CloudWatch) ensureStream(ctx context.Context) error {
	if c.created {
		return nil
	}
	_, err := c.client.CreateLogStream(ctx, &cloudwatchlogs.CreateLogStreamInput{
		LogGroupName:  aws.String(c.group),
		LogStreamName: aws.String(c.stream),
	})
	var exists *types.ResourceAlreadyExistsException
	if err != nil && !errors.As(err, &exists) {
		return fmt.Errorf("sink: create log stream %s/%s: %w", c.group, c.stream, err)
	}
	c.created = true
	return nil
}

// Write sends entries in chronological order, split to fit the
// PutLogEvents limits.
func (c *CloudWatch) Write(ctx context.Context, entries []model.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureStream(ctx); err != nil {
		return err
	}

	events := make([]types.InputLogEvent, 0, len(entries))
	for _, e := range entries {
		msg, err := json.Marshal(e)
		if err != nil {
			return err
		}
		events = append(events, types.InputLogEvent{
			Message:   aws.String(string(msg)),
			Timestamp: aws.Int64(e.Timestamp.UnixMilli()),
		})
	}
	sort.SliceStable(events, func(i, j int) bool { return *events[i].Timestamp < *events[j].Timestamp })

	for _, batch := range splitEvents(events) {
		_, err := c.client.PutLogEvents(ctx, &cloudwatchlogs.PutLogEventsInput{
			LogGroupName:  aws.String(c.group),
			LogStreamName: aws.String(c.stream),
			LogEvents:     batch,
		})
		if err != nil {
			return fmt.Errorf("sink: put log events: %w", err)
		}
	}
	return nil
}

func splitEvents(events []types.InputLogEvent) [][]types.InputLogEvent {
	var out [][]types.InputLogEvent
	start, size := 0, 0
	for i, ev := range events {
		n := len(*ev.Message) + eventOverhead
		if i > start && (i-start >= maxBatchEvents || size+n > maxBatchBytes) {
			out = append(out, events[start:i])
			start, size = i, 0
		}
		size += n
	}
	if start < len(events) {
		out = append(out, events[start:])
	}
	return out
}

func (c *CloudWatch) Close() error { return nil }
