package observability

import (
	"context"
	"fmt"
	"sync"
	"time"

	awsv2 "github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
)

// PutMetricData accepts at most this many datums per call.
const maxDatumsPerPut = 1000

// CloudWatch metric names.
const (
	MetricEvents        = "Events"
	MetricEventDuration = "EventDuration"
)

// CloudWatchClient is the subset of the CloudWatch API used by
// CloudWatchPublisher.
type CloudWatchClient interface {
	PutMetricData(ctx context.Context, params *cloudwatch.PutMetricDataInput, optFns ...func(*cloudwatch.Options)) (*cloudwatch.PutMetricDataOutput, error)
}

// CloudWatchPublisher buffers event metrics and pushes them to CloudWatch on
// Flush. It suits the Lambda runtime, where nothing scrapes /metrics.
type CloudWatchPublisher struct {
	client    CloudWatchClient
	namespace string
	dims      []cwtypes.Dimension
	now       func() time.Time

	mu      sync.Mutex
	pending []cwtypes.MetricDatum
}

// NewCloudWatchPublisher returns a publisher writing to namespace. dims are
// added to every datum.
func NewCloudWatchPublisher(client CloudWatchClient, namespace string, dims map[string]string) *CloudWatchPublisher {
	p := &CloudWatchPublisher{client: client, namespace: namespace, now: time.Now}
	for k, v := range dims {
		p.dims = append(p.dims, cwtypes.Dimension{Name: awsv2.String(k), Value: awsv2.String(v)})
	}
	return p
}

// NewCloudWatchPublisherFromConfig builds the client from an SDK config.
func NewCloudWatchPublisherFromConfig(cfg awsv2.Config, namespace string, dims map[string]string) *CloudWatchPublisher {
	return NewCloudWatchPublisher(cloudwatch.NewFromConfig(cfg), namespace, dims)
}

func (p *CloudWatchPublisher) dimensions(extra ...string) []cwtypes.Dimension {
	out := make([]cwtypes.Dimension, 0, len(p.dims)+len(extra)/2)
	out = append(out, p.dims...)
	for i := 0; i+1 < len(extra); i += 2 {
		out = append(out, cwtypes.Dimension{Name: awsv2.String(extra[i]), Value: awsv2.String(extra[i+1])})
	}
	return out
}

// RecordEvent buffers a count and a duration datum for one event.
func (p *CloudWatchPublisher) RecordEvent(handler, requestType string, err error, duration time.Duration) {
	ts := p.now()
	count := cwtypes.MetricDatum{
		MetricName: awsv2.String(MetricEvents),
		Dimensions: p.dimensions("Handler", handler, "RequestType", requestType, "Outcome", outcome(err)),
		Timestamp:  awsv2.Time(ts),
		Unit:       cwtypes.StandardUnitCount,
		Value:      awsv2.Float64(1),
	}
	latency := cwtypes.MetricDatum{
		MetricName: awsv2.String(MetricEventDuration),
		Dimensions: p.dimensions("Handler", handler, "RequestType", requestType),
		Timestamp:  awsv2.Time(ts),
		Unit:       cwtypes.StandardUnitMilliseconds,
		Value:      awsv2.Float64(float64(duration) / float64(time.Millisecond)),
	}

	p.mu.Lock()
	p.pending = append(p.pending, count, latency)
	p.mu.Unlock()
}

// Pending returns the number of buffered datums.
func (p *CloudWatchPublisher) Pending() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Flush sends every buffered datum. Datums of a failed call are put back
// for the next flush.
func (p *CloudWatchPublisher) Flush(ctx context.Context) error {
	p.mu.Lock()
	batch := p.pending
	p.pending = nil
	p.mu.Unlock()

	for len(batch) > 0 {
		n := min(len(batch), maxDatumsPerPut)
		_, err := p.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
			Namespace:  awsv2.String(p.namespace),
			MetricData: batch[:n],
		})
		if err != nil {
			p.mu.Lock()
			p.pending = append(batch, p.pending...)
			p.mu.Unlock()
			return fmt.Errorf("cloudwatch: put %d datums to %s: %w", n, p.namespace, err)
		}
		batch = batch[n:]
	}
	return nil
}
