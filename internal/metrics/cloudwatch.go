package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"priceindex/logger"
)

type cloudWatchState struct {
	client        *cloudwatch.Client
	namespace     string
	dashboardName string
	region        string
}

var cwState atomic.Pointer[cloudWatchState]

var (
	// cloudWatchPublishInterval bounds how often one metric (component+name)
	// is sent; the index is computed per request and would otherwise flood
	// PutMetricData.
	cloudWatchPublishInterval = time.Minute
	timeNow                   = time.Now
	publishMetricsFunc        = publishMetrics

	lastPublishMu sync.Mutex
	lastPublish   = make(map[string]time.Time)

	emitEnabled atomic.Bool
)

func init() {
	cwState.Store(&cloudWatchState{
		namespace:     "PriceIndex",
		dashboardName: "PriceIndex",
	})
	emitEnabled.Store(true)
}

// Configure toggles metric event emission and sets the CloudWatch publish
// interval. A non-positive interval keeps the current one.
func Configure(enabled bool, interval time.Duration) {
	emitEnabled.Store(enabled)
	if interval > 0 {
		cloudWatchPublishInterval = interval
	}
}

// InitCloudWatch initialises the CloudWatch client using the provided region and namespace
// and creates a dashboard showing the index and per-exchange mid prices. When the client cannot
// be created the function logs a warning and leaves publishing disabled.
func InitCloudWatch(ctx context.Context, region, namespace string, exchanges []string) {
	log := logger.GetLogger().WithComponent("cloudwatch")

	if region == "" {
		region = os.Getenv("AWS_REGION")
	}

	opts := []func(*config.LoadOptions) error{}
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		log.WithError(err).Warn("failed to load AWS configuration; CloudWatch metrics disabled")
		return
	}

	state := *cwState.Load()
	state.client = cloudwatch.NewFromConfig(cfg)
	if namespace != "" {
		state.namespace = namespace
		state.dashboardName = namespace
	}
	state.region = cfg.Region
	if state.region == "" {
		state.region = region
	}
	cwState.Store(&state)

	log.WithFields(logger.Fields{
		"region":    state.region,
		"namespace": state.namespace,
	}).Info("initialized CloudWatch client")

	if err := createDashboard(ctx, &state, exchanges); err != nil {
		log.WithError(err).Warn("failed to create CloudWatch dashboard")
	}
}

// EmitMetric logs the metric locally, hands it to registered handlers and
// publishes it to CloudWatch when configured.
func EmitMetric(log *logger.Log, component string, metric string, value interface{}, metricType string, fields logger.Fields) {
	if !emitEnabled.Load() {
		return
	}
	event, ok := recordMetric(log, component, metric, value, metricType, fields)
	if !ok {
		return
	}

	numericValue, ok := toFloat64(event.Value)
	if !ok {
		logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{"metric": event.Name}).Debug("non-numeric metric value; skipping publish")
		return
	}

	publishMetricDatum(event, numericValue)
}

func dashboardBody(namespace, region string, exchanges []string) (string, error) {
	midMetrics := make([][]string, 0, len(exchanges))
	for _, ex := range exchanges {
		midMetrics = append(midMetrics, []string{namespace, "mid_price", "component", "connector", "exchange", ex})
	}
	body := map[string]interface{}{
		"widgets": []map[string]interface{}{
			{
				"type": "metric", "width": 12, "height": 6,
				"properties": map[string]interface{}{
					"metrics": [][]string{{namespace, "global_price_index", "component", "aggregator"}},
					"period":  60, "stat": "Average", "region": region,
					"title": "Global price index",
				},
			},
			{
				"type": "metric", "width": 12, "height": 6,
				"properties": map[string]interface{}{
					"metrics": midMetrics,
					"period":  60, "stat": "Average", "region": region,
					"title": "Exchange mid prices",
				},
			},
		},
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal dashboard: %w", err)
	}
	return string(raw), nil
}

func createDashboard(ctx context.Context, state *cloudWatchState, exchanges []string) error {
	if state == nil || state.client == nil {
		return nil
	}
	body, err := dashboardBody(state.namespace, state.region, exchanges)
	if err != nil {
		return err
	}
	_, err = state.client.PutDashboard(ctx, &cloudwatch.PutDashboardInput{
		DashboardName: aws.String(state.dashboardName),
		DashboardBody: aws.String(body),
	})
	return err
}

func publishMetricDatum(metric Metric, value float64) {
	state := cwState.Load()
	if state == nil || state.client == nil {
		return
	}

	key := metric.Component + "/" + metric.Name
	for _, k := range []string{"exchange", "sink"} {
		if s, ok := metric.Fields[k].(string); ok {
			key += "/" + s
		}
	}
	now := timeNow()
	lastPublishMu.Lock()
	if last, ok := lastPublish[key]; ok && now.Sub(last) < cloudWatchPublishInterval {
		lastPublishMu.Unlock()
		return
	}
	lastPublish[key] = now
	lastPublishMu.Unlock()

	unit := cwtypes.StandardUnitNone
	if rawUnit, ok := metric.Fields["unit"].(string); ok {
		if parsedUnit, found := metricUnitFromString(rawUnit); found {
			unit = parsedUnit
		}
	}

	dims := []cwtypes.Dimension{{Name: aws.String("component"), Value: aws.String(metric.Component)}}
	for k, v := range metric.Fields {
		if k == "unit" {
			continue
		}
		if s, ok := v.(string); ok && s != "" {
			dims = append(dims, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(s)})
		}
	}

	ts := metric.Timestamp
	data := []cwtypes.MetricDatum{{
		MetricName: aws.String(metric.Name),
		Dimensions: dims,
		Unit:       unit,
		Value:      aws.Float64(value),
		Timestamp:  &ts,
	}}
	publishMetricsFunc(context.Background(), state, data)
}

func resetMetricPublishTimes() {
	lastPublishMu.Lock()
	lastPublish = make(map[string]time.Time)
	lastPublishMu.Unlock()
}

func publishMetrics(ctx context.Context, state *cloudWatchState, data []cwtypes.MetricDatum) {
	if state == nil || state.client == nil || len(data) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := state.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace:  aws.String(state.namespace),
		MetricData: data,
	}); err != nil {
		logger.GetLogger().WithComponent("cloudwatch").WithError(err).Warn("failed to publish CloudWatch metrics")
		return
	}

	names := make([]string, 0, len(data))
	for _, datum := range data {
		if datum.MetricName != nil {
			names = append(names, *datum.MetricName)
		}
	}

	logger.GetLogger().WithComponent("cloudwatch").WithField("metrics", strings.Join(names, ",")).Debug("published metrics to CloudWatch")
}

func toFloat64(value interface{}) (float64, bool) {
	switch v := value.(type) {
	case int:
		return float64(v), true
	case int32:
		return float64(v), true
	case int64:
		return float64(v), true
	case float32:
		return float64(v), true
	case float64:
		return v, true
	default:
		return 0, false
	}
}

func metricUnitFromString(unit string) (cwtypes.StandardUnit, bool) {
	switch strings.ToLower(unit) {
	case "count":
		return cwtypes.StandardUnitCount, true
	case "percent":
		return cwtypes.StandardUnitPercent, true
	case "none":
		return cwtypes.StandardUnitNone, true
	default:
		return cwtypes.StandardUnitNone, false
	}
}
