package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/Keksclan/rawrqueue/retry"
)

// DynamoDB request limits.
const (
	dynamoMaxGetKeys   = 100
	dynamoMaxWriteReqs = 25
)

// DynamoAPI is the subset of the DynamoDB client used by [Dynamo].
type DynamoAPI interface {
	BatchGetItem(ctx context.Context, in *dynamodb.BatchGetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchGetItemOutput, error)
	BatchWriteItem(ctx context.Context, in *dynamodb.BatchWriteItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.BatchWriteItemOutput, error)
}

// DynamoOptions configures [OpenDynamo].
type DynamoOptions struct {
	Region string `yaml:"region"`
	Table  string `yaml:"table"`
	// Endpoint overrides the service endpoint (LocalStack, DynamoDB Local).
	Endpoint        string `yaml:"endpoint"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
}

// Dynamo is a [Store] backed by a DynamoDB table with a string partition key
// named "key". Values live in the binary attribute "value"; the optional
// numeric attribute "ttl" holds the expiry as epoch seconds so the table's
// TTL feature can reap it. Expired items that have not been reaped yet are
// reported as missing.
type Dynamo struct {
	api   DynamoAPI
	table string

	// resubmits bounds how often unprocessed items are sent again.
	resubmits int
	// backoff spaces resubmissions; DynamoDB hands items back when the
	// table is throttled.
	backoff retry.Config
	sleep   func(context.Context, time.Duration) error
	nowFunc func() time.Time
}

// NewDynamo wraps an existing DynamoDB client.
func NewDynamo(api DynamoAPI, table string) *Dynamo {
	return &Dynamo{
		api:       api,
		table:     table,
		resubmits: 3,
		backoff: retry.Config{
			BaseDelay: 25 * time.Millisecond,
			MaxDelay:  time.Second,
			Jitter:    0.2,
		},
		sleep:   retry.Sleep,
		nowFunc: time.Now,
	}
}

// pause waits before resubmission number attempt (1-based).
func (d *Dynamo) pause(ctx context.Context, attempt int) error {
	if attempt == 0 {
		return nil
	}
	return d.sleep(ctx, retry.Backoff(d.backoff, attempt-1))
}

// OpenDynamo loads the default AWS configuration for opts.Region and creates
// a DynamoDB-backed store. Static credentials are used when both keys are
// set; otherwise the default credential chain applies.
func OpenDynamo(ctx context.Context, opts DynamoOptions) (*Dynamo, error) {
	if opts.Region == "" || opts.Table == "" {
		return nil, errors.New("store: dynamodb region and table are required")
	}
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(opts.Region))
	if err != nil {
		return nil, fmt.Errorf("store: load aws config: %w", err)
	}
	if opts.AccessKeyID != "" && opts.SecretAccessKey != "" {
		cfg.Credentials = credentials.NewStaticCredentialsProvider(opts.AccessKeyID, opts.SecretAccessKey, "")
	}

	var clientOpts []func(*dynamodb.Options)
	if opts.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(opts.Endpoint)
		})
	}
	return NewDynamo(dynamodb.NewFromConfig(cfg, clientOpts...), opts.Table), nil
}

// MultiGet reads keys with BatchGetItem, 100 keys per request.
func (d *Dynamo) MultiGet(ctx context.Context, keys []string) (map[string][]byte, error) {
	keys = uniq(keys)
	out := make(map[string][]byte, len(keys))
	now := d.nowFunc().Unix()

	for _, part := range chunk(keys, dynamoMaxGetKeys) {
		attrKeys := make([]map[string]types.AttributeValue, len(part))
		for i, k := range part {
			attrKeys[i] = keyAttr(k)
		}
		req := map[string]types.KeysAndAttributes{
			d.table: {Keys: attrKeys, ConsistentRead: aws.Bool(true)},
		}

		for attempt := 0; len(req) > 0; attempt++ {
			if attempt > d.resubmits {
				return nil, fmt.Errorf("store: dynamodb batch get: %w", ErrUnprocessed)
			}
			if err := d.pause(ctx, attempt); err != nil {
				return nil, fmt.Errorf("store: dynamodb batch get: %w", err)
			}
			res, err := d.api.BatchGetItem(ctx, &dynamodb.BatchGetItemInput{RequestItems: req})
			if err != nil {
				return nil, fmt.Errorf("store: dynamodb batch get: %w", err)
			}
			for _, item := range res.Responses[d.table] {
				k, v, ok := decodeItem(item, now)
				if ok {
					out[k] = v
				}
			}
			req = res.UnprocessedKeys
		}
	}
	return out, nil
}

// MultiSet writes entries with BatchWriteItem, 25 puts per request.
// DynamoDB rejects a request naming the same key twice, so only the last
// entry per key is sent.
func (d *Dynamo) MultiSet(ctx context.Context, entries []Entry) error {
	last := make(map[string]int, len(entries))
	for i, e := range entries {
		last[e.Key] = i
	}
	now := d.nowFunc()
	reqs := make([]types.WriteRequest, 0, len(last))
	for i, e := range entries {
		if last[e.Key] != i {
			continue
		}
		item := map[string]types.AttributeValue{
			"key":   &types.AttributeValueMemberS{Value: e.Key},
			"value": &types.AttributeValueMemberB{Value: e.Value},
		}
		if e.TTL > 0 {
			expires := now.Add(e.TTL).Unix()
			item["ttl"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(expires, 10)}
		}
		reqs = append(reqs, types.WriteRequest{PutRequest: &types.PutRequest{Item: item}})
	}
	return d.write(ctx, reqs)
}

// MultiDelete removes keys with BatchWriteItem, 25 deletes per request.
func (d *Dynamo) MultiDelete(ctx context.Context, keys []string) error {
	keys = uniq(keys)
	reqs := make([]types.WriteRequest, len(keys))
	for i, k := range keys {
		reqs[i] = types.WriteRequest{DeleteRequest: &types.DeleteRequest{Key: keyAttr(k)}}
	}
	return d.write(ctx, reqs)
}

func (d *Dynamo) write(ctx context.Context, reqs []types.WriteRequest) error {
	for _, part := range chunk(reqs, dynamoMaxWriteReqs) {
		pending := map[string][]types.WriteRequest{d.table: part}
		for attempt := 0; len(pending[d.table]) > 0; attempt++ {
			if attempt > d.resubmits {
				return fmt.Errorf("store: dynamodb batch write: %w", ErrUnprocessed)
			}
			if err := d.pause(ctx, attempt); err != nil {
				return fmt.Errorf("store: dynamodb batch write: %w", err)
			}
			res, err := d.api.BatchWriteItem(ctx, &dynamodb.BatchWriteItemInput{RequestItems: pending})
			if err != nil {
				return fmt.Errorf("store: dynamodb batch write: %w", err)
			}
			pending = res.UnprocessedItems
		}
	}
	return nil
}

func keyAttr(k string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"key": &types.AttributeValueMemberS{Value: k}}
}

// decodeItem extracts key and value from a stored item and drops items whose
// ttl lies in the past.
func decodeItem(item map[string]types.AttributeValue, now int64) (string, []byte, bool) {
	k, ok := item["key"].(*types.AttributeValueMemberS)
	if !ok {
		return "", nil, false
	}
	v, ok := item["value"].(*types.AttributeValueMemberB)
	if !ok {
		return "", nil, false
	}
	if ttl, ok := item["ttl"].(*types.AttributeValueMemberN); ok {
		if exp, err := strconv.ParseInt(ttl.Value, 10, 64); err == nil && now >= exp {
			return "", nil, false
		}
	}
	return k.Value, v.Value, true
}
