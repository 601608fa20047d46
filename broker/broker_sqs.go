package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// SQS API limits.
const (
	maxWaitTimeSeconds   = 20
	maxVisibilitySeconds = 43200
	minRetentionSeconds  = 60
	maxRetentionSeconds  = 1209600
)

type sqsAPI interface {
	CreateQueue(ctx context.Context, params *sqs.CreateQueueInput, optFns ...func(*sqs.Options)) (*sqs.CreateQueueOutput, error)
	DeleteQueue(ctx context.Context, params *sqs.DeleteQueueInput, optFns ...func(*sqs.Options)) (*sqs.DeleteQueueOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// SQS implements Broker on top of Amazon SQS (or LocalStack).
type SQS struct {
	client sqsAPI
}

var _ Broker = (*SQS)(nil)

// NewSQS wraps an SQS client. It panics on a nil client, like the other
// constructors that take required infrastructure.
func NewSQS(client sqsAPI) *SQS {
	if client == nil {
		panic("sqs client is required")
	}
	return &SQS{client: client}
}

func (s *SQS) CreateQueue(ctx context.Context, name string, attrs QueueAttributes) (string, error) {
	if name == "" {
		return "", errors.New("queue name is required")
	}

	m, err := queueAttributeMap(attrs)
	if err != nil {
		return "", err
	}

	out, err := s.client.CreateQueue(ctx, &sqs.CreateQueueInput{
		QueueName:  aws.String(name),
		Attributes: m,
	})
	if err != nil {
		return "", fmt.Errorf("create sqs queue name=%q: %w", name, err)
	}
	url := aws.ToString(out.QueueUrl)
	if url == "" {
		return "", fmt.Errorf("create sqs queue name=%q: empty queue url", name)
	}
	return url, nil
}

func queueAttributeMap(attrs QueueAttributes) (map[string]string, error) {
	m := make(map[string]string, 3)

	if attrs.LeaseDuration > 0 {
		m[string(sqstypes.QueueAttributeNameVisibilityTimeout)] = strconv.Itoa(clampSeconds(attrs.LeaseDuration, 0, maxVisibilitySeconds))
	}
	if attrs.Retention > 0 {
		m[string(sqstypes.QueueAttributeNameMessageRetentionPeriod)] = strconv.Itoa(clampSeconds(attrs.Retention, minRetentionSeconds, maxRetentionSeconds))
	}
	if rp := attrs.Redrive; rp != nil && rp.TargetARN != "" && rp.MaxReceiveCount > 0 {
		b, err := json.Marshal(struct {
			DeadLetterTargetArn string `json:"deadLetterTargetArn"`
			MaxReceiveCount     string `json:"maxReceiveCount"`
		}{rp.TargetARN, strconv.Itoa(rp.MaxReceiveCount)})
		if err != nil {
			return nil, fmt.Errorf("encode redrive policy: %w", err)
		}
		m[string(sqstypes.QueueAttributeNameRedrivePolicy)] = string(b)
	}
	return m, nil
}

// Receive requests a single message. wait is clamped to the SQS long-poll
// limit of 20 seconds.
func (s *SQS) Receive(ctx context.Context, address string, wait time.Duration) (*Message, error) {
	waitSec := int32(clampSeconds(wait, 0, maxWaitTimeSeconds))

	reqCtx, cancel := context.WithTimeout(ctx, time.Duration(waitSec+5)*time.Second)
	defer cancel()

	out, err := s.client.ReceiveMessage(reqCtx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(address),
		MaxNumberOfMessages:         1,
		WaitTimeSeconds:             waitSec,
		MessageAttributeNames:       []string{"All"},
		MessageSystemAttributeNames: []sqstypes.MessageSystemAttributeName{sqstypes.MessageSystemAttributeNameApproximateReceiveCount},
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(out.Messages) == 0 {
		return nil, nil
	}

	m := &out.Messages[0]
	msg := &Message{
		ID:         aws.ToString(m.MessageId),
		LeaseToken: aws.ToString(m.ReceiptHandle),
		Body:       []byte(aws.ToString(m.Body)),
	}
	if v, ok := m.Attributes[string(sqstypes.MessageSystemAttributeNameApproximateReceiveCount)]; ok {
		msg.ReceiveCount, _ = strconv.Atoi(v)
	}
	if msg.ID == "" {
		msg.ID = strconv.FormatInt(time.Now().UnixNano(), 10)
	}
	return msg, nil
}

func (s *SQS) ExtendLease(ctx context.Context, address, leaseToken string, d time.Duration) error {
	_, err := s.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(address),
		ReceiptHandle:     aws.String(leaseToken),
		VisibilityTimeout: int32(clampSeconds(d, 0, maxVisibilitySeconds)),
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

func (s *SQS) Delete(ctx context.Context, address, leaseToken string) error {
	_, err := s.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(address),
		ReceiptHandle: aws.String(leaseToken),
	})
	if err != nil {
		return classify(err)
	}
	return nil
}

func (s *SQS) DeleteQueue(ctx context.Context, address string) error {
	_, err := s.client.DeleteQueue(ctx, &sqs.DeleteQueueInput{QueueUrl: aws.String(address)})
	if err != nil {
		return classify(err)
	}
	return nil
}

// classify maps SQS error shapes onto the package sentinels, keeping the
// original error in the chain.
func classify(err error) error {
	var notFound *sqstypes.QueueDoesNotExist
	if errors.As(err, &notFound) {
		return fmt.Errorf("%w: %w", ErrQueueNotFound, err)
	}
	var invalidHandle *sqstypes.ReceiptHandleIsInvalid
	if errors.As(err, &invalidHandle) {
		return fmt.Errorf("%w: %w", ErrLeaseExpired, err)
	}
	var notInflight *sqstypes.MessageNotInflight
	if errors.As(err, &notInflight) {
		return fmt.Errorf("%w: %w", ErrLeaseExpired, err)
	}
	return err
}

func clampSeconds(d time.Duration, lo, hi int) int {
	sec := int(d / time.Second)
	if sec < lo {
		return lo
	}
	if sec > hi {
		return hi
	}
	return sec
}
