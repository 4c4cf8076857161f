package notify

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
)

// SNSPublisher is the subset of *sns.Client used here.
type SNSPublisher interface {
	Publish(ctx context.Context, in *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNS sends SMS through AWS SNS.
type SNS struct {
	client   SNSPublisher
	senderID string
}

func NewSNS(client SNSPublisher, senderID string) *SNS {
	return &SNS{client: client, senderID: senderID}
}

// NewSNSFromRegion loads the default AWS credential chain.
func NewSNSFromRegion(ctx context.Context, region, senderID string) (*SNS, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, err
	}
	return NewSNS(sns.NewFromConfig(awsCfg), senderID), nil
}

func (s *SNS) Send(ctx context.Context, ch Channel, recipient string, msg Message) error {
	if ch != ChannelSMS {
		return fmt.Errorf("%w: sns handles sms only", ErrUnsupportedChannel)
	}
	if recipient == "" {
		return ErrInvalidRecipient
	}

	attrs := map[string]types.MessageAttributeValue{
		"AWS.SNS.SMS.SMSType": {
			DataType:    aws.String("String"),
			StringValue: aws.String("Transactional"),
		},
	}
	if s.senderID != "" {
		attrs["AWS.SNS.SMS.SenderID"] = types.MessageAttributeValue{
			DataType:    aws.String("String"),
			StringValue: aws.String(s.senderID),
		}
	}

	_, err := s.client.Publish(ctx, &sns.PublishInput{
		PhoneNumber:       aws.String(recipient),
		Message:           aws.String(msg.Body),
		MessageAttributes: attrs,
	})
	return err
}
