package outbound

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/hearthmail/gateway/internal/email"
	"github.com/hearthmail/gateway/internal/pkg/logger"
)

// sesAPI is the slice of the SES v2 client the sender uses.
type sesAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// SESSender delivers messages through AWS SES using the SDK v2.
type SESSender struct {
	client sesAPI
	region string
}

// NewSESSender creates an SES sender. Static credentials override the
// default chain when provided.
func NewSESSender(accessKey, secretKey, region string) (*SESSender, error) {
	if region == "" {
		region = "us-east-1"
	}
	opts := []func(*awsconfig.LoadOptions) error{awsconfig.WithRegion(region)}
	if accessKey != "" && secretKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(accessKey, secretKey, "")))
	}
	cfg, err := awsconfig.LoadDefaultConfig(context.Background(), opts...)
	if err != nil {
		return nil, fmt.Errorf("SES config: %w", err)
	}
	return &SESSender{client: sesv2.NewFromConfig(cfg), region: region}, nil
}

// Send delivers one message through SES. The gateway message id rides
// along as a message tag so provider events can be correlated without
// the gateway keeping any content.
func (s *SESSender) Send(ctx context.Context, msg *email.OutboundMessage) Outcome {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(msg.From),
		Destination:      &types.Destination{ToAddresses: []string{msg.To}},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
				Body: &types.Body{
					Text: &types.Content{Data: aws.String(msg.TextBody), Charset: aws.String("UTF-8")},
				},
				Headers: sesHeaders(msg.Headers),
			},
		},
		EmailTags: []types.MessageTag{
			{Name: aws.String("gateway_message_id"), Value: aws.String(msg.MessageID)},
		},
	}
	if msg.HTMLBody != "" {
		input.Content.Simple.Body.Html = &types.Content{Data: aws.String(msg.HTMLBody), Charset: aws.String("UTF-8")}
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		status, reason := classifySESError(err)
		log.Printf("[SES] Send to %s failed (%s): %v", logger.RedactEmail(msg.To), status, err)
		return Outcome{Status: status, Reason: reason}
	}

	providerID := ""
	if result.MessageId != nil {
		providerID = *result.MessageId
	}
	log.Printf("[SES] Sent to %s (id: %s)", logger.RedactEmail(msg.To), providerID)
	return Outcome{Status: Delivered, ProviderID: providerID}
}

func sesHeaders(headers map[string]string) []types.MessageHeader {
	if len(headers) == 0 {
		return nil
	}
	out := make([]types.MessageHeader, 0, len(headers))
	for k, v := range headers {
		out = append(out, types.MessageHeader{Name: aws.String(k), Value: aws.String(v)})
	}
	return out
}

// classifySESError maps SES API failures to retry classes. Throttling
// and server-side errors are transient; rejected input is permanent.
// Unrecognized errors (network, timeout) default to transient.
func classifySESError(err error) (Status, string) {
	var tooMany *types.TooManyRequestsException
	if errors.As(err, &tooMany) {
		return Transient, "ses throttled"
	}
	var internal *types.InternalServiceErrorException
	if errors.As(err, &internal) {
		return Transient, "ses internal error"
	}
	var rejected *types.MessageRejected
	if errors.As(err, &rejected) {
		return Permanent, "ses rejected message"
	}
	var badReq *types.BadRequestException
	if errors.As(err, &badReq) {
		return Permanent, "ses bad request"
	}
	var suspended *types.AccountSuspendedException
	if errors.As(err, &suspended) {
		return Permanent, "ses account suspended"
	}
	var paused *types.SendingPausedException
	if errors.As(err, &paused) {
		return Permanent, "ses sending paused"
	}
	var notFound *types.NotFoundException
	if errors.As(err, &notFound) {
		return Permanent, "ses resource not found"
	}
	return Transient, err.Error()
}
