package providers

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	sestypes "github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/notifykit/notify/models"
)

func init() {
	Register("ses", func(s Settings) (Provider, error) {
		cfg := settingsConf(s)
		return &SES{
			Base:      NewBase("ses", TypeEmail, BlockingAsync, s),
			region:    s.Param("region", cfg.AWSRegion),
			accessKey: s.Param("access_key_id", cfg.AWSAccessKeyID),
			secretKey: s.Param("secret_access_key", cfg.AWSSecretAccessKey),
			sender:    s.Param("sender", cfg.AWSSenderEmail),
		}, nil
	})
}

// SES delivers through the SES v2 API. Unlike aws_email, which speaks the
// SES SMTP interface, this provider authenticates with IAM keys.
type SES struct {
	Base

	region    string
	accessKey string
	secretKey string
	sender    string

	client *sesv2.Client
}

// Connect resolves credentials and builds the API client. Idempotent.
func (p *SES) Connect(ctx context.Context) error {
	if p.client != nil {
		return nil
	}
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(p.region),
	}
	if p.accessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(p.accessKey, p.secretKey, ""),
		))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return AuthError(p.Name(), err)
	}
	p.client = sesv2.NewFromConfig(cfg)
	return nil
}

func (p *SES) Close() error {
	p.client = nil
	return nil
}

func (p *SES) Send(ctx context.Context, recipients []models.Recipient, message, subject string, kwargs map[string]any) ([]Result, error) {
	return p.Fanout(ctx, p, recipients, message, subject, kwargs)
}

func (p *SES) SendOne(ctx context.Context, to models.Recipient, message, subject string, kwargs map[string]any) (any, error) {
	if p.client == nil {
		return nil, RuntimeError(p.Name(), errors.New("not connected"))
	}
	actor, ok := to.(*models.Actor)
	if !ok {
		return nil, MessageError(p.Name(), fmt.Errorf("ses requires an actor recipient, got %T", to))
	}
	address := actor.AccountFor(p.Name()).Address.First()
	if address == "" {
		return nil, MessageError(p.Name(), fmt.Errorf("recipient %s has no address", actor.Name))
	}
	body, err := p.Render(ctx, to, message, subject, kwargs)
	if err != nil {
		return nil, err
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(p.sender),
		Destination: &sestypes.Destination{
			ToAddresses: []string{address},
		},
		Content: &sestypes.EmailContent{
			Simple: &sestypes.Message{
				Subject: &sestypes.Content{Data: aws.String(subject)},
				Body: &sestypes.Body{
					Text: &sestypes.Content{Data: aws.String(message)},
					Html: &sestypes.Content{Data: aws.String(body)},
				},
			},
		},
	}
	out, err := p.client.SendEmail(ctx, input)
	if err != nil {
		return nil, RuntimeError(p.Name(), err)
	}
	return aws.ToString(out.MessageId), nil
}
