package pinpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint"
	"github.com/aws/aws-sdk-go-v2/service/pinpoint/types"
	"github.com/tasneemlabeeb/du-alumni-89-connect-sub000/pkg/models"
)

const (
	providerID  = "pinpoint"
	channelName = "E-mail"
	charset     = "UTF-8"
	maxBodyLen  = 100 * 1024
)

// sender is the subset of the Pinpoint client that is used.
type sender interface {
	SendMessages(ctx context.Context, in *pinpoint.SendMessagesInput, optFns ...func(*pinpoint.Options)) (*pinpoint.SendMessagesOutput, error)
}

// Pinpoint delivers codes over the AWS Pinpoint e-mail channel.
type Pinpoint struct {
	cfg Config
	p   sender
}

// Config represents the Pinpoint application and credentials.
type Config struct {
	ApplicationID string        `json:"application_id"`
	AccessKey     string        `json:"access_key"`
	SecretKey     string        `json:"secret_key"`
	Region        string        `json:"region"`
	FromEmail     string        `json:"from_email"`
	Timeout       time.Duration `json:"timeout"`
}

// New returns a Pinpoint e-mail provider.
func New(cfg Config) (*Pinpoint, error) {
	if cfg.ApplicationID == "" {
		return nil, errors.New("invalid application_id")
	}
	if cfg.Region == "" {
		return nil, errors.New("invalid region")
	}
	if cfg.AccessKey == "" {
		return nil, errors.New("invalid access_key")
	}
	if cfg.SecretKey == "" {
		return nil, errors.New("invalid secret_key")
	}
	if cfg.FromEmail == "" {
		return nil, errors.New("invalid from_email")
	}
	if cfg.Timeout.Seconds() < 1 {
		cfg.Timeout = time.Second * 5
	}

	awsCfg, err := config.LoadDefaultConfig(context.Background(),
		config.WithRegion(cfg.Region),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, "")),
	)
	if err != nil {
		return nil, err
	}

	return &Pinpoint{cfg: cfg, p: pinpoint.NewFromConfig(awsCfg)}, nil
}

// ID returns the Provider's ID.
func (p *Pinpoint) ID() string {
	return providerID
}

// ChannelName returns the Provider's name.
func (p *Pinpoint) ChannelName() string {
	return channelName
}

// Push sends the code e-mail. A message that Pinpoint accepted but didn't
// deliver to the address is an error.
func (p *Pinpoint) Push(msg models.Message, subject string, body []byte) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()

	out, err := p.p.SendMessages(ctx, &pinpoint.SendMessagesInput{
		ApplicationId: aws.String(p.cfg.ApplicationID),
		MessageRequest: &types.MessageRequest{
			Addresses: map[string]types.AddressConfiguration{
				msg.To: {ChannelType: types.ChannelTypeEmail},
			},
			MessageConfiguration: &types.DirectMessageConfiguration{
				EmailMessage: &types.EmailMessage{
					FromAddress: aws.String(p.cfg.FromEmail),
					SimpleEmail: &types.SimpleEmail{
						Subject:  &types.SimpleEmailPart{Charset: aws.String(charset), Data: aws.String(subject)},
						HtmlPart: &types.SimpleEmailPart{Charset: aws.String(charset), Data: aws.String(string(body))},
					},
				},
			},
		},
	})
	if err != nil {
		return err
	}

	if out.MessageResponse == nil {
		return nil
	}
	if r, ok := out.MessageResponse.Result[msg.To]; ok && r.DeliveryStatus != types.DeliveryStatusSuccessful {
		return fmt.Errorf("pinpoint delivery %s: %s", r.DeliveryStatus, aws.ToString(r.StatusMessage))
	}
	return nil
}

// MaxBodyLen returns the max permitted body size.
func (p *Pinpoint) MaxBodyLen() int {
	return maxBodyLen
}
