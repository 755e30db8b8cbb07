package dispatch

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/sendgrid/rest"
	sgmail "github.com/sendgrid/sendgrid-go/helpers/mail"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wolfman30/vet-followup/internal/retry"
)

type fakeSendGrid struct {
	sent   []*sgmail.SGMailV3
	status int
	err    error
}

func (f *fakeSendGrid) SendWithContext(ctx context.Context, email *sgmail.SGMailV3) (*rest.Response, error) {
	f.sent = append(f.sent, email)
	if f.err != nil {
		return nil, f.err
	}
	return &rest.Response{StatusCode: f.status, Body: "{}"}, nil
}

type fakeSES struct {
	input *sesv2.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(ctx context.Context, in *sesv2.SendEmailInput, _ ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("msg-1")}, nil
}

var followupEmail = EmailMessage{
	To:      "dana@clinic-owner.com",
	ToName:  "Dana",
	Subject: "How is Biscuit doing?",
	Body:    "We wanted to check in after Biscuit's visit.",
}

func TestSendGridSender(t *testing.T) {
	api := &fakeSendGrid{status: 202}
	s := newSendGridSender(api, EmailConfig{FromEmail: "care@oakstreet.vet"}, nil)
	require.NoError(t, s.Send(context.Background(), followupEmail))

	require.Len(t, api.sent, 1)
	msg := api.sent[0]
	assert.Equal(t, "How is Biscuit doing?", msg.Subject)
	assert.Equal(t, defaultFromName, msg.From.Name)
	require.Len(t, msg.Personalizations, 1)
	assert.Equal(t, "dana@clinic-owner.com", msg.Personalizations[0].To[0].Address)
}

func TestSendGridSenderStatusErrorIsClassified(t *testing.T) {
	s := newSendGridSender(&fakeSendGrid{status: 429}, EmailConfig{FromEmail: "care@oakstreet.vet"}, nil)
	err := s.Send(context.Background(), followupEmail)
	require.Error(t, err)
	assert.Equal(t, retry.Retryable, retry.Classify(err))

	s = newSendGridSender(&fakeSendGrid{status: 400}, EmailConfig{FromEmail: "care@oakstreet.vet"}, nil)
	assert.Equal(t, retry.Fatal, retry.Classify(s.Send(context.Background(), followupEmail)))
}

func TestSESSender(t *testing.T) {
	api := &fakeSES{}
	s := NewSESSender(api, EmailConfig{FromEmail: "care@oakstreet.vet", FromName: "Oak Street Vet"}, nil)
	require.NoError(t, s.Send(context.Background(), followupEmail))

	require.NotNil(t, api.input)
	assert.Equal(t, "Oak Street Vet <care@oakstreet.vet>", aws.ToString(api.input.FromEmailAddress))
	assert.Equal(t, []string{"dana@clinic-owner.com"}, api.input.Destination.ToAddresses)
	assert.Equal(t, followupEmail.Body, aws.ToString(api.input.Content.Simple.Body.Text.Data))
	assert.Nil(t, api.input.Content.Simple.Body.Html)
}

func TestSESSenderWrapsError(t *testing.T) {
	cause := errors.New("ses unavailable")
	s := NewSESSender(&fakeSES{err: cause}, EmailConfig{}, nil)
	assert.ErrorIs(t, s.Send(context.Background(), followupEmail), cause)
}

func TestSMTPSenderBuildsMessage(t *testing.T) {
	s := NewSMTPSender(EmailConfig{SMTPHost: "smtp.oakstreet.vet", FromEmail: "care@oakstreet.vet", FromName: "Oak Street Vet"}, nil)
	assert.Equal(t, 587, s.port)

	m, err := s.message(followupEmail)
	require.NoError(t, err)
	var buf strings.Builder
	_, err = m.WriteTo(&buf)
	require.NoError(t, err)
	raw := buf.String()
	assert.Contains(t, raw, "Subject: How is Biscuit doing?")
	assert.Contains(t, raw, "<care@oakstreet.vet>")
	assert.Contains(t, raw, "<dana@clinic-owner.com>")
}

func TestSMTPSenderRejectsBadAddress(t *testing.T) {
	s := NewSMTPSender(EmailConfig{SMTPHost: "smtp.oakstreet.vet", FromEmail: "care@oakstreet.vet"}, nil)
	_, err := s.message(EmailMessage{To: "not an address"})
	assert.Error(t, err)
}

func TestNewEmailSenderFallsBackToStub(t *testing.T) {
	tests := []struct {
		name string
		cfg  EmailConfig
	}{
		{"sendgrid without key", EmailConfig{Provider: "sendgrid"}},
		{"ses without client", EmailConfig{Provider: "ses"}},
		{"smtp without host", EmailConfig{Provider: "smtp"}},
		{"unknown", EmailConfig{Provider: "pigeon"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.IsType(t, &StubEmailSender{}, NewEmailSender(tt.cfg, nil, nil))
		})
	}
	assert.IsType(t, &SendGridSender{}, NewEmailSender(EmailConfig{Provider: "SendGrid", SendGridAPIKey: "SG.x"}, nil, nil))
	assert.IsType(t, &SMTPSender{}, NewEmailSender(EmailConfig{Provider: "smtp", SMTPHost: "smtp.x"}, nil, nil))
}
