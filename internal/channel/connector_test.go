package channel

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/gomail.v2"

	"github.com/lalithlochan/dunning/internal/db"
)

func strPtr(s string) *string { return &s }

func testCreds() *StaticCredentials {
	return &StaticCredentials{
		Default: Credentials{
			EmailFrom:       "billing@example.com",
			ChatToken:       "chat-token",
			ChatSenderID:    "sender-1",
			VoiceToken:      "voice-token",
			VoiceFromNumber: "+5491100000000",
		},
	}
}

func testMessage(dest string) OutboundMessage {
	return OutboundMessage{
		TenantID:    uuid.New(),
		JobID:       uuid.New(),
		Destination: dest,
		Subject:     "Invoice 2",
		Text:        "Your invoice is overdue",
	}
}

func TestRegistry(t *testing.T) {
	logger := zap.NewNop()
	reg := NewRegistry(logger,
		NewLogConnector(db.ChannelEmail, logger),
		NewLogConnector(db.ChannelChat, logger),
	)

	c, err := reg.Get(db.ChannelEmail)
	require.NoError(t, err)
	assert.Equal(t, db.ChannelEmail, c.Channel())

	_, err = reg.Get(db.ChannelVoice)
	var ce *Error
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, KindConfigMissing, ce.Kind)

	reg.Register(NewLogConnector(db.ChannelVoice, logger))
	assert.Len(t, reg.Channels(), 3)
}

func TestDestination(t *testing.T) {
	customer := &db.Customer{Email: strPtr("ana@example.com"), Phone: strPtr("+54 9 11 2345-6789")}

	dest, err := Destination(db.ChannelEmail, customer)
	require.NoError(t, err)
	assert.Equal(t, "ana@example.com", dest)

	dest, err = Destination(db.ChannelVoice, customer)
	require.NoError(t, err)
	assert.Equal(t, "+5491123456789", E164(dest))

	_, err = Destination(db.ChannelChat, &db.Customer{})
	assert.Equal(t, KindInvalidRecipient, Classify(err).Kind)

	_, err = Destination(db.ChannelEmail, &db.Customer{Email: strPtr("not-an-address")})
	assert.Equal(t, KindInvalidRecipient, Classify(err).Kind)
}

func TestStaticCredentials_TenantOverride(t *testing.T) {
	tenant := uuid.New()
	creds := testCreds()
	creds.Tenants = map[uuid.UUID]Credentials{tenant: {ChatToken: "tenant-token"}}

	got := creds.ForTenant(tenant)
	assert.Equal(t, "tenant-token", got.ChatToken)
	assert.Equal(t, "sender-1", got.ChatSenderID)
	assert.Equal(t, "chat-token", creds.ForTenant(uuid.New()).ChatToken)
}

func TestChatConnector_Send(t *testing.T) {
	var got chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sender-1/messages", r.URL.Path)
		assert.Equal(t, "Bearer chat-token", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Write([]byte(`{"messages":[{"id":"wamid.123"}]}`))
	}))
	defer srv.Close()

	c := NewChatConnector(HTTPConfig{BaseURL: srv.URL}, testCreds(), zap.NewNop())
	res, err := c.Send(context.Background(), testMessage("+54 9 11 2345-6789"))
	require.NoError(t, err)
	assert.Equal(t, "wamid.123", res.ExternalID)
	assert.Equal(t, StatusQueued, res.Status)
	assert.Equal(t, "5491123456789", got.To)
	assert.Equal(t, "Your invoice is overdue", got.Text.Body)
}

func TestChatConnector_ProviderErrors(t *testing.T) {
	tests := []struct {
		status int
		want   Kind
	}{
		{http.StatusUnauthorized, KindAuthFailed},
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusBadRequest, KindSendFailed},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			c := NewChatConnector(HTTPConfig{BaseURL: srv.URL}, testCreds(), zap.NewNop())
			_, err := c.Send(context.Background(), testMessage("5491123456789"))
			assert.Equal(t, tt.want, Classify(err).Kind)
		})
	}
}

func TestChatConnector_MissingCredentials(t *testing.T) {
	c := NewChatConnector(HTTPConfig{BaseURL: "http://unused"}, &StaticCredentials{}, zap.NewNop())
	_, err := c.Send(context.Background(), testMessage("5491123456789"))
	assert.Equal(t, KindConfigMissing, Classify(err).Kind)
}

func TestChatConnector_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewChatConnector(HTTPConfig{BaseURL: url}, testCreds(), zap.NewNop())
	_, err := c.Send(context.Background(), testMessage("5491123456789"))
	assert.Equal(t, KindConnectionFailed, Classify(err).Kind)
}

func TestVoiceConnector_Send(t *testing.T) {
	var got voiceRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/calls", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id":"call-9","status":"ringing"}`))
	}))
	defer srv.Close()

	v := NewVoiceConnector(HTTPConfig{BaseURL: srv.URL}, testCreds(), zap.NewNop())
	msg := testMessage("5491123456789")
	res, err := v.Send(context.Background(), msg)
	require.NoError(t, err)
	assert.Equal(t, Result{ExternalID: "call-9", Status: "ringing"}, res)
	assert.Equal(t, "+5491123456789", got.To)
	assert.Equal(t, msg.JobID.String(), got.Reference)
}

type fakeSES struct {
	input *ses.SendEmailInput
	err   error
}

func (f *fakeSES) SendEmail(ctx context.Context, in *ses.SendEmailInput, _ ...func(*ses.Options)) (*ses.SendEmailOutput, error) {
	f.input = in
	if f.err != nil {
		return nil, f.err
	}
	return &ses.SendEmailOutput{MessageId: aws.String("ses-1")}, nil
}

func TestSESConnector(t *testing.T) {
	fake := &fakeSES{}
	c := NewSESConnectorWithClient(fake, testCreds(), zap.NewNop())

	res, err := c.Send(context.Background(), testMessage("ana@example.com"))
	require.NoError(t, err)
	assert.Equal(t, "ses-1", res.ExternalID)
	assert.Equal(t, "billing@example.com", aws.ToString(fake.input.Source))

	fake.err = &smithy.GenericAPIError{Code: "Throttling"}
	_, err = c.Send(context.Background(), testMessage("ana@example.com"))
	assert.Equal(t, KindRateLimited, Classify(err).Kind)

	noFrom := NewSESConnectorWithClient(&fakeSES{}, &StaticCredentials{}, zap.NewNop())
	_, err = noFrom.Send(context.Background(), testMessage("ana@example.com"))
	assert.Equal(t, KindConfigMissing, Classify(err).Kind)
}

type fakeSNS struct {
	input *sns.PublishInput
}

func (f *fakeSNS) Publish(ctx context.Context, in *sns.PublishInput, _ ...func(*sns.Options)) (*sns.PublishOutput, error) {
	f.input = in
	return &sns.PublishOutput{MessageId: aws.String("sns-1")}, nil
}

func TestSNSChatConnector(t *testing.T) {
	fake := &fakeSNS{}
	c := NewSNSChatConnectorWithClient(fake, zap.NewNop())

	res, err := c.Send(context.Background(), testMessage("54 11 23456789"))
	require.NoError(t, err)
	assert.Equal(t, "sns-1", res.ExternalID)
	assert.Equal(t, "+541123456789", aws.ToString(fake.input.PhoneNumber))
}

type fakeDialer struct {
	sent []*gomail.Message
	err  error
}

func (f *fakeDialer) DialAndSend(m ...*gomail.Message) error {
	f.sent = append(f.sent, m...)
	return f.err
}

func TestSMTPConnector(t *testing.T) {
	dialer := &fakeDialer{}
	c := NewSMTPConnector(SMTPConfig{Host: "smtp.example.com", Port: 587}, testCreds(), zap.NewNop())
	c.dialer = dialer

	res, err := c.Send(context.Background(), testMessage("ana@example.com"))
	require.NoError(t, err)
	require.Len(t, dialer.sent, 1)
	assert.Equal(t, []string{res.ExternalID}, dialer.sent[0].GetHeader("Message-ID"))
	assert.Contains(t, res.ExternalID, "@smtp.example.com>")

	dialer.err = errors.New("554 rejected")
	_, err = c.Send(context.Background(), testMessage("ana@example.com"))
	assert.Equal(t, KindSendFailed, Classify(err).Kind)
}

func TestLogConnector(t *testing.T) {
	c := NewLogConnector(db.ChannelVoice, zap.NewNop())
	res, err := c.Send(context.Background(), testMessage("5491123456789"))
	require.NoError(t, err)
	assert.NotEmpty(t, res.ExternalID)
	assert.Equal(t, db.ChannelVoice, c.Channel())
}
