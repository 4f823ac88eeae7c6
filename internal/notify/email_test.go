package notify

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nightdesk/nightdesk/pkg/logging"
)

func TestNewSendGridSenderRequiresAPIKey(t *testing.T) {
	sender := NewSendGridSender(SendGridConfig{}, logging.New("error"))
	assert.Nil(t, sender)

	sender = NewSendGridSender(SendGridConfig{APIKey: "SG.test", FromEmail: "desk@example.com"}, logging.New("error"))
	require.NotNil(t, sender)
	assert.Equal(t, "NightDesk Scheduling", sender.fromName)
}

func TestNewSESSenderRequiresClient(t *testing.T) {
	assert.Nil(t, NewSESSender(nil, SESConfig{}, logging.New("error")))
}

func TestStubEmailSenderAlwaysSucceeds(t *testing.T) {
	sender := NewStubEmailSender(logging.New("error"))
	err := sender.Send(context.Background(), EmailMessage{To: "staff@example.com", Subject: "test"})
	require.NoError(t, err)
}
