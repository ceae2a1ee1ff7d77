package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lalithlochan/dunning/internal/circuitbreaker"
	"github.com/lalithlochan/dunning/internal/config"
	"github.com/lalithlochan/dunning/internal/db"
)

func TestBuildConnectors(t *testing.T) {
	tests := []struct {
		name      string
		cfg       config.Config
		wantNames map[db.Channel]string
		protected map[db.Channel]bool
	}{
		{
			name: "log everywhere",
			cfg: config.Config{
				EmailProvider: config.ProviderLog,
				ChatProvider:  config.ProviderLog,
				VoiceProvider: config.ProviderLog,
			},
			wantNames: map[db.Channel]string{db.ChannelEmail: "log", db.ChannelChat: "log", db.ChannelVoice: "log"},
			protected: map[db.Channel]bool{},
		},
		{
			name: "smtp and http providers",
			cfg: config.Config{
				EmailProvider:    config.ProviderSMTP,
				SMTPHost:         "localhost",
				SMTPPort:         2525,
				ChatProvider:     config.ProviderHTTP,
				ChatAPIURL:       "http://chat.local",
				VoiceProvider:    config.ProviderHTTP,
				VoiceAPIURL:      "http://voice.local",
				ConnectorTimeout: time.Second,
			},
			wantNames: map[db.Channel]string{db.ChannelEmail: "smtp", db.ChannelChat: "chat-http", db.ChannelVoice: "voice-http"},
			protected: map[db.Channel]bool{db.ChannelEmail: true, db.ChannelChat: true, db.ChannelVoice: true},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry, err := BuildConnectors(context.Background(), &tt.cfg, zap.NewNop())
			require.NoError(t, err)

			for ch, name := range tt.wantNames {
				c, err := registry.Get(ch)
				require.NoError(t, err, ch)
				assert.Equal(t, name, c.Name())
				_, isProtected := c.(*circuitbreaker.ProtectedConnector)
				assert.Equal(t, tt.protected[ch], isProtected, ch)
			}
		})
	}
}
