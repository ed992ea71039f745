package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:           "info",
			MaxConcurrentUsers: 8,
		},
		Backend: BackendConfig{
			APIKey:              "${OPENAI_API_KEY}",
			PersonaPath:         "~/.chatbridge/persona.yaml",
			Mode:                "stream",
			RunTimeoutSeconds:   60,
			PollIntervalSeconds: 5,
		},
		Channels: ChannelsConfig{
			Telegram: TelegramConfig{
				Enabled:            false,
				PollTimeoutSeconds: 10,
			},
			VK: VKConfig{
				Enabled:    false,
				Addr:       ":8080",
				Path:       "/webhook",
				APIVersion: "5.131",
			},
		},
		Notify: NotifyConfig{
			Enabled: false,
		},
		Transcript: TranscriptConfig{
			Enabled: false,
			DBPath:  "~/.chatbridge/transcript.db",
		},
	}
}
