package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel: "info",
		},
		Registry: RegistryConfig{
			DBPath: "~/.botfleet/registry.db",
		},
		Reasoning: ReasoningConfig{
			BaseURL:        "http://localhost:8000",
			TimeoutSeconds: 30,
			MaxRetries:     3,
		},
		Supervisor: SupervisorConfig{
			MaxRetries:            5,
			BackoffBaseMS:         1000,
			BackoffCapMS:          60000,
			HealthIntervalSeconds: 30,
			ConnectTimeoutSeconds: 30,
			StopTimeoutSeconds:    10,
		},
		Router: RouterConfig{
			QueueSize:       256,
			ChatQueueSize:   32,
			DedupeSize:      512,
			ChatIdleSeconds: 300,
		},
		Dispatch: DispatchConfig{
			SendTimeoutSeconds: 15,
			RetryWaitSeconds:   2,
			// Discord allows ~5 messages per 5s per channel.
			Discord: RateConfig{PerSecond: 1, Burst: 5},
			// Telegram allows ~30 messages per second per bot.
			Telegram: RateConfig{PerSecond: 25, Burst: 30},
		},
		DeadLetter: DeadLetterConfig{
			Topic:  "botfleet.deadletter",
			DBPath: "~/.botfleet/deadletter.db",
		},
		API: APIConfig{
			Host:             "127.0.0.1",
			Port:             8090,
			WebhookPerSecond: 20,
			WebhookBurst:     40,
		},
	}
}
