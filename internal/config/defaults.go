package config

import "path/filepath"

func Defaults() *Config {
	dataDir := DefaultConfigDir()
	return &Config{
		General: GeneralConfig{
			DataDir:  dataDir,
			LogLevel: "info",
		},
		Backend: BackendConfig{
			Mode:   "local",
			Addr:   "http://127.0.0.1:8790",
			DBPath: filepath.Join(dataDir, "backend.db"),
			Listen: "127.0.0.1:8790",
		},
		Notify: NotifyConfig{
			Telegram: TelegramConfig{
				Enabled:     false,
				PollSeconds: 30,
			},
		},
		Metrics: MetricsConfig{
			Enabled: true,
		},
	}
}
