package config

import (
	"github.com/spf13/viper"
)

type Config struct {
	Port             string `mapstructure:"PORT"`
	DataFile         string `mapstructure:"DATA_FILE"`
	ClientSendBuffer int    `mapstructure:"CLIENT_SEND_BUFFER"`
	RateLimit        string `mapstructure:"RATE_LIMIT"`
}

// LoadConfig reads an optional app.env from path and lets plain
// environment variables override it. Every key has a default, so running
// with no config at all just works.
func LoadConfig(path string) (config Config, err error) {
	viper.AddConfigPath(path)
	viper.SetConfigName("app")
	viper.SetConfigType("env")

	viper.SetDefault("PORT", "3001")
	viper.SetDefault("DATA_FILE", "data.json")
	viper.SetDefault("CLIENT_SEND_BUFFER", 256)
	viper.SetDefault("RATE_LIMIT", "600-M")

	viper.AutomaticEnv()

	if err = viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return
		}
		err = nil
	}

	err = viper.Unmarshal(&config)
	return
}
