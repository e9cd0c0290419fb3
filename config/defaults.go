package config

import (
	"github.com/spf13/viper"
)

func initDefaults() {
	viper.SetDefault("server.addr", ":3000")
	viper.SetDefault("admin.password", "supersecret")
	viper.SetDefault("redis.address", "")
	viper.SetDefault("spotify.client.id", "")
	viper.SetDefault("spotify.client.secret", "")
	viper.SetDefault("lyrics.hosts", "https://lrclib.net")
}
