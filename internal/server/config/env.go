package config

import (
	"errors"
	"io/fs"

	"github.com/caarlos0/env/v11"
	"github.com/dmitrijs2005/schedkeeper/internal/flagx"
	"github.com/joho/godotenv"
)

// parseEnv overlays SCHEDKEEPER_* environment variables onto config. When
// -env names a dotenv file its entries are loaded first; variables already
// present in the process environment win over the file.
func parseEnv(config *Config) {
	if path := flagx.EnvFileFlag(); path != "" {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			panic(err)
		}
	}

	if err := env.ParseWithOptions(config, env.Options{Prefix: EnvPrefix}); err != nil {
		panic(err)
	}
}
