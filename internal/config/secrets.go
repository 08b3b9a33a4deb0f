package config

import "maps"

const redacted = "***"

// secrets lists every credential-bearing field of c.
func (c *Config) secrets() []*string {
	s := []*string{
		&c.Postgres.DSN,
		&c.Postgres.Password,
		&c.Redis.Password,
		&c.S3.AccessKey,
		&c.S3.SecretKey,
		&c.Notify.TelegramToken,
		&c.Notify.DiscordWebhookURL,
		&c.Server.APIKey,
	}
	for _, v := range []*VenueConfig{&c.Venues.A, &c.Venues.B} {
		s = append(s, &v.APIKey, &v.APISecret, &v.SecretPassword)
	}
	return s
}

// Redacted returns a deep enough copy of c for printing: set secrets read
// "***", slices and maps are cloned.
func (c *Config) Redacted() Config {
	out := *c
	for _, f := range out.secrets() {
		if *f != "" {
			*f = redacted
		}
	}
	out.Symbols = append([]string(nil), c.Symbols...)
	out.Notify.Events = append([]string(nil), c.Notify.Events...)
	out.Overrides = maps.Clone(c.Overrides)
	return out
}
