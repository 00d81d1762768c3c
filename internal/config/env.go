package config

import "os"

// applyEnv overlays credentials from the environment onto the parsed file.
// Secrets stay out of the config file this way; main loads a .env file
// before the first Parse.
func applyEnv(cfg *Config) {
	set := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	set(&cfg.Queue.URL, "AMQP_URL")
	set(&cfg.Email.SMTP.Username, "SMTP_USERNAME")
	set(&cfg.Email.SMTP.Password, "SMTP_PASSWORD")
	set(&cfg.Email.Relay.APIKey, "MAIL_RELAY_API_KEY")
	set(&cfg.Push.VAPIDPublicKey, "VAPID_PUBLIC_KEY")
	set(&cfg.Push.VAPIDPrivateKey, "VAPID_PRIVATE_KEY")
	set(&cfg.SMS.AccountSID, "TWILIO_ACCOUNT_SID")
	set(&cfg.SMS.AuthToken, "TWILIO_AUTH_TOKEN")
	set(&cfg.SMS.From, "TWILIO_FROM")
}
