// Package conf loads service configuration from the environment, with an
// optional YAML overlay for provider credentials (NOTIFY_CONFIG).
package conf

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Defaults mirrored by the environment variables of the same name.
const (
	DefaultChannel   = "NotifyChannel"
	DefaultStream    = "NotifyWorkerStream"
	DefaultGroup     = "NotifyWorkerGroup"
	DefaultPort      = 8991
	DefaultQueueSize = 8
)

// Config holds everything the worker, client and providers read at startup.
type Config struct {
	// Broker
	RedisURL     string `yaml:"redis_url"`
	Channel      string `yaml:"channel"`
	WorkerStream string `yaml:"worker_stream"`
	WorkerGroup  string `yaml:"worker_group"`

	// TCP ingress
	DefaultHost string `yaml:"default_host"`
	DefaultPort int    `yaml:"default_port"`

	// Queue
	QueueSize     int    `yaml:"queue_size"`
	QueueCallback string `yaml:"queue_callback"`

	// Templates
	TemplateDir string `yaml:"template_dir"`

	// Metrics exporter address; empty disables the exporter.
	MetricsAddr string `yaml:"metrics_addr"`

	// Provider credentials
	SMTPHost     string `yaml:"smtp_host"`
	SMTPPort     int    `yaml:"smtp_port"`
	SMTPUsername string `yaml:"smtp_username"`
	SMTPPassword string `yaml:"smtp_password"`

	GmailUsername string `yaml:"gmail_username"`
	GmailPassword string `yaml:"gmail_password"`

	OutlookUsername string `yaml:"outlook_username"`
	OutlookPassword string `yaml:"outlook_password"`

	AWSEmailHost     string `yaml:"aws_email_host"`
	AWSEmailPort     int    `yaml:"aws_email_port"`
	AWSEmailUser     string `yaml:"aws_email_user"`
	AWSEmailPassword string `yaml:"aws_email_password"`
	AWSEmailAccount  string `yaml:"aws_email_account"`

	AWSAccessKeyID     string `yaml:"aws_access_key_id"`
	AWSSecretAccessKey string `yaml:"aws_secret_access_key"`
	AWSRegion          string `yaml:"aws_region"`
	AWSSenderEmail     string `yaml:"aws_sender_email"`

	SendGridKey  string `yaml:"sendgrid_key"`
	SendGridUser string `yaml:"sendgrid_user"`

	O365TenantID     string `yaml:"o365_tenant_id"`
	O365ClientID     string `yaml:"o365_client_id"`
	O365ClientSecret string `yaml:"o365_client_secret"`
	O365User         string `yaml:"o365_user"`

	TeamsTenantID       string `yaml:"teams_tenant_id"`
	TeamsClientID       string `yaml:"teams_client_id"`
	TeamsClientSecret   string `yaml:"teams_client_secret"`
	TeamsDefaultTeamID  string `yaml:"teams_default_team_id"`
	TeamsDefaultChannel string `yaml:"teams_default_channel_id"`
	TeamsDefaultWebhook string `yaml:"teams_default_webhook"`

	SlackBotToken       string `yaml:"slack_bot_token"`
	SlackDefaultChannel string `yaml:"slack_default_channel"`

	TelegramBotToken string `yaml:"telegram_bot_token"`
	TelegramChatID   string `yaml:"telegram_chat_id"`

	TwilioAccountSID string `yaml:"twilio_account_sid"`
	TwilioAuthToken  string `yaml:"twilio_auth_token"`
	TwilioPhone      string `yaml:"twilio_phone"`

	DialpadAPIKey string `yaml:"dialpad_api_key"`
	DialpadFrom   string `yaml:"dialpad_from"`

	OneSignalAppID    string `yaml:"onesignal_app_id"`
	OneSignalAPIKey   string `yaml:"onesignal_api_key"`
	OneSignalPlayerID string `yaml:"onesignal_player_id"`

	JabberJID      string `yaml:"jabber_jid"`
	JabberPassword string `yaml:"jabber_password"`
	JabberWSURL    string `yaml:"jabber_ws_url"`
}

// Load builds the configuration from the environment. When NOTIFY_CONFIG
// points at a YAML file, its values take precedence over the environment.
func Load() (*Config, error) {
	cfg := &Config{
		RedisURL:     getenv("NOTIFY_REDIS", redisURLFromParts()),
		Channel:      getenv("NOTIFY_CHANNEL", DefaultChannel),
		WorkerStream: getenv("NOTIFY_WORKER_STREAM", DefaultStream),
		WorkerGroup:  getenv("NOTIFY_WORKER_GROUP", DefaultGroup),
		DefaultHost:  os.Getenv("NOTIFY_DEFAULT_HOST"),
		DefaultPort:  getint("NOTIFY_DEFAULT_PORT", DefaultPort),

		QueueSize:     getint("NOTIFY_QUEUE_SIZE", DefaultQueueSize),
		QueueCallback: os.Getenv("NOTIFY_QUEUE_CALLBACK"),

		TemplateDir: getenv("TEMPLATE_DIR", "templates"),
		MetricsAddr: os.Getenv("NOTIFY_METRICS_ADDR"),

		SMTPHost:     os.Getenv("SMTP_HOST"),
		SMTPPort:     getint("SMTP_PORT", 587),
		SMTPUsername: os.Getenv("SMTP_USERNAME"),
		SMTPPassword: os.Getenv("SMTP_PASSWORD"),

		GmailUsername: os.Getenv("GMAIL_USERNAME"),
		GmailPassword: os.Getenv("GMAIL_PASSWORD"),

		OutlookUsername: os.Getenv("OUTLOOK_USERNAME"),
		OutlookPassword: os.Getenv("OUTLOOK_PASSWORD"),

		AWSEmailHost:     getenv("AWS_EMAIL_HOST", "email-smtp.us-east-1.amazonaws.com"),
		AWSEmailPort:     getint("AWS_EMAIL_PORT", 587),
		AWSEmailUser:     os.Getenv("AWS_EMAIL_USER"),
		AWSEmailPassword: os.Getenv("AWS_EMAIL_PASSWORD"),
		AWSEmailAccount:  os.Getenv("AWS_EMAIL_ACCOUNT"),

		AWSAccessKeyID:     os.Getenv("AWS_ACCESS_KEY_ID"),
		AWSSecretAccessKey: os.Getenv("AWS_SECRET_ACCESS_KEY"),
		AWSRegion:          getenv("AWS_REGION_NAME", "us-east-1"),
		AWSSenderEmail:     os.Getenv("AWS_SENDER_EMAIL"),

		SendGridKey:  os.Getenv("SENDGRID_KEY"),
		SendGridUser: os.Getenv("SENDGRID_USER"),

		O365TenantID:     os.Getenv("O365_TENANT_ID"),
		O365ClientID:     os.Getenv("O365_CLIENT_ID"),
		O365ClientSecret: os.Getenv("O365_CLIENT_SECRET"),
		O365User:         os.Getenv("O365_USER"),

		TeamsTenantID:       os.Getenv("MS_TEAMS_TENANT_ID"),
		TeamsClientID:       os.Getenv("MS_TEAMS_CLIENT_ID"),
		TeamsClientSecret:   os.Getenv("MS_TEAMS_CLIENT_SECRET"),
		TeamsDefaultTeamID:  os.Getenv("MS_TEAMS_DEFAULT_TEAMS_ID"),
		TeamsDefaultChannel: os.Getenv("MS_TEAMS_DEFAULT_CHANNEL_ID"),
		TeamsDefaultWebhook: os.Getenv("MS_TEAMS_DEFAULT_WEBHOOK"),

		SlackBotToken:       os.Getenv("SLACK_BOT_TOKEN"),
		SlackDefaultChannel: os.Getenv("SLACK_DEFAULT_CHANNEL"),

		TelegramBotToken: os.Getenv("TELEGRAM_BOT_TOKEN"),
		TelegramChatID:   os.Getenv("TELEGRAM_CHAT_ID"),

		TwilioAccountSID: os.Getenv("TWILIO_ACCOUNT_SID"),
		TwilioAuthToken:  os.Getenv("TWILIO_AUTH_TOKEN"),
		TwilioPhone:      os.Getenv("TWILIO_PHONE"),

		DialpadAPIKey: os.Getenv("DIALPAD_API_KEY"),
		DialpadFrom:   os.Getenv("DIALPAD_FROM"),

		OneSignalAppID:    os.Getenv("ONESIGNAL_OS_APP_ID"),
		OneSignalAPIKey:   os.Getenv("ONESIGNAL_OS_API_KEY"),
		OneSignalPlayerID: os.Getenv("ONESIGNAL_PLAYER_ID"),

		JabberJID:      os.Getenv("JABBER_JID"),
		JabberPassword: os.Getenv("JABBER_PASSWORD"),
		JabberWSURL:    os.Getenv("JABBER_WS_URL"),
	}

	if path := os.Getenv("NOTIFY_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("conf: reading %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("conf: parsing %s: %w", path, err)
		}
	}
	return cfg, nil
}

func redisURLFromParts() string {
	host := getenv("REDIS_HOST", "localhost")
	port := getenv("REDIS_PORT", "6379")
	db := getint("NOTIFY_DB", 4)
	return fmt.Sprintf("redis://%s:%s/%d", host, port, db)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getint(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}
