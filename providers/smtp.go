package providers

import (
	"github.com/notifykit/notify/conf"
)

func init() {
	Register("smtp", newSMTP)
	Register("gmail", newGmail)
	Register("outlook", newOutlook)
	Register("aws_email", newAWSEmail)
}

func settingsConf(s Settings) *conf.Config {
	if s.Conf != nil {
		return s.Conf
	}
	return &conf.Config{}
}

// newSMTP wires the generic relay. Host and port can come from wrapper
// kwargs or configuration; kwargs win.
func newSMTP(s Settings) (Provider, error) {
	cfg := settingsConf(s)
	e := &SMTPProvider{EmailBase: NewEmailBase("smtp", s)}
	e.Host = s.Param("host", cfg.SMTPHost)
	e.Port = paramInt(s, "port", cfg.SMTPPort)
	e.Username = s.Param("username", cfg.SMTPUsername)
	e.Password = s.Param("password", cfg.SMTPPassword)
	e.From = s.Param("from", e.Username)
	return e, nil
}

func newGmail(s Settings) (Provider, error) {
	cfg := settingsConf(s)
	e := &SMTPProvider{EmailBase: NewEmailBase("gmail", s)}
	e.Host = "smtp.gmail.com"
	e.Port = 587
	e.Username = s.Param("username", cfg.GmailUsername)
	e.Password = s.Param("password", cfg.GmailPassword)
	e.From = e.Username
	return e, nil
}

func newOutlook(s Settings) (Provider, error) {
	cfg := settingsConf(s)
	e := &SMTPProvider{EmailBase: NewEmailBase("outlook", s)}
	e.Host = "smtp.office365.com"
	e.Port = 587
	e.Username = s.Param("username", cfg.OutlookUsername)
	e.Password = s.Param("password", cfg.OutlookPassword)
	e.From = e.Username
	return e, nil
}

// newAWSEmail wires the SES SMTP interface, which uses IAM-derived SMTP
// credentials rather than the API keys the ses provider takes.
func newAWSEmail(s Settings) (Provider, error) {
	cfg := settingsConf(s)
	e := &SMTPProvider{EmailBase: NewEmailBase("aws_email", s)}
	e.Host = s.Param("host", cfg.AWSEmailHost)
	e.Port = paramInt(s, "port", cfg.AWSEmailPort)
	e.Username = s.Param("username", cfg.AWSEmailUser)
	e.Password = s.Param("password", cfg.AWSEmailPassword)
	e.From = s.Param("from", cfg.AWSEmailAccount)
	return e, nil
}

// SMTPProvider is the concrete type behind the four SMTP-backed providers;
// all behaviour lives in EmailBase.
type SMTPProvider struct {
	EmailBase
}

func paramInt(s Settings, key string, fallback int) int {
	v, ok := s.Params[key]
	if !ok {
		return fallback
	}
	switch n := v.(type) {
	case int:
		return n
	case float64:
		// JSON numbers decode as float64.
		return int(n)
	default:
		return fallback
	}
}
