// Package notify sends alerts when variable value fetches keep failing.
// Alerts go through go-pkgz/notify channels (telegram, slack, webhook) and
// fire only after a configurable streak of consecutive failures, with a
// cooldown window to avoid repeat noise for the same variable.
package notify

import (
	"context"
	"errors"
	"fmt"
	"html"
	"os"
	"strings"
	"sync"
	"time"

	ntfy "github.com/go-pkgz/notify"
)

// Params holds configuration for creating an alerting Service.
type Params struct {
	Channels         []string
	FailureThreshold int // consecutive failures before an alert fires, default 3
	WindowMinutes    int // cooldown between alerts for the same variable, default 10
	TimeoutMs        int
	TelegramToken    string
	TelegramChat     string
	SlackToken       string
	SlackChannel     string
	WebhookURLs      []string
}

// Alert describes a variable whose value fetch keeps failing.
type Alert struct {
	Dashboard string `json:"dashboard"`
	Variable  string `json:"variable"`
	Stream    string `json:"stream"`
	Field     string `json:"field"`
	Error     string `json:"error"`
	Failures  int    `json:"failures"`
}

// Service tracks fetch failures per variable and sends alerts through the
// configured channels once the failure streak crosses the threshold.
type Service struct {
	channels  []channel
	threshold int
	window    time.Duration
	timeoutMs int
	hostname  string
	log       logger

	mu        sync.Mutex
	streaks   map[string]int       // consecutive failures per dashboard/variable
	lastAlert map[string]time.Time // last alert time per dashboard/variable
	now       func() time.Time     // overridden in tests
}

// channel pairs a notifier with its destination URI.
type channel struct {
	notifier   ntfy.Notifier
	dest       string
	htmlEscape bool // true for channels that use HTML parse mode (e.g., telegram)
}

// logger interface for dependency injection.
type logger interface {
	Print(format string, args ...any)
}

// New creates an alerting Service from the given Params.
// returns nil, nil if no channels are configured, enabling callers to skip nil
// checks via nil-safe Failure/Success.
func New(p Params, log logger) (*Service, error) {
	if len(p.Channels) == 0 {
		return nil, nil //nolint:nilnil // nil,nil signals "no channels configured", callers use nil-safe methods
	}

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}

	svc := &Service{
		threshold: p.FailureThreshold,
		window:    time.Duration(p.WindowMinutes) * time.Minute,
		timeoutMs: p.TimeoutMs,
		hostname:  hostname,
		log:       log,
		streaks:   map[string]int{},
		lastAlert: map[string]time.Time{},
		now:       time.Now,
	}
	if svc.threshold <= 0 {
		svc.threshold = 3
	}
	if svc.window <= 0 {
		svc.window = 10 * time.Minute
	}
	if svc.timeoutMs <= 0 {
		svc.timeoutMs = 10000
	}

	for _, ch := range p.Channels {
		switch strings.TrimSpace(strings.ToLower(ch)) {
		case "telegram":
			if p.TelegramToken == "" {
				return nil, errors.New("telegram channel: telegram_token is required")
			}
			if p.TelegramChat == "" {
				return nil, errors.New("telegram channel: telegram_chat is required")
			}
			c, cErr := telegramChannelMaker(p)
			if cErr != nil {
				// telegram init makes a live API call to verify the bot token;
				// if the network/API is unavailable, skip the channel instead of
				// blocking startup. redact the token from the error
				errMsg := strings.ReplaceAll(cErr.Error(), p.TelegramToken, "[REDACTED]")
				log.Print("[WARN] telegram channel disabled: %s", errMsg)
				continue
			}
			svc.channels = append(svc.channels, c)
		case "slack":
			c, cErr := makeSlackChannel(p)
			if cErr != nil {
				return nil, fmt.Errorf("slack channel: %w", cErr)
			}
			svc.channels = append(svc.channels, c)
		case "webhook":
			chs, cErr := makeWebhookChannels(p)
			if cErr != nil {
				return nil, fmt.Errorf("webhook channel: %w", cErr)
			}
			svc.channels = append(svc.channels, chs...)
		default:
			return nil, fmt.Errorf("unknown notification channel: %q", ch)
		}
	}

	if len(svc.channels) == 0 {
		log.Print("[WARN] all notification channels were disabled due to initialization errors")
	}

	return svc, nil
}

// Failure records a fetch failure for the given variable. when the streak of
// consecutive failures reaches the threshold an alert is sent, at most once
// per cooldown window. nil-safe on receiver.
func (s *Service) Failure(ctx context.Context, a Alert) {
	if s == nil {
		return
	}

	key := a.Dashboard + "/" + a.Variable

	s.mu.Lock()
	s.streaks[key]++
	a.Failures = s.streaks[key]
	fire := a.Failures >= s.threshold && s.now().Sub(s.lastAlert[key]) >= s.window
	if fire {
		s.lastAlert[key] = s.now()
	}
	s.mu.Unlock()

	if fire {
		s.send(ctx, a)
	}
}

// Success records a successful fetch for the given variable, resetting its
// failure streak. nil-safe on receiver.
func (s *Service) Success(dashboard, variable string) {
	if s == nil {
		return
	}
	key := dashboard + "/" + variable
	s.mu.Lock()
	delete(s.streaks, key)
	s.mu.Unlock()
}

// send delivers the alert to all configured channels.
// errors are logged but never returned (best-effort).
func (s *Service) send(ctx context.Context, a Alert) {
	msg := s.formatMessage(a)

	timeout := time.Duration(s.timeoutMs) * time.Millisecond
	sendCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	for _, ch := range s.channels {
		text := msg
		if ch.htmlEscape {
			text = html.EscapeString(msg)
		}
		if err := ch.notifier.Send(sendCtx, ch.dest, text); err != nil {
			s.log.Print("[WARN] notification failed for %s: %v", ch.notifier, err)
		}
	}
}

// formatMessage creates a plain text alert message.
func (s *Service) formatMessage(a Alert) string {
	var b strings.Builder

	fmt.Fprintf(&b, "varflow fetch failures on %s\n\n", s.hostname)
	fmt.Fprintf(&b, "dashboard: %s\n", a.Dashboard)
	fmt.Fprintf(&b, "variable:  %s\n", a.Variable)
	if a.Stream != "" {
		fmt.Fprintf(&b, "stream:    %s\n", a.Stream)
	}
	if a.Field != "" {
		fmt.Fprintf(&b, "field:     %s\n", a.Field)
	}
	fmt.Fprintf(&b, "failures:  %d in a row\n", a.Failures)
	if a.Error != "" {
		fmt.Fprintf(&b, "error:     %s\n", a.Error)
	}

	return b.String()
}

// telegramChannelMaker creates a telegram notifier and destination.
// overridden in tests to avoid live API calls.
var telegramChannelMaker = makeTelegramChannel

// makeTelegramChannel creates a telegram notifier and destination.
// uses ntfy.Telegram with the token, sending to telegram:<chat>?parseMode=HTML.
// caller must validate that TelegramToken and TelegramChat are non-empty.
func makeTelegramChannel(p Params) (channel, error) {
	tg, err := ntfy.NewTelegram(ntfy.TelegramParams{Token: p.TelegramToken})
	if err != nil {
		return channel{}, fmt.Errorf("create telegram notifier: %w", err)
	}

	dest := fmt.Sprintf("telegram:%s?parseMode=HTML", p.TelegramChat)
	return channel{notifier: tg, dest: dest, htmlEscape: true}, nil
}

// makeSlackChannel creates a slack notifier and destination.
func makeSlackChannel(p Params) (channel, error) {
	if p.SlackToken == "" {
		return channel{}, errors.New("slack_token is required")
	}
	if p.SlackChannel == "" {
		return channel{}, errors.New("slack_channel is required")
	}

	sl := ntfy.NewSlack(p.SlackToken)
	dest := "slack:" + p.SlackChannel
	return channel{notifier: sl, dest: dest}, nil
}

// makeWebhookChannels creates webhook notifiers for each configured URL.
func makeWebhookChannels(p Params) ([]channel, error) {
	if len(p.WebhookURLs) == 0 {
		return nil, errors.New("webhook_urls is required")
	}

	wh := ntfy.NewWebhook(ntfy.WebhookParams{})
	var channels []channel
	for _, u := range p.WebhookURLs {
		channels = append(channels, channel{notifier: wh, dest: u})
	}
	return channels, nil
}
