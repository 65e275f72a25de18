package smtp

import "time"

// Config carries every per-connection protocol tunable named in the embedding API. A zero
// Config is not valid; use DefaultConfig and override individual fields.
type Config struct {
	// Domain is advertised in the 220 greeting and EHLO response, e.g. "mail.example.com".
	Domain string
	// GreetingBanner is appended to the 220 line after Domain.
	GreetingBanner string
	// MaxLineBytes caps command-line length outside DATA. Default 1024.
	MaxLineBytes int
	// MaxMessageBytes caps a DATA payload; >0 advertises SIZE. 0 disables the limit.
	MaxMessageBytes int64
	// MaxRecipients caps recipients per envelope; exceeding it replies 452. Default 100.
	MaxRecipients int
	// IdleTimeout is the read deadline applied per command and during DATA. Default 5m.
	IdleTimeout time.Duration
	// AdvertisePipelining controls whether EHLO lists PIPELINING. Safe to leave on: replies
	// are always emitted in the order commands are read regardless of client pipelining.
	AdvertisePipelining bool
	// OnCommand, if set, is invoked with the verb of every command line read, after a
	// recognized verb has been recorded into the connection's command history; an
	// unrecognized command is reported as VerbUnknown. It exists so an acceptor (package smtpd) can
	// observe per-verb traffic for metrics without the protocol engine depending on any
	// particular metrics library.
	OnCommand func(Verb)
}

// DefaultConfig returns a Config with every field set to the default named in the
// embedding API's configuration table.
func DefaultConfig() Config {
	return Config{
		Domain:              "localhost",
		MaxLineBytes:        1024,
		MaxRecipients:       100,
		IdleTimeout:         300 * time.Second,
		AdvertisePipelining: true,
	}
}

func (cfg Config) maxLineBytes() int {
	if cfg.MaxLineBytes <= 0 {
		return 1024
	}
	return cfg.MaxLineBytes
}

func (cfg Config) maxRecipients() int {
	if cfg.MaxRecipients <= 0 {
		return 100
	}
	return cfg.MaxRecipients
}

func (cfg Config) idleTimeout() time.Duration {
	if cfg.IdleTimeout <= 0 {
		return 300 * time.Second
	}
	return cfg.IdleTimeout
}
