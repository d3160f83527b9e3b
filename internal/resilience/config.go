package resilience

import (
	"time"

	"github.com/sells-group/directory-cli/internal/config"
)

// FromConfig builds a Policy from the retry section of the configuration, falling back
// to DefaultPolicy for unset values.
func FromConfig(cfg config.RetryConfig) Policy {
	p := DefaultPolicy()
	if cfg.MaxAttempts > 0 {
		p.MaxAttempts = cfg.MaxAttempts
	}
	if cfg.InitialBackoffMs > 0 {
		p.BaseDelay = time.Duration(cfg.InitialBackoffMs) * time.Millisecond
	}
	if cfg.MaxBackoffMs > 0 {
		p.MaxDelay = time.Duration(cfg.MaxBackoffMs) * time.Millisecond
	}
	if cfg.Multiplier > 0 {
		p.Multiplier = cfg.Multiplier
	}
	if cfg.JitterFraction >= 0 {
		p.Jitter = ProportionalJitter(cfg.JitterFraction)
	}
	return p
}
