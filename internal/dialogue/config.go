package dialogue

import "time"

type Config struct {
	// GoalRevealDelay keeps the vocabulary hidden after a goal message.
	GoalRevealDelay time.Duration
	// MatchCompleteDelay is how long a finished matching board stays up.
	MatchCompleteDelay time.Duration
	// RecheckDelay is the pause before the second history check on a fresh lesson.
	RecheckDelay time.Duration
	// LoadTimeout bounds the whole initial load.
	LoadTimeout time.Duration
	// TurnTimeout bounds turns sent by the session itself.
	TurnTimeout time.Duration
	// CacheTimeout bounds offline cache writes.
	CacheTimeout time.Duration
}

func DefaultConfig() Config {
	return Config{
		GoalRevealDelay:    2000 * time.Millisecond,
		MatchCompleteDelay: 1500 * time.Millisecond,
		RecheckDelay:       800 * time.Millisecond,
		LoadTimeout:        30 * time.Second,
		TurnTimeout:        30 * time.Second,
		CacheTimeout:       5 * time.Second,
	}
}
