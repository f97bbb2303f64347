package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awsdynamodb "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"github.com/Vashi-123/englishv2-sub003/internal/audio"
	"github.com/Vashi-123/englishv2-sub003/internal/auth"
	"github.com/Vashi-123/englishv2-sub003/internal/capture"
	"github.com/Vashi-123/englishv2-sub003/internal/classifier"
	"github.com/Vashi-123/englishv2-sub003/internal/dialogue"
	"github.com/Vashi-123/englishv2-sub003/internal/domain"
	"github.com/Vashi-123/englishv2-sub003/internal/integrations/backend"
	"github.com/Vashi-123/englishv2-sub003/internal/integrations/openai"
	"github.com/Vashi-123/englishv2-sub003/internal/integrations/paramstore"
	"github.com/Vashi-123/englishv2-sub003/internal/realtime"
	"github.com/Vashi-123/englishv2-sub003/internal/repository"
)

func main() {
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel()}))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	backendURL := mustEnv("BACKEND_URL")
	backendKey := os.Getenv("BACKEND_API_KEY")
	paramPrefix := os.Getenv("PARAM_PREFIX")
	openaiKey := os.Getenv("OPENAI_API_KEY")
	cacheTable := os.Getenv("CACHE_TABLE")
	transport := envString("REALTIME", "websocket")
	key := domain.LessonKey{
		Day:    envInt("LESSON_DAY", 1),
		Lesson: envInt("LESSON_NUMBER", 1),
		Lang:   envString("LESSON_LANG", "ru"),
	}

	sessionCfg := dialogue.DefaultConfig()
	sessionCfg.GoalRevealDelay = envDuration("GOAL_REVEAL_DELAY", sessionCfg.GoalRevealDelay)
	sessionCfg.MatchCompleteDelay = envDuration("MATCH_COMPLETE_DELAY", sessionCfg.MatchCompleteDelay)
	sessionCfg.RecheckDelay = envDuration("HISTORY_RECHECK_DELAY", sessionCfg.RecheckDelay)
	sessionCfg.LoadTimeout = envDuration("LOAD_TIMEOUT", sessionCfg.LoadTimeout)
	sessionCfg.TurnTimeout = envDuration("TURN_TIMEOUT", sessionCfg.TurnTimeout)
	transcriptionTimeout := envDuration("TRANSCRIPTION_TIMEOUT", capture.DefaultTranscriptionTimeout)

	// ---- AWS SDK config, only when something needs it ----
	var awsCfg aws.Config
	if paramPrefix != "" || cacheTable != "" {
		var err error
		awsCfg, err = config.LoadDefaultConfig(ctx)
		if err != nil {
			fatal("failed to load AWS config", err)
		}
	}

	var ssmClient *paramstore.Client
	if paramPrefix != "" {
		var err error
		ssmClient, err = paramstore.New(awsssm.NewFromConfig(awsCfg))
		if err != nil {
			fatal("failed to create SSM client", err)
		}
		if backendKey == "" {
			values, err := ssmClient.Under(ctx, paramPrefix, "backend-api-key")
			if err != nil {
				fatal("failed to load backend parameters", err)
			}
			backendKey = values["backend-api-key"]
		}
	}
	if backendKey == "" {
		slog.Error("backend api key is not configured", "key", "BACKEND_API_KEY")
		os.Exit(1)
	}

	// ---- Sign-in ----
	accessToken := os.Getenv("ACCESS_TOKEN")
	if accessToken == "" && os.Getenv("SIGN_IN_URL") != "" {
		token, err := signIn(ctx, backendURL, backendKey, os.Getenv("SIGN_IN_URL"), envString("ACCESS_TOKEN_FILE", ".access_token"), logger)
		if err != nil {
			fatal("sign-in failed", err)
		}
		accessToken = token
	}

	// ---- Clients ----
	backendClient, err := backend.NewClient(backendURL, backendKey, backend.WithAccessToken(accessToken))
	if err != nil {
		fatal("failed to create backend client", err)
	}

	var tokens openai.TokenSource
	if ssmClient != nil {
		tokens = ssmClient
	}
	speechClient, err := newSpeechClient(openaiKey, paramPrefix, os.Getenv("OPENAI_VOICE"), tokens)
	if err != nil {
		fatal("failed to create speech client", err)
	}

	feed, closeFeed, err := newFeed(transport, backendURL, backendKey, accessToken, logger)
	if err != nil {
		fatal("failed to create realtime feed", err)
	}
	defer closeFeed()

	var cache dialogue.HistoryCache
	if cacheTable != "" {
		c, err := repository.New(awsdynamodb.NewFromConfig(awsCfg), cacheTable)
		if err != nil {
			fatal("failed to create history cache", err)
		}
		cache = c
	}

	// ---- Audio devices ----
	var (
		player   dialogue.Player
		recorder dialogue.SpeechCapture
	)
	if speechClient == nil {
		slog.Warn("speech is not configured, running text-only", "keys", "OPENAI_API_KEY,PARAM_PREFIX")
	} else {
		if err := audio.Init(); err != nil {
			fatal("failed to init audio", err)
		}
		defer audio.Shutdown()

		speaker, err := audio.NewSynthSpeaker(speechClient, audio.NewPlayback())
		if err != nil {
			fatal("failed to create speaker", err)
		}
		orchestrator, err := audio.NewOrchestrator(speaker, audio.DefaultConfig(), logger)
		if err != nil {
			fatal("failed to create audio orchestrator", err)
		}
		pipeline, err := capture.NewPipeline(capture.NewMicrophone(capture.DefaultSampleRate), speechClient, transcriptionTimeout, logger)
		if err != nil {
			fatal("failed to create speech capture", err)
		}
		player, recorder = orchestrator, pipeline
	}

	// ---- Session ----
	deps := dialogue.Deps{
		Turns:      backendClient,
		History:    backendClient,
		Progress:   backendClient,
		Cache:      cache,
		Feed:       feed,
		Player:     player,
		Capture:    recorder,
		Classifier: classifier.New(classifier.WithLogger(logger), classifier.WithFreeTextKinds(freeTextKinds()...)),
	}
	session, err := dialogue.NewSession(key, deps, sessionCfg, logger)
	if err != nil {
		fatal("failed to create session", err)
	}
	defer session.Close()

	console := newConsole(session, os.Stdin, os.Stdout)
	if err := console.Run(ctx); err != nil {
		fatal("lesson ended with error", err)
	}
}

// newSpeechClient returns nil when neither a direct key nor a parameter
// prefix is configured; the lesson then runs without audio.
func newSpeechClient(apiKey, paramPrefix, voice string, tokens openai.TokenSource) (*openai.Client, error) {
	if apiKey == "" && paramPrefix == "" {
		return nil, nil
	}
	opts := []openai.Option{
		openai.WithVoice(voice),
		openai.WithTranscriptionLanguage("en"),
	}
	if apiKey != "" {
		opts = append(opts, openai.WithAPIKey(apiKey))
	}
	return openai.NewClient(tokens, paramPrefix, opts...)
}

// newFeed picks the realtime transport. "off" disables live updates; the
// session then only sees rows returned by its own calls.
func newFeed(transport, backendURL, apiKey, accessToken string, logger *slog.Logger) (realtime.Feed, func(), error) {
	switch transport {
	case "off", "none":
		return nil, func() {}, nil
	case "redis":
		opts, err := redis.ParseURL(envString("REDIS_URL", "redis://localhost:6379/0"))
		if err != nil {
			return nil, nil, err
		}
		rdb := redis.NewClient(opts)
		return realtime.NewRedisFeed(rdb, logger), func() { _ = rdb.Close() }, nil
	default:
		endpoint := envString("REALTIME_URL", realtimeEndpoint(backendURL))
		f := realtime.NewWebsocketFeed(endpoint, apiKey,
			realtime.WithAccessToken(accessToken),
			realtime.WithHeartbeat(envDuration("REALTIME_HEARTBEAT", 25*time.Second)),
			realtime.WithLogger(logger),
		)
		return f, func() {}, nil
	}
}

func realtimeEndpoint(backendURL string) string {
	u := strings.TrimRight(backendURL, "/")
	switch {
	case strings.HasPrefix(u, "https://"):
		u = "wss://" + strings.TrimPrefix(u, "https://")
	case strings.HasPrefix(u, "http://"):
		u = "ws://" + strings.TrimPrefix(u, "http://")
	}
	return u + "/realtime/v1/websocket"
}

func signIn(ctx context.Context, backendURL, apiKey, signInURL, tokenFile string, logger *slog.Logger) (string, error) {
	flow := auth.NewFlow(
		auth.WithLogger(logger),
		auth.WithInterval(envDuration("SIGN_IN_POLL_INTERVAL", auth.DefaultInterval)),
		auth.WithTimeout(envDuration("SIGN_IN_TIMEOUT", auth.DefaultTimeout)),
	)
	prober := &tokenFileProber{path: tokenFile, backendURL: backendURL, apiKey: apiKey}
	launch := func() error {
		_, err := os.Stdout.WriteString("Open " + signInURL + " to sign in. Waiting for " + tokenFile + "...\n")
		return err
	}
	if err := flow.Await(ctx, launch, prober); err != nil {
		return "", err
	}
	return prober.Token(), nil
}

func freeTextKinds() []string {
	v := os.Getenv("FREE_TEXT_KINDS")
	if v == "" {
		return classifier.DefaultFreeTextKinds
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func fatal(msg string, err error) {
	slog.Error(msg, "err", err)
	os.Exit(1)
}

func logLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(envString("LOG_LEVEL", "info"))); err != nil {
		return slog.LevelInfo
	}
	return level
}

func mustEnv(key string) string {
	v := os.Getenv(key)
	if v == "" {
		slog.Error("required environment variable is not set", "key", key)
		os.Exit(1)
	}
	return v
}

func envString(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}
