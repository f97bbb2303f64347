package main

import (
	"context"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"
	"github.com/aws/aws-sdk-go-v2/config"
	awsssm "github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/Vashi-123/englishv2-sub003/handler"
	"github.com/Vashi-123/englishv2-sub003/internal/classifier"
	"github.com/Vashi-123/englishv2-sub003/internal/integrations/paramstore"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	// ---- Configuration (read only here) ----
	paramPrefix := os.Getenv("PARAM_PREFIX")
	maxMessages := envInt("MAX_MESSAGES", 500)
	freeTextKinds := splitList(os.Getenv("FREE_TEXT_KINDS"))

	// The allow-list may be published with the lesson scripts instead.
	if paramPrefix != "" {
		cfg, err := config.LoadDefaultConfig(ctx)
		if err != nil {
			slog.Error("failed to load AWS config", "err", err)
			os.Exit(1)
		}
		ssmClient, err := paramstore.New(awsssm.NewFromConfig(cfg))
		if err != nil {
			slog.Error("failed to create SSM client", "err", err)
			os.Exit(1)
		}
		values, err := ssmClient.Under(ctx, paramPrefix, "free-text-kinds")
		if err != nil {
			slog.Error("failed to load classifier parameters", "err", err)
			os.Exit(1)
		}
		freeTextKinds = splitList(values["free-text-kinds"])
	}

	opts := []classifier.Option{classifier.WithLogger(logger)}
	if len(freeTextKinds) > 0 {
		opts = append(opts, classifier.WithFreeTextKinds(freeTextKinds...))
	}

	h, err := handler.NewHandler(classifier.New(opts...), maxMessages, logger)
	if err != nil {
		slog.Error("failed to create handler", "err", err)
		os.Exit(1)
	}

	lambda.Start(h.Handle)
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

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
