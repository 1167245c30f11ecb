package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"ForestChat/internal/chatbot"
	"ForestChat/internal/config"
	"ForestChat/internal/telemetry"
	"ForestChat/internal/transcript"
)

func main() {
	os.Exit(run())
}

func run() int {
	settings, err := config.Load(config.DefaultSettingsFile)
	if err != nil {
		fmt.Println("Please check your appsettings.json file for missing or incorrect values.")
		var missing *config.MissingSettingError
		if errors.As(err, &missing) {
			fmt.Printf("Missing value for %s\n", missing.Key)
		} else {
			fmt.Println(err)
		}
		return 1
	}

	logger, logFile, err := telemetry.InitLogger(settings.LogDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		return 1
	}
	defer logFile.Close()

	ctx := context.Background()
	tracer, meter, cleanup, err := telemetry.InitTelemetry(ctx, settings.LogDir)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize telemetry: %v\n", err)
		return 1
	}
	defer cleanup()

	opts := []chatbot.Option{
		chatbot.WithLogger(logger),
		chatbot.WithTelemetry(tracer, meter),
	}

	if settings.TranscriptDB != "" {
		store, err := transcript.Open(settings.TranscriptDB)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open transcript: %v\n", err)
			return 1
		}
		defer store.Close()
		opts = append(opts, chatbot.WithTranscript(store))
	}

	bot, err := chatbot.NewChatBot(settings, opts...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize chatbot: %v\n", err)
		return 1
	}

	if err := bot.Run(ctx); err != nil {
		logger.Error("conversation aborted", "error", err)
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}

	return 0
}
