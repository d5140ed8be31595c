package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/comtower/signal-turn-bot/internal/signalbridge"
)

func main() {
	baseURL := os.Getenv("SIGNAL_CLI_URL")
	number := os.Getenv("SIGNAL_BOT_NUMBER")

	if baseURL == "" {
		log.Fatal("SIGNAL_CLI_URL is required")
	}

	client := signalbridge.NewClient(baseURL, number,
		signalbridge.WithTimeout(8*time.Second),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	about, err := client.About(ctx)
	if err != nil {
		log.Printf("/v1/about error: %v", err)
	} else {
		log.Printf("/v1/about ok: build=%d versions=%v mode=%s", about.Build, about.Versions, about.Mode)
	}

	if number == "" {
		log.Println("SIGNAL_BOT_NUMBER not set; skipping group check")
		return
	}

	gctx, gcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer gcancel()
	groups, err := client.ListGroups(gctx)
	if err != nil {
		log.Printf("/v1/groups error: %v", err)
		return
	}
	log.Printf("/v1/groups ok: %d group(s)", len(groups))
	for _, g := range groups {
		fmt.Printf("group id=%s internal=%s name=%q\n", g.ID, g.InternalID, g.Name)
	}
}
