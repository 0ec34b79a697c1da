package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"mimic/internal/bot"
	"mimic/internal/config"
	"mimic/internal/logging"
	"mimic/internal/metrics"
	"mimic/internal/privacy"
	"mimic/internal/store"
)

// The chat session models a two-party DM: the operator and the bot.
const (
	operatorID    = int64(1)
	chatBotID     = int64(2)
	chatChannelID = int64(1)
)

// consoleClient adapts the terminal to the platform client interface.
type consoleClient struct {
	out    *bufio.Writer
	outMu  sync.Mutex
	nextID atomic.Int64

	// onSend feeds the bot's own messages back into the event loop, the
	// way a chat gateway echoes them.
	onSend func(bot.IncomingMessage)
}

func newConsoleClient() *consoleClient {
	c := &consoleClient{out: bufio.NewWriter(os.Stdout)}
	c.nextID.Store(1000)
	return c
}

func (c *consoleClient) BotUserID() int64 { return chatBotID }

func (c *consoleClient) SendMessage(_ context.Context, channelID int64, content string, replyTo *int64) (*bot.SentMessage, error) {
	c.outMu.Lock()
	fmt.Fprintf(c.out, "mimic> %s\n", content)
	c.out.Flush()
	c.outMu.Unlock()

	sent := &bot.SentMessage{
		ID:        c.nextID.Add(1),
		ChannelID: channelID,
		CreatedAt: time.Now().UTC(),
	}
	if c.onSend != nil {
		c.onSend(bot.IncomingMessage{
			ID:          sent.ID,
			AuthorID:    chatBotID,
			ChannelID:   channelID,
			ReferenceID: replyTo,
			Content:     content,
			CreatedAt:   sent.CreatedAt,
			DM:          true,
		})
	}
	return sent, nil
}

func (c *consoleClient) AddReaction(_ context.Context, _, messageID int64, emoji string) error {
	c.outMu.Lock()
	defer c.outMu.Unlock()
	fmt.Fprintf(c.out, "mimic reacted to %d with %s\n", messageID, emoji)
	return c.out.Flush()
}

func (c *consoleClient) Members(_ context.Context, _ int64) ([]privacy.Member, error) {
	return []privacy.Member{
		{UserID: operatorID},
		{UserID: chatBotID, Bot: true},
	}, nil
}

func (c *consoleClient) CreateDM(_ context.Context, _ int64) (int64, error) {
	return chatChannelID, nil
}

// runChat wires the full pipeline to a terminal session.
func runChat(parent context.Context) error {
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	c, err := openComponents(cfg)
	if err != nil {
		return err
	}
	defer c.Close()

	client := newConsoleClient()
	b, err := bot.New(client, c.store, c.manager, c.reactor, bot.Options{
		IndexCron:          cfg.Index.Cron,
		DefaultMedianDelay: cfg.DefaultMedianDelay(),
	})
	if err != nil {
		return err
	}
	client.onSend = func(msg bot.IncomingMessage) {
		if err := b.HandleMessage(ctx, msg); err != nil {
			logger.Warn("Failed to record own message", zap.Error(err))
		}
	}

	logger.Info("Chat session started",
		zap.String("database", cfg.Database.Path),
		zap.String("index", cfg.Index.Path))
	fmt.Println("Chatting with mimic. /consent <no|with_privacy|without_privacy>, /index, /quit.")

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.Run(ctx) })

	if cfg.Metrics.Addr != "" {
		g.Go(func() error { return metrics.Serve(ctx, cfg.Metrics.Addr) })
	}

	// Config edits take effect for logging without a restart. Everything
	// else is read at startup only.
	g.Go(func() error {
		err := config.Watch(ctx, configPath, func(next *config.Config) {
			if err := logging.Configure(next.Logging); err != nil {
				logger.Warn("Reloaded config has a bad logging section", zap.Error(err))
				return
			}
			logger.Info("Reloaded logging configuration")
		})
		if err != nil && ctx.Err() == nil {
			logger.Warn("Config watch unavailable", zap.Error(err))
		}
		return nil
	})

	g.Go(func() error {
		defer stop()
		return chatLoop(ctx, b, client)
	})

	err = g.Wait()
	if err == context.Canceled {
		return nil
	}
	return err
}

// chatLoop reads operator input until EOF or cancellation.
func chatLoop(ctx context.Context, b *bot.Bot, client *consoleClient) error {
	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var line string
		var ok bool
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok = <-lines:
			if !ok {
				return nil
			}
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "/") {
			quit, err := chatCommand(ctx, b, client, line)
			if err != nil {
				fmt.Println(err)
			}
			if quit {
				return nil
			}
			continue
		}

		msg := bot.IncomingMessage{
			ID:          client.nextID.Add(1),
			AuthorID:    operatorID,
			AuthorHuman: true,
			ChannelID:   chatChannelID,
			Content:     line,
			CreatedAt:   time.Now().UTC(),
			DM:          true,
		}
		if err := b.HandleMessage(ctx, msg); err != nil {
			return err
		}
	}
}

// chatCommand handles one slash command. Returns true to end the session.
func chatCommand(ctx context.Context, b *bot.Bot, client *consoleClient, line string) (bool, error) {
	cmd, arg, _ := strings.Cut(line, " ")
	switch cmd {
	case "/quit", "/exit":
		return true, nil

	case "/consent":
		consent := store.Consent(strings.TrimSpace(arg))
		if !consent.Valid() {
			return false, fmt.Errorf("usage: /consent <no|with_privacy|without_privacy>")
		}
		in := store.Interaction{
			ID:        client.nextID.Add(1),
			UserID:    operatorID,
			CreatedAt: time.Now().UTC(),
		}
		if err := b.HandleConsent(ctx, in, consent); err != nil {
			return false, err
		}
		fmt.Printf("Consent recorded: %s\n", consent)
		return false, nil

	case "/index":
		if err := b.IndexNow(ctx); err != nil {
			return false, err
		}
		fmt.Println("Index pass complete.")
		return false, nil

	default:
		return false, fmt.Errorf("unknown command %q", cmd)
	}
}
