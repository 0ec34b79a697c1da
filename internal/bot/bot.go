// Package bot is the event loop: it receives platform events, fans them
// out to bounded per-responsibility queues, and wires the store, indexer,
// privacy gate and timing policy together.
package bot

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/sync/errgroup"

	"mimic/internal/indexer"
	"mimic/internal/logging"
	"mimic/internal/metrics"
	"mimic/internal/pairing"
	"mimic/internal/privacy"
	"mimic/internal/react"
	"mimic/internal/reply"
	"mimic/internal/store"
)

// Queue capacities. Storage applies backpressure when full; reply and
// react work is droppable, losing a reply under burst load is the designed
// behavior anyway.
const (
	storeQueueSize = 1024
	replyQueueSize = 256
	reactQueueSize = 256
	learnQueueSize = 256
)

// Options configures a Bot.
type Options struct {
	// IndexCron schedules the periodic indexing job.
	IndexCron string
	// DefaultMedianDelay stands in when a channel lacks delay history.
	DefaultMedianDelay time.Duration
}

// Bot owns the queues and workers that service platform events.
type Bot struct {
	client    Client
	store     *store.Store
	resolver  *pairing.Resolver
	gate      *privacy.Gate
	manager   *indexer.Manager
	reactor   *react.Responder
	scheduler *reply.Scheduler
	opts      Options

	storeQ chan IncomingMessage
	replyQ chan IncomingMessage
	reactQ chan IncomingMessage
	learnQ chan IncomingReaction

	rngMu sync.Mutex
	rng   *rand.Rand
}

func New(client Client, s *store.Store, manager *indexer.Manager, reactor *react.Responder, opts Options) (*Bot, error) {
	if opts.IndexCron == "" {
		opts.IndexCron = "* * * * *"
	}
	if !gronx.IsValid(opts.IndexCron) {
		return nil, errors.New("bot: invalid index cron expression: " + opts.IndexCron)
	}
	if opts.DefaultMedianDelay <= 0 {
		opts.DefaultMedianDelay = 60 * time.Second
	}

	return &Bot{
		client:    client,
		store:     s,
		resolver:  pairing.NewResolver(s),
		gate:      privacy.NewGate(s, client),
		manager:   manager,
		reactor:   reactor,
		scheduler: reply.NewScheduler(),
		opts:      opts,
		storeQ:    make(chan IncomingMessage, storeQueueSize),
		replyQ:    make(chan IncomingMessage, replyQueueSize),
		reactQ:    make(chan IncomingMessage, reactQueueSize),
		learnQ:    make(chan IncomingReaction, learnQueueSize),
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}, nil
}

// Run services the queues and the periodic indexing job until ctx is
// cancelled.
func (b *Bot) Run(ctx context.Context) error {
	defer b.scheduler.Stop()

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return b.storeWorker(ctx) })
	g.Go(func() error { return b.replyWorker(ctx) })
	g.Go(func() error { return b.reactWorker(ctx) })
	g.Go(func() error { return b.learnWorker(ctx) })
	g.Go(func() error { return b.indexLoop(ctx) })

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// HandleMessage accepts a message-arrived event. It blocks when the
// storage queue is full; reply and react consideration is dropped instead
// under burst load. Any reply still pending for the channel is cancelled
// first, so only the newest message in a burst gets a timed reply.
func (b *Bot) HandleMessage(ctx context.Context, msg IncomingMessage) error {
	if b.scheduler.Cancel(msg.ChannelID) {
		logging.Reply("Cancelled pending reply in channel %d: newer message arrived", msg.ChannelID)
	}

	select {
	case b.storeQ <- msg:
	case <-ctx.Done():
		return ctx.Err()
	}

	if msg.AuthorID == b.client.BotUserID() {
		return nil
	}

	select {
	case b.replyQ <- msg:
	default:
		logging.Get(logging.CategoryReply).Warn("reply queue full, dropping message %d", msg.ID)
	}
	select {
	case b.reactQ <- msg:
	default:
		logging.Get(logging.CategoryReact).Warn("react queue full, dropping message %d", msg.ID)
	}
	return nil
}

// HandleMessageEdit records an edited state of a stored message.
func (b *Bot) HandleMessageEdit(ctx context.Context, messageID int64, editedAt time.Time, content string) error {
	msg, err := b.store.Message(ctx, messageID)
	if err == store.ErrNotFound {
		return nil
	}
	if err != nil {
		return err
	}

	consent, err := b.store.Consent(ctx, msg.AuthorID)
	if err != nil {
		return err
	}
	if consent == store.ConsentNo {
		logging.StoreDebug("Not storing edit of %d: author has not consented", messageID)
		return nil
	}
	return b.store.AddRevision(ctx, store.Revision{
		MessageID: messageID,
		EditedAt:  editedAt,
		Content:   content,
	})
}

// HandleMessageDelete marks a message deleted.
func (b *Bot) HandleMessageDelete(ctx context.Context, messageID int64, at time.Time) error {
	return b.store.MarkDeleted(ctx, messageID, at)
}

// HandleReaction accepts a reaction-added event for learning.
func (b *Bot) HandleReaction(r IncomingReaction) {
	select {
	case b.learnQ <- r:
	default:
		logging.Get(logging.CategoryReact).Warn("learn queue full, dropping reaction on %d", r.MessageID)
	}
}

// HandleMemberJoin introduces the bot to newly joined humans over DM, once
// per person, and records the consent prompt it sends.
func (b *Bot) HandleMemberJoin(ctx context.Context, m MemberJoin) error {
	if !m.Human {
		return nil
	}

	dmID, err := b.client.CreateDM(ctx, m.UserID)
	if err != nil {
		if errors.Is(err, ErrPermission) {
			logging.Consent("Cannot open a DM with user %d", m.UserID)
			return nil
		}
		return err
	}

	prompted, err := b.store.HasConsentPromptInChannel(ctx, dmID)
	if err != nil {
		return err
	}
	if prompted {
		return nil
	}

	sent, err := b.client.SendMessage(ctx, dmID, introduction(m.GuildName), nil)
	if err != nil {
		if errors.Is(err, ErrPermission) {
			logging.Consent("User %d does not accept DMs, skipping introduction", m.UserID)
			return nil
		}
		return err
	}

	err = b.store.StoreMessage(ctx,
		store.Message{ID: sent.ID, AuthorID: b.client.BotUserID(), ChannelID: sent.ChannelID, CreatedAt: sent.CreatedAt},
		store.User{ID: b.client.BotUserID(), Human: false},
		store.Channel{ID: sent.ChannelID},
		introduction(m.GuildName))
	if err != nil {
		return err
	}
	logging.Consent("Introduced myself to user %d", m.UserID)
	return b.store.RecordConsentPrompt(ctx, sent.ID)
}

// HandleConsent records a consent answer delivered via a platform
// interaction.
func (b *Bot) HandleConsent(ctx context.Context, in store.Interaction, consent store.Consent) error {
	return b.store.SetConsent(ctx, in, consent)
}

// IndexNow runs one indexing pass outside the cron schedule.
func (b *Bot) IndexNow(ctx context.Context) error {
	return b.manager.IndexNewRevisions(ctx)
}

func introduction(guildName string) string {
	return "Hello! I'm a robot who joins in with human conversations. " +
		"I observe " + guildName + " to expand the topics I can chat about. " +
		"If you don't mind me borrowing your phrases, please tell me so here."
}

func (b *Bot) storeWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-b.storeQ:
			if err := b.handleStore(ctx, msg); err != nil {
				logging.Get(logging.CategoryStore).Error("storing message %d: %v", msg.ID, err)
			}
		}
	}
}

// handleStore persists one message, in full or redacted depending on the
// author's consent.
func (b *Bot) handleStore(ctx context.Context, msg IncomingMessage) error {
	author := store.User{ID: msg.AuthorID, Human: msg.AuthorHuman}
	channel := store.Channel{ID: msg.ChannelID, GuildID: msg.GuildID}
	envelope := store.Message{
		ID:          msg.ID,
		AuthorID:    msg.AuthorID,
		ChannelID:   msg.ChannelID,
		ReferenceID: msg.ReferenceID,
		CreatedAt:   msg.CreatedAt,
	}

	// The human flag must be current before consent is evaluated.
	if err := b.store.UpsertUser(ctx, author); err != nil {
		return err
	}
	consent, err := b.store.Consent(ctx, msg.AuthorID)
	if err != nil {
		return err
	}

	if consent == store.ConsentNo {
		logging.StoreDebug("Storing redacted version of %d", msg.ID)
		err = b.store.StoreMessageRedacted(ctx, envelope, author, channel)
	} else {
		logging.StoreDebug("Storing full version of %d", msg.ID)
		err = b.store.StoreMessage(ctx, envelope, author, channel, msg.Content)
	}
	if err != nil {
		return err
	}
	metrics.MessagesStored.Inc()
	return nil
}

func (b *Bot) replyWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-b.replyQ:
			if err := b.handleReply(ctx, msg); err != nil {
				logging.Get(logging.CategoryReply).Error("considering reply to %d: %v", msg.ID, err)
			}
		}
	}
}

// handleReply retrieves candidate responses, gates them, rolls the send
// probability, and schedules the reply.
func (b *Bot) handleReply(ctx context.Context, msg IncomingMessage) error {
	if !msg.AuthorHuman || msg.Content == "" {
		return nil
	}

	stream, err := b.manager.ResponsesToText(ctx, msg.Content)
	if err != nil {
		return err
	}

	var chosen *indexer.Candidate
	for {
		c, err := stream.Next()
		if errors.Is(err, indexer.ErrExhausted) {
			break
		}
		if err != nil {
			return err
		}
		ok, err := b.gate.CanSendInChannel(ctx, c.ResponseMessage, msg.ChannelID)
		if err != nil {
			return err
		}
		if ok {
			chosen = c
			break
		}
		logging.ReplyDebug("Cannot use %q here due to the privacy filter", c.Response.Content)
	}
	if chosen == nil {
		logging.ReplyDebug("No suitable response to %d", msg.ID)
		return nil
	}

	direct, err := b.isDirect(ctx, msg)
	if err != nil {
		return err
	}
	audience, err := b.audienceSize(ctx, msg.ChannelID)
	if err != nil {
		return err
	}

	p := reply.Probability(chosen.Distance, audience, direct)
	if b.roll() > p {
		logging.ReplyDebug("Not replying to %d: probability check failed", msg.ID)
		return nil
	}

	median, err := b.resolver.MedianDelayOr(ctx, msg.ChannelID, msg.CreatedAt, b.opts.DefaultMedianDelay)
	if err != nil {
		return err
	}
	delay := reply.SendDelay(median, direct)

	content := chosen.Response.Content
	replyTo := msg.ID
	logging.Reply("Scheduling %q in channel %d after %v", content, msg.ChannelID, delay)
	b.scheduler.Schedule(msg.ChannelID, delay, func() {
		sendCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if _, err := b.client.SendMessage(sendCtx, msg.ChannelID, content, &replyTo); err != nil {
			if errors.Is(err, ErrPermission) {
				logging.Reply("Cannot send in channel %d, abandoning reply", msg.ChannelID)
				return
			}
			logging.Get(logging.CategoryReply).Error("sending reply in channel %d: %v", msg.ChannelID, err)
			return
		}
		metrics.RepliesSent.Inc()
	})
	return nil
}

func (b *Bot) reactWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg := <-b.reactQ:
			if err := b.handleReact(ctx, msg); err != nil {
				logging.Get(logging.CategoryReact).Error("considering reaction to %d: %v", msg.ID, err)
			}
		}
	}
}

func (b *Bot) handleReact(ctx context.Context, msg IncomingMessage) error {
	if !msg.AuthorHuman || msg.Content == "" {
		return nil
	}

	emoji, ok, err := b.reactor.Reaction(ctx, msg.Content)
	if err != nil || !ok {
		return err
	}

	if err := b.client.AddReaction(ctx, msg.ChannelID, msg.ID, emoji); err != nil {
		if errors.Is(err, ErrPermission) {
			logging.React("Cannot react in channel %d, abandoning", msg.ChannelID)
			return nil
		}
		return err
	}
	metrics.ReactionsAdded.Inc()
	return nil
}

func (b *Bot) learnWorker(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case r := <-b.learnQ:
			if err := b.reactor.Learn(ctx, r.MessageID, r.UserID, r.Emoji); err != nil {
				logging.Get(logging.CategoryReact).Error("learning reaction on %d: %v", r.MessageID, err)
			}
		}
	}
}

// indexLoop runs the indexing job on the configured cron schedule.
func (b *Bot) indexLoop(ctx context.Context) error {
	for {
		next, err := gronx.NextTickAfter(b.opts.IndexCron, time.Now().UTC(), false)
		if err != nil {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(next)):
		}

		if err := b.manager.IndexNewRevisions(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			logging.Get(logging.CategoryIndex).Error("index run failed: %v", err)
		}
	}
}

// audienceSize counts who would see a reply, excluding the bot itself.
func (b *Bot) audienceSize(ctx context.Context, channelID int64) (int, error) {
	members, err := b.client.Members(ctx, channelID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, m := range members {
		if m.UserID != b.client.BotUserID() {
			n++
		}
	}
	if n < 1 {
		n = 1
	}
	return n, nil
}

func (b *Bot) roll() float64 {
	b.rngMu.Lock()
	defer b.rngMu.Unlock()
	return b.rng.Float64()
}
