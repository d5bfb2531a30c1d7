package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strings"
	"sync"
	"syscall"

	"sudooom.im.chat/internal/bootstrap"
	"sudooom.im.chat/internal/changefeed"
	"sudooom.im.chat/internal/config"
	"sudooom.im.chat/internal/model"
	imNats "sudooom.im.chat/internal/nats"
	"sudooom.im.chat/internal/session"
	"sudooom.im.chat/internal/workerpool"
	"sudooom.im.chat/pkg/jwt"
	"sudooom.im.chat/pkg/snowflake"
)

const help = `commands:
  /open <username>   open the conversation with a user
  /typing            signal that you are typing
  /close             close the current conversation
  /unread            show unread counts
  /quit              sign out
anything else is sent to the open conversation`

func main() {
	configPath := flag.String("config", "configs/config.yaml", "config file path")
	token := flag.String("token", os.Getenv("CHAT_TOKEN"), "access token issued by the identity provider")
	peer := flag.String("peer", "", "username to open on start")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "load config:", err)
		os.Exit(1)
	}

	// 日志写 stderr，stdout 留给聊天界面
	logger := bootstrap.NewLogger(os.Stderr, cfg.App.LogLevel)

	claims, err := jwt.NewService(cfg.JWT.SecretKey, cfg.JWT.AccessExpire).Validate(*token)
	if err != nil {
		logger.Error("Authentication failed", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := bootstrap.ConnectDatabase(ctx, cfg.Database)
	if err != nil {
		logger.Error("Failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	redisClient := bootstrap.ConnectRedis(cfg.Redis)
	defer redisClient.Close()

	natsClient, err := imNats.NewClient(cfg.NATS)
	if err != nil {
		logger.Error("Failed to connect to NATS", "error", err)
		os.Exit(1)
	}
	defer natsClient.Close()

	node, err := snowflake.NewNode(cfg.App.NodeID)
	if err != nil {
		logger.Error("Failed to create snowflake node", "error", err)
		os.Exit(1)
	}

	services := bootstrap.NewServices(cfg.Chat, bootstrap.PostgresStores(db), node, redisClient)
	feeds := changefeed.NewMultiplexer(changefeed.NewNATSTransport(natsClient), cfg.Chat.EventBuffer)
	defer feeds.Close()

	pool := workerpool.New(cfg.Chat.WorkerCount, cfg.Chat.QueueSize, logger)
	defer pool.Shutdown()

	ui := &terminal{out: os.Stdout, self: claims.UserID, names: map[int64]string{}}

	sess := session.New(claims.UserID, claims.DeviceID, session.Deps{
		Resolver:      services.Resolver,
		Messages:      services.Messages,
		Typing:        services.Typing,
		Presence:      services.Presence,
		Unread:        services.Unread,
		Feeds:         feeds,
		Pool:          pool,
		TypingTimeout: cfg.Chat.TypingTimeout,
	}, ui.callbacks())

	if err := sess.Start(ctx); err != nil {
		logger.Error("Failed to start session", "error", err)
		os.Exit(1)
	}
	defer sess.Close(context.Background())

	client := &chatClient{ui: ui, session: sess, presence: services.Presence}
	ui.printf("signed in as user %d\n%s\n", claims.UserID, help)
	if *peer != "" {
		client.open(ctx, *peer)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok || !client.handle(ctx, line) {
				return
			}
		}
	}
}

type presenceLookup interface {
	Lookup(ctx context.Context, username string) (*model.Profile, error)
}

type chatClient struct {
	ui       *terminal
	session  *session.Session
	presence presenceLookup
}

// handle 处理一行输入，返回 false 表示退出
func (c *chatClient) handle(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch cmd {
	case "":
	case "/quit":
		return false
	case "/open":
		c.open(ctx, strings.TrimSpace(arg))
	case "/close":
		view := c.session.View()
		if view == nil {
			return true
		}
		c.session.Deselect(ctx)
		c.ui.printf("--- conversation with %s closed ---\n", c.ui.name(view.PeerID()))
	case "/typing":
		if view := c.session.View(); view != nil {
			view.Keystroke(ctx)
		}
	case "/unread":
		c.ui.showUnread(c.session.Unread())
	case "/help":
		c.ui.printf("%s\n", help)
	default:
		view := c.session.View()
		if view == nil {
			c.ui.printf("no open conversation, use /open <username>\n")
			return true
		}
		// 发送结果通过 OnMessages 回调显示，失败通过 OnError 显示
		view.Send(ctx, line)
	}
	return true
}

func (c *chatClient) open(ctx context.Context, username string) {
	profile, err := c.presence.Lookup(ctx, username)
	if err != nil {
		c.ui.printf("user %q not found\n", username)
		return
	}
	c.ui.remember(profile)

	view, err := c.session.SelectPeer(ctx, profile.ID)
	if err != nil {
		return
	}
	c.ui.printf("--- conversation with %s (%d) ---\n", profile.Username, view.Conversation().ID)
	c.ui.showMessages(view.Messages())
}

// terminal 把会话回调渲染到终端
type terminal struct {
	mu    sync.Mutex
	out   io.Writer
	self  int64
	names map[int64]string
	shown map[int64]model.DeliveryState
}

func (t *terminal) callbacks() session.Callbacks {
	return session.Callbacks{
		OnUnread: t.showUnread,
		OnPresence: func(p model.Profile) {
			t.remember(&p)
			state := "offline"
			if p.IsOnline {
				state = "online"
			}
			t.printf("* %s is %s\n", p.Username, state)
		},
		OnMessages: func(conversationID int64, messages []*model.Message) {
			t.showMessages(messages)
		},
		OnTyping: func(conversationID, peerID int64, typing bool) {
			if typing {
				t.printf("* %s is typing...\n", t.name(peerID))
			}
		},
		OnError: func(op string, err error) {
			t.printf("! %s failed: %v\n", op, err)
		},
	}
}

func (t *terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

func (t *terminal) remember(p *model.Profile) {
	t.mu.Lock()
	t.names[p.ID] = p.Username
	t.mu.Unlock()
}

func (t *terminal) name(userID int64) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	if userID == t.self {
		return "me"
	}
	if name, ok := t.names[userID]; ok {
		return name
	}
	return fmt.Sprintf("user %d", userID)
}

// showMessages 只打印新消息或投递状态有变化的消息
func (t *terminal) showMessages(messages []*model.Message) {
	for _, msg := range messages {
		state := msg.DeliveryState()
		t.mu.Lock()
		if t.shown == nil {
			t.shown = make(map[int64]model.DeliveryState)
		}
		prev, seen := t.shown[msg.ID]
		t.shown[msg.ID] = state
		t.mu.Unlock()

		switch {
		case !seen:
			t.printf("[%s] %s: %s (%s)\n", msg.CreatedAt.Format("15:04:05"), t.name(msg.SenderID), msg.Content, state)
		case prev != state && msg.SenderID == t.self:
			t.printf("  message %d %s\n", msg.ID, state)
		}
	}
}

func (t *terminal) showUnread(counts map[int64]int) {
	peers := make([]int64, 0, len(counts))
	for peer, n := range counts {
		if n > 0 {
			peers = append(peers, peer)
		}
	}
	if len(peers) == 0 {
		return
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i] < peers[j] })

	parts := make([]string, 0, len(peers))
	for _, peer := range peers {
		parts = append(parts, fmt.Sprintf("%s=%d", t.name(peer), counts[peer]))
	}
	t.printf("* unread: %s\n", strings.Join(parts, " "))
}
