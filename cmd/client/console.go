package main

import (
	"bufio"
	"chat-sync/cache"
	"chat-sync/domain"
	"chat-sync/domain/event"
	"chat-sync/moderation"
	"chat-sync/presence"
	"chat-sync/runtime"
	"chat-sync/services"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/gookit/color"
	"github.com/samber/lo"
)

const observerID = "console"

var (
	styleSelf    = color.New(color.FgCyan, color.OpBold)
	styleOther   = color.New(color.FgGreen, color.OpBold)
	styleMuted   = color.New(color.FgGray)
	styleError   = color.New(color.FgRed)
	styleHeading = color.New(color.FgYellow, color.OpBold)
)

const helpText = `/list                     conversations
/open <id>                watch a conversation
/history                  messages of the watched conversation
/edit <message id> <text> edit a message
/delete <message id>      delete a message
/read [message id]        mark as read
/typing on|off            typing indicator
/retry <identifier>       resend a failed message
/status <user> [user...]  online status
/search <text>            search the watched conversation
/new <name> <user...>     create a group conversation
/quit                     leave
anything else is sent to the watched conversation`

// consoleOutput serializes writes coming from the input loop, the dispatcher and typing timers.
type consoleOutput struct {
	mu sync.Mutex
	w  io.Writer
}

func newConsoleOutput(w io.Writer) *consoleOutput {
	return &consoleOutput{w: w}
}

func (o *consoleOutput) println(line string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, _ = fmt.Fprintln(o.w, line)
}

func (o *consoleOutput) typing(conversationID string, users []string) {
	switch len(users) {
	case 0:
		return
	case 1:
		o.println(styleMuted.Sprintf("%s is typing...", users[0]))
	default:
		o.println(styleMuted.Sprintf("%s are typing...", strings.Join(users, ", ")))
	}
}

type console struct {
	log       *slog.Logger
	session   *runtime.Session
	messaging services.IMessagingService
	cache     *cache.Cache
	tracker   *presence.Tracker
	self      string
	out       *consoleOutput
	muted     *moderation.Filter
	current   string
}

func newConsole(log *slog.Logger, session *runtime.Session, messaging services.IMessagingService,
	c *cache.Cache, tracker *presence.Tracker, self string, out *consoleOutput) *console {
	return &console{log: log, session: session, messaging: messaging, cache: c, tracker: tracker, self: self, out: out}
}

// withMuted masks the filter's words in every displayed message.
func (c *console) withMuted(filter *moderation.Filter) *console {
	c.muted = filter
	return c
}

func (c *console) render(m domain.Message) string {
	if m.SenderID != c.self {
		m.Content, _ = c.muted.Mask(m.Content)
	}
	return formatMessage(m, c.self)
}

// Run reads commands line by line until EOF, /quit or ctx is done.
func (c *console) Run(ctx context.Context, in io.Reader) error {
	lines := make(chan string)
	errs := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		errs <- scanner.Err()
	}()

	c.out.println(styleHeading.Sprintf("connected as %s, /help for commands", c.self))
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-errs:
			return err
		case line := <-lines:
			if quit := c.Handle(ctx, line); quit {
				return nil
			}
		}
	}
}

// Handle runs one console line and reports whether the user asked to quit.
func (c *console) Handle(ctx context.Context, line string) bool {
	name, args := parseCommand(line)
	var err error
	switch name {
	case "":
		return false
	case "quit":
		return true
	case "help":
		c.out.println(helpText)
	case "list":
		c.list(ctx)
	case "open":
		err = c.open(ctx, args)
	case "history":
		err = c.history()
	case "edit":
		if len(args) < 2 {
			err = fmt.Errorf("usage: /edit <message id> <text>")
			break
		}
		_, err = c.messaging.UpdateMessage(ctx, args[0], strings.Join(args[1:], " "))
	case "delete":
		if len(args) != 1 {
			err = fmt.Errorf("usage: /delete <message id>")
			break
		}
		_, err = c.messaging.DeleteMessage(ctx, args[0])
	case "read":
		_, err = c.messaging.MarkAsRead(ctx, c.current, lo.FirstOrEmpty(args))
	case "typing":
		_, err = c.messaging.SendTyping(ctx, c.current, lo.FirstOrEmpty(args) != "off")
	case "retry":
		if len(args) != 1 {
			err = fmt.Errorf("usage: /retry <identifier>")
			break
		}
		_, _, err = c.messaging.Retry(ctx, c.current, args[0])
	case "status":
		err = c.status(ctx, args)
	case "search":
		err = c.search(ctx, strings.Join(args, " "))
	case "new":
		if len(args) < 2 {
			err = fmt.Errorf("usage: /new <name> <user...>")
			break
		}
		var conversation domain.Conversation
		if conversation, err = c.session.CreateConversation(ctx, args[0], args[1:]); err == nil {
			c.out.println(styleMuted.Sprintf("created %s (%s)", conversation.ID, conversation.Name))
		}
	case "send":
		err = c.send(ctx, strings.Join(args, " "))
	default:
		err = fmt.Errorf("unknown command /%s, try /help", name)
	}
	if err != nil {
		c.out.println(styleError.Sprintf("error: %v", err))
	}
	return false
}

// parseCommand splits "/name arg..." lines. Plain text is a "send" command carrying the whole line.
func parseCommand(line string) (string, []string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return "", nil
	}
	if !strings.HasPrefix(line, "/") {
		return "send", []string{line}
	}
	fields := strings.Fields(strings.TrimPrefix(line, "/"))
	if len(fields) == 0 {
		return "", nil
	}
	return strings.ToLower(fields[0]), fields[1:]
}

func (c *console) list(ctx context.Context) {
	conversations, ok := c.cache.Conversations()
	if !ok {
		c.out.println(styleMuted.Render("conversations not loaded yet"))
		return
	}
	if total, err := c.session.UnreadCount(ctx); err != nil {
		c.log.Debug("Unread count unavailable", "error", err)
	} else {
		c.out.println(styleHeading.Sprintf("--- %d unread ---", total))
	}
	for _, conversation := range conversations {
		line := fmt.Sprintf("%-12s %s", conversation.ID, conversation.Title(c.self))
		if conversation.UnreadCount > 0 {
			line += styleOther.Sprintf(" (%d unread)", conversation.UnreadCount)
		}
		c.out.println(line)
	}
}

func (c *console) open(ctx context.Context, args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: /open <conversation id>")
	}
	if c.current != "" {
		c.session.Unsubscribe(observerID, c.current)
	}
	c.current = args[0]
	c.session.Subscribe(observerID, c.current, &printer{console: c})
	if err := c.session.Watch(ctx, c.current); err != nil {
		c.log.Warn("Showing cached window only", "conversation_id", c.current, "error", err)
	}
	return c.history()
}

func (c *console) history() error {
	messages, ok := c.cache.Messages(c.current)
	if !ok {
		return fmt.Errorf("no conversation open, use /open <id>")
	}
	c.out.println(styleHeading.Sprintf("--- %s ---", c.current))
	for _, m := range messages {
		c.out.println(c.render(m))
	}
	return nil
}

func (c *console) send(ctx context.Context, content string) error {
	if c.current == "" {
		return fmt.Errorf("no conversation open, use /open <id>")
	}
	m, _, err := c.messaging.SendOptimistic(ctx, domain.SendMessageRequest{ConversationID: c.current, Content: content})
	if err != nil && m.IsFailed() {
		return fmt.Errorf("%w (retry with /retry %s)", err, m.Identifier)
	}
	return err
}

func (c *console) status(ctx context.Context, users []string) error {
	if _, err := c.messaging.GetOnlineStatus(ctx, users); err != nil {
		return err
	}
	for _, user := range users {
		s, ok := c.tracker.Get(user)
		switch {
		case !ok:
			c.out.println(fmt.Sprintf("%-12s unknown", user))
		case s.IsOnline:
			c.out.println(fmt.Sprintf("%-12s %s", user, styleOther.Render("online")))
		default:
			c.out.println(fmt.Sprintf("%-12s %s", user, styleMuted.Sprintf("last seen %s", s.LastSeen.Format("Jan 2 15:04"))))
		}
	}
	return nil
}

func (c *console) search(ctx context.Context, text string) error {
	found, err := c.session.SearchMessages(ctx, c.current, text)
	if err != nil {
		return err
	}
	c.out.println(styleHeading.Sprintf("--- %d result(s) ---", len(found)))
	for _, m := range found {
		c.out.println(c.render(m))
	}
	return nil
}

func formatMessage(m domain.Message, self string) string {
	sender := styleOther.Render(m.SenderID)
	if m.SenderID == self {
		sender = styleSelf.Render("me")
	}
	var marks []string
	switch {
	case m.IsPending():
		marks = append(marks, "sending")
	case m.IsFailed():
		marks = append(marks, "failed: "+m.LastError)
	case m.Read:
		marks = append(marks, "read")
	case m.Delivered:
		marks = append(marks, "delivered")
	}
	if m.IsEdited && !m.IsDeleted {
		marks = append(marks, "edited")
	}
	line := fmt.Sprintf("%s %s: %s", styleMuted.Render(m.CreatedAt.Local().Format("15:04")), sender, m.Content)
	if len(marks) > 0 {
		line += " " + styleMuted.Sprintf("(%s)", strings.Join(marks, ", "))
	}
	return line
}

// printer echoes the watched conversation as events land.
type printer struct {
	console *console
}

func (p *printer) Consume(ctx context.Context, e event.Event) error {
	switch payload := e.Payload.(type) {
	case event.NewMessage:
		if payload.Message.SenderID != p.console.self {
			p.console.out.println(p.console.render(payload.Message))
		}
	case event.MessageUpdated:
		content, _ := p.console.muted.Mask(payload.Content)
		p.console.out.println(styleMuted.Sprintf("%s edited: %s", payload.ID, content))
	case event.MessageDeleted:
		p.console.out.println(styleMuted.Sprintf("%s was deleted", payload.MessageID))
	}
	return nil
}
