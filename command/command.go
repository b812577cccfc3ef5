// Package command implements the user-facing command surface: parsing
// "!command" text from radio nodes, access control against the session
// layer, reply contexts, and paged responses.
package command

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/advbbs/advbbs/boardsync"
	"github.com/advbbs/advbbs/chunk"
	"github.com/advbbs/advbbs/mail"
	"github.com/advbbs/advbbs/rap"
	"github.com/advbbs/advbbs/ratelimit"
	"github.com/advbbs/advbbs/session"
	"github.com/advbbs/advbbs/store"
	"github.com/advbbs/advbbs/transport"
)

var log = logrus.WithField("prefix", "command")

// Access levels.
const (
	levelAlways = iota // no session needed
	levelAuth          // any logged-in user
	levelAdmin         // logged-in admin
)

// Reply-context windows: a bare (non-command) message inside the window
// continues the last mail read or board view.
const (
	mailReplyWindow = 5 * time.Minute
	boardPostWindow = 10 * time.Minute
)

type replyContext struct {
	kind    string // "mail" or "board"
	target  string // sender address or board name
	subject string
	expires time.Time
}

type handler func(ctx context.Context, req *request) string

type command struct {
	name    string
	aliases []string
	level   int
	usage   string
	help    string
	run     handler
}

// request carries one inbound command through its handler.
type request struct {
	nodeID  string
	session *session.Session // nil below levelAuth
	args    []string
	raw     string        // argument text with original spacing
	reply   *replyContext // context consumed by this command, if any
}

// Dispatcher routes inbound plain text to command handlers.
type Dispatcher struct {
	bbsName  string
	callsign string
	motd     string
	st       *store.Store
	sessions *session.Manager
	ring     *session.Ring
	mailer   *mail.Engine
	boards   *boardsync.Engine
	routes   *rap.Engine
	tr       transport.Transport
	limiter  *ratelimit.Limiter
	now      func() time.Time

	maxSyncedBoards int

	commands map[string]*command

	mu      sync.Mutex
	replies map[string]*replyContext // by node ID
}

type Config struct {
	BBSName         string
	Callsign        string
	MOTD            string
	MaxSyncedBoards int
}

func New(cfg Config, st *store.Store, sessions *session.Manager, ring *session.Ring,
	mailer *mail.Engine, boards *boardsync.Engine, routes *rap.Engine,
	tr transport.Transport, limiter *ratelimit.Limiter) *Dispatcher {

	d := &Dispatcher{
		bbsName:         cfg.BBSName,
		callsign:        strings.ToUpper(cfg.Callsign),
		motd:            cfg.MOTD,
		st:              st,
		sessions:        sessions,
		ring:            ring,
		mailer:          mailer,
		boards:          boards,
		routes:          routes,
		tr:              tr,
		limiter:         limiter,
		now:             time.Now,
		maxSyncedBoards: cfg.MaxSyncedBoards,
		commands:        make(map[string]*command),
		replies:         make(map[string]*replyContext),
	}
	d.register()
	return d
}

func (d *Dispatcher) register() {
	for _, c := range []*command{
		{name: "help", aliases: []string{"h", "?"}, level: levelAlways,
			help: "list commands", run: d.cmdHelp},
		{name: "register", level: levelAlways, usage: "!register <user> <password>",
			help: "create an account bound to this node", run: d.cmdRegister},
		{name: "login", aliases: []string{"l"}, level: levelAlways, usage: "!login <user> <password>",
			help: "log in from a bound node", run: d.cmdLogin},
		{name: "logout", aliases: []string{"quit", "q"}, level: levelAuth,
			help: "end this session", run: d.cmdLogout},
		{name: "whoami", level: levelAlways, help: "show session state", run: d.cmdWhoami},
		{name: "info", aliases: []string{"i"}, level: levelAlways,
			help: "about this BBS", run: d.cmdInfo},
		{name: "who", level: levelAuth, help: "who is logged in", run: d.cmdWho},
		{name: "nodes", aliases: []string{"n"}, level: levelAuth,
			help: "list your bound nodes", run: d.cmdNodes},
		{name: "passwd", level: levelAuth, usage: "!passwd <old> <new>",
			help: "change password", run: d.cmdPasswd},
		{name: "send", aliases: []string{"s"}, level: levelAuth, usage: "!send <user[@BBS]> <subject>|<body>",
			help: "send mail, remote via user@BBS", run: d.cmdSend},
		{name: "mail", aliases: []string{"m"}, level: levelAuth, usage: "!mail [unread]",
			help: "list your mail", run: d.cmdMail},
		{name: "read", aliases: []string{"r"}, level: levelAuth, usage: "!read [n]",
			help: "read a mail message", run: d.cmdRead},
		{name: "reply", level: levelAuth, usage: "!reply <text>",
			help: "reply to the last read mail", run: d.cmdReply},
		{name: "delete", aliases: []string{"d"}, level: levelAuth, usage: "!delete <n>",
			help: "delete a mail message", run: d.cmdDelete},
		{name: "sent", level: levelAuth, help: "list mail you sent", run: d.cmdSent},
		{name: "addnode", level: levelAuth, usage: "!addnode <nodeid>",
			help: "bind another node to your account", run: d.cmdAddNode},
		{name: "rmnode", level: levelAuth, usage: "!rmnode <nodeid>",
			help: "unbind a node", run: d.cmdRmNode},
		{name: "boards", aliases: []string{"b"}, level: levelAuth,
			help: "list boards", run: d.cmdBoards},
		{name: "board", level: levelAuth, usage: "!board <name> [n]",
			help: "show recent posts", run: d.cmdBoard},
		{name: "post", aliases: []string{"p"}, level: levelAuth, usage: "!post <board> <subject>|<body>",
			help: "post a bulletin", run: d.cmdPost},
		{name: "sync", level: levelAdmin, usage: "!sync <board>",
			help: "push a board to peers now", run: d.cmdSync},
		{name: "mkboard", level: levelAdmin, usage: "!mkboard <name> [public|restricted] [synced]",
			help: "create a board", run: d.cmdMkBoard},
		{name: "rmboard", level: levelAdmin, usage: "!rmboard <name>",
			help: "delete a board", run: d.cmdRmBoard},
		{name: "grant", level: levelAdmin, usage: "!grant <board> <user>",
			help: "grant restricted-board access", run: d.cmdGrant},
		{name: "revoke", level: levelAdmin, usage: "!revoke <board> <user>",
			help: "revoke restricted-board access", run: d.cmdRevoke},
		{name: "ban", level: levelAdmin, usage: "!ban <user> [reason]",
			help: "ban a user", run: d.cmdBan},
		{name: "unban", level: levelAdmin, usage: "!unban <user>",
			help: "lift a ban", run: d.cmdUnban},
		{name: "recover", level: levelAdmin, usage: "!recover <user>",
			help: "reset an account with a temp password", run: d.cmdRecover},
		{name: "users", level: levelAdmin, help: "list users", run: d.cmdUsers},
		{name: "addpeer", level: levelAdmin, usage: "!addpeer <nodeid> <callsign> [name]",
			help: "whitelist a peer BBS", run: d.cmdAddPeer},
		{name: "rmpeer", level: levelAdmin, usage: "!rmpeer <nodeid>",
			help: "remove a peer", run: d.cmdRmPeer},
		{name: "peers", level: levelAdmin, help: "list peers and health", run: d.cmdPeers},
		{name: "routes", level: levelAdmin, help: "list known routes", run: d.cmdRoutes},
		{name: "announce", level: levelAdmin, usage: "!announce <text>",
			help: "broadcast an announcement", run: d.cmdAnnounce},
	} {
		d.commands[c.name] = c
		for _, a := range c.aliases {
			d.commands[a] = c
		}
	}
}

// Handle processes one inbound plain-text message and sends the response
// back to the sender. Protocol frames never reach here.
func (d *Dispatcher) Handle(ctx context.Context, sender, text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	var response string
	if strings.HasPrefix(text, "!") {
		response = d.dispatch(ctx, sender, text[1:])
	} else {
		response = d.continueReply(ctx, sender, text)
	}
	if response != "" {
		d.respond(ctx, sender, response)
	}
}

func (d *Dispatcher) dispatch(ctx context.Context, sender, text string) string {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return ""
	}
	name := strings.ToLower(fields[0])
	cmd, ok := d.commands[name]
	if !ok {
		return fmt.Sprintf("Unknown command !%s. Try !help.", name)
	}

	log.WithFields(logrus.Fields{"node": sender, "command": cmd.name, "args": redactArgs(cmd.name, fields[1:])}).Info("command")

	req := &request{nodeID: sender, args: fields[1:]}
	if i := strings.IndexAny(text, " \t"); i >= 0 {
		req.raw = strings.TrimSpace(text[i+1:])
	}

	if cmd.level >= levelAuth {
		req.session = d.sessions.Get(sender)
		if req.session == nil {
			return "Not logged in. Use !login <user> <password>."
		}
		if cmd.level >= levelAdmin && !req.session.Admin {
			return "Admin only."
		}
		if req.session.MustChangePass && cmd.name != "passwd" && cmd.name != "logout" {
			return "You must change your password first: !passwd <old> <new>"
		}
	}

	// An explicit command supersedes the pending reply context; !reply
	// consumes it via req.reply.
	req.reply = d.takeReply(sender)

	return cmd.run(ctx, req)
}

// continueReply handles bare text: inside a live reply window it becomes a
// mail reply or a board post.
func (d *Dispatcher) continueReply(ctx context.Context, sender, text string) string {
	d.mu.Lock()
	rc := d.replies[sender]
	if rc != nil && d.now().After(rc.expires) {
		delete(d.replies, sender)
		rc = nil
	}
	d.mu.Unlock()
	if rc == nil {
		return "" // unaddressed chatter is ignored
	}
	sess := d.sessions.Get(sender)
	if sess == nil {
		d.clearReply(sender)
		return ""
	}
	switch rc.kind {
	case "mail":
		return d.sendMail(ctx, sess, rc.target, reSubject(rc.subject), text)
	case "board":
		return d.postToBoard(sess, rc.target, reSubject(rc.subject), text)
	}
	return ""
}

func (d *Dispatcher) setReply(nodeID, kind, target, subject string, window time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.replies[nodeID] = &replyContext{
		kind: kind, target: target, subject: subject,
		expires: d.now().Add(window),
	}
}

func (d *Dispatcher) clearReply(nodeID string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.replies, nodeID)
}

// takeReply removes and returns the node's live reply context, nil if none
// or expired.
func (d *Dispatcher) takeReply(nodeID string) *replyContext {
	d.mu.Lock()
	defer d.mu.Unlock()
	rc := d.replies[nodeID]
	delete(d.replies, nodeID)
	if rc != nil && d.now().After(rc.expires) {
		return nil
	}
	return rc
}

// respond chunks and paces a response back to the sender.
func (d *Dispatcher) respond(ctx context.Context, nodeID, text string) {
	parts, err := chunk.Split(text, chunk.DefaultContentSize, 0)
	if err != nil {
		log.WithError(err).Error("splitting response")
		return
	}
	for _, part := range parts {
		if err := d.limiter.Wait(ctx, ratelimit.ClassUnicast); err != nil {
			return
		}
		if err := d.tr.SendUnicast(ctx, nodeID, part); err != nil {
			log.WithError(err).WithField("node", nodeID).Warn("response send failed")
			return
		}
	}
}

// NotifyUser sends a line to every node with a live session for the user,
// falling back to the primary binding when none is live.
func (d *Dispatcher) NotifyUser(ctx context.Context, user, text string) {
	nodes := d.sessions.SessionsFor(user)
	if len(nodes) == 0 {
		bindings, err := d.st.UserBindings(user)
		if err != nil {
			return
		}
		for _, b := range bindings {
			if b.Primary {
				nodes = append(nodes, b.NodeID)
			}
		}
	}
	for _, nodeID := range nodes {
		d.respond(ctx, nodeID, text)
	}
}

func (d *Dispatcher) cmdHelp(_ context.Context, req *request) string {
	sess := d.sessions.Get(req.nodeID)
	level := levelAlways
	if sess != nil {
		level = levelAuth
		if sess.Admin {
			level = levelAdmin
		}
	}
	seen := make(map[string]bool)
	var names []string
	for _, c := range d.commands {
		if c.level > level || seen[c.name] {
			continue
		}
		seen[c.name] = true
		names = append(names, "!"+c.name)
	}
	sort.Strings(names)
	return d.bbsName + " commands: " + strings.Join(names, " ")
}

// redactArgs keeps credentials out of the log stream.
func redactArgs(cmd string, args []string) []string {
	switch cmd {
	case "login", "register", "passwd":
		out := make([]string, len(args))
		for i := range args {
			out[i] = "***"
		}
		if cmd != "passwd" && len(out) > 0 {
			out[0] = args[0] // username is not a secret
		}
		return out
	}
	return args
}

func reSubject(subject string) string {
	if strings.HasPrefix(strings.ToLower(subject), "re:") {
		return subject
	}
	return "Re: " + subject
}
