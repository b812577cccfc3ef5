package command

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/advbbs/advbbs/keyring"
	"github.com/advbbs/advbbs/mail"
	"github.com/advbbs/advbbs/session"
	"github.com/advbbs/advbbs/store"
)

func (d *Dispatcher) cmdRegister(_ context.Context, req *request) string {
	if len(req.args) < 2 {
		return "Usage: !register <user> <password>"
	}
	s, err := d.sessions.Register(req.nodeID, req.args[0], req.args[1])
	switch {
	case errors.Is(err, session.ErrBadUsername),
		errors.Is(err, session.ErrWeakPassword),
		errors.Is(err, session.ErrRegistrationClosed):
		return err.Error()
	case err != nil:
		return "Registration failed: that name may be taken."
	}
	greeting := fmt.Sprintf("Welcome to %s, %s. You are logged in.", d.bbsName, s.User)
	if s.Admin {
		greeting += " You are the first user and have admin rights."
	}
	return greeting
}

func (d *Dispatcher) cmdLogin(_ context.Context, req *request) string {
	if len(req.args) < 2 {
		return "Usage: !login <user> <password>"
	}
	s, err := d.sessions.Login(req.nodeID, req.args[0], req.args[1])
	switch {
	case errors.Is(err, session.ErrLockedOut):
		return "Account temporarily locked. Try again later."
	case errors.Is(err, session.ErrBanned):
		return "This account is banned."
	case errors.Is(err, session.ErrNotBound):
		return "This node is not bound to that account. Use !addnode from a bound node."
	case err != nil:
		return "Login failed."
	}
	unread, _ := d.st.CountUnreadMail(s.User)
	resp := fmt.Sprintf("Hello %s.", s.User)
	if s.MustChangePass {
		resp += " You must change your password: !passwd <old> <new>"
	} else if unread > 0 {
		resp += fmt.Sprintf(" You have %d unread message(s). Use !mail.", unread)
	}
	return resp
}

func (d *Dispatcher) cmdLogout(_ context.Context, req *request) string {
	d.sessions.Logout(req.nodeID)
	return "Logged out. 73!"
}

func (d *Dispatcher) cmdWhoami(_ context.Context, req *request) string {
	s := d.sessions.Get(req.nodeID)
	if s == nil {
		return fmt.Sprintf("Not logged in. Node %s on %s.", req.nodeID, d.bbsName)
	}
	role := "user"
	if s.Admin {
		role = "admin"
	}
	return fmt.Sprintf("%s (%s) on %s, node %s.", s.User, role, d.bbsName, req.nodeID)
}

func (d *Dispatcher) cmdPasswd(_ context.Context, req *request) string {
	if len(req.args) < 2 {
		return "Usage: !passwd <old> <new>"
	}
	err := d.sessions.ChangePassword(req.session.User, req.args[0], req.args[1])
	switch {
	case errors.Is(err, session.ErrWeakPassword):
		return err.Error()
	case err != nil:
		return "Password change failed: old password incorrect."
	}
	return "Password changed."
}

func (d *Dispatcher) cmdSend(ctx context.Context, req *request) string {
	to, subject, body, errMsg := parseCompose(req.raw, "!send <user[@BBS]> <subject>|<body>")
	if errMsg != "" {
		return errMsg
	}
	return d.sendMail(ctx, req.session, to, subject, body)
}

// sendMail routes mail locally or hands it to the federation spool.
func (d *Dispatcher) sendMail(ctx context.Context, sess *session.Session, to, subject, body string) string {
	id := uuid.NewString()
	if user, bbs, err := mail.SplitAddr(to); err == nil && !strings.EqualFold(bbs, d.callsign) {
		if err := d.mailer.QueueRemote(id, sess.User, to, subject, body); err != nil {
			if errors.Is(err, mail.ErrTooLong) {
				return "Message too long for a federated transfer."
			}
			return "Could not queue mail: " + err.Error()
		}
		return fmt.Sprintf("Mail to %s@%s queued for delivery.", strings.ToLower(user), strings.ToUpper(bbs))
	}

	local := to
	if user, _, err := mail.SplitAddr(to); err == nil {
		local = user
	}
	local = strings.ToLower(local)
	if _, err := d.st.GetUser(local); err != nil {
		return fmt.Sprintf("No such user %q here.", local)
	}
	key, err := d.ring.UserKey(local)
	if err != nil {
		return "Could not seal mail."
	}
	created := d.now().UnixMicro()
	subjectEnc, err := keyring.Seal([]byte(subject), key, id, created)
	if err != nil {
		return "Could not seal mail."
	}
	bodyEnc, err := keyring.Seal([]byte(body), key, id, created)
	if err != nil {
		return "Could not seal mail."
	}
	err = d.st.InsertMessage(&store.Message{
		UUID: id, Kind: store.KindMail, OriginBBS: d.callsign,
		Sender: sess.User, Recipient: local,
		SubjectEnc: subjectEnc, BodyEnc: bodyEnc,
		CreatedMicros: created, DeliveredMicros: created,
	})
	if err != nil {
		return "Could not store mail."
	}
	d.NotifyUser(ctx, local, fmt.Sprintf("New mail from %s. Use !mail.", sess.User))
	return fmt.Sprintf("Mail delivered to %s.", local)
}

func (d *Dispatcher) cmdMail(_ context.Context, req *request) string {
	unreadOnly := len(req.args) > 0 && strings.EqualFold(req.args[0], "unread")
	msgs, err := d.st.MailForUser(req.session.User, unreadOnly, 0)
	if err != nil {
		return "Could not list mail."
	}
	if len(msgs) == 0 {
		return "No mail."
	}
	key, err := d.ring.UserKey(req.session.User)
	if err != nil {
		return "Could not unseal mail."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d message(s):", len(msgs))
	for i, m := range msgs {
		subject, err := keyring.Open(m.SubjectEnc, key, m.UUID, m.CreatedMicros)
		if err != nil {
			subject = []byte("(unreadable)")
		}
		marker := " "
		if m.ReadMicros == 0 {
			marker = "*"
		}
		fmt.Fprintf(&sb, "\n%s%d. %s: %s", marker, i+1, m.Sender, subject)
	}
	return sb.String()
}

func (d *Dispatcher) cmdRead(_ context.Context, req *request) string {
	n := 1
	if len(req.args) > 0 {
		var err error
		if n, err = strconv.Atoi(req.args[0]); err != nil || n < 1 {
			return "Usage: !read [n]"
		}
	}
	msgs, err := d.st.MailForUser(req.session.User, false, 0)
	if err != nil || n > len(msgs) {
		return fmt.Sprintf("No message %d.", n)
	}
	m := msgs[n-1]
	key, err := d.ring.UserKey(req.session.User)
	if err != nil {
		return "Could not unseal mail."
	}
	subject, err := keyring.Open(m.SubjectEnc, key, m.UUID, m.CreatedMicros)
	if err != nil {
		return "Message failed authentication and cannot be shown."
	}
	body, err := keyring.Open(m.BodyEnc, key, m.UUID, m.CreatedMicros)
	if err != nil {
		return "Message failed authentication and cannot be shown."
	}
	d.st.UpdateMessage(m.UUID, func(m *store.Message) {
		if m.ReadMicros == 0 {
			m.ReadMicros = d.now().UnixMicro()
		}
	})
	// A bare message within the window replies to this sender.
	d.setReply(req.nodeID, "mail", m.Sender, string(subject), mailReplyWindow)
	when := time.UnixMicro(m.CreatedMicros).UTC().Format("Jan 2 15:04")
	return fmt.Sprintf("From %s (%s)\nSubj: %s\n%s\n(reply within %d min by just typing)",
		m.Sender, when, subject, body, int(mailReplyWindow.Minutes()))
}

func (d *Dispatcher) cmdReply(ctx context.Context, req *request) string {
	if req.raw == "" {
		return "Usage: !reply <text>"
	}
	if req.reply == nil || req.reply.kind != "mail" {
		return "Nothing to reply to. Use !read first."
	}
	return d.sendMail(ctx, req.session, req.reply.target, reSubject(req.reply.subject), req.raw)
}

func (d *Dispatcher) cmdInfo(_ context.Context, req *request) string {
	users, _ := d.st.ListUsers()
	boards, _ := d.st.ListBoards()
	peers, _ := d.st.ListPeers()
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s (%s)", d.bbsName, d.callsign)
	if d.motd != "" {
		sb.WriteString("\n" + d.motd)
	}
	fmt.Fprintf(&sb, "\n%d user(s), %d board(s), %d peer BBS(s).", len(users), len(boards), len(peers))
	return sb.String()
}

func (d *Dispatcher) cmdWho(_ context.Context, req *request) string {
	names := d.sessions.ActiveUsers()
	if len(names) == 0 {
		return "Nobody else is logged in."
	}
	return fmt.Sprintf("Logged in: %s", strings.Join(names, ", "))
}

func (d *Dispatcher) cmdNodes(_ context.Context, req *request) string {
	bindings, err := d.st.UserBindings(req.session.User)
	if err != nil || len(bindings) == 0 {
		return "No bound nodes."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d bound node(s):", len(bindings))
	for _, b := range bindings {
		primary := ""
		if b.Primary {
			primary = " [primary]"
		}
		fmt.Fprintf(&sb, "\n%s%s", b.NodeID, primary)
	}
	return sb.String()
}

func (d *Dispatcher) cmdDelete(_ context.Context, req *request) string {
	if len(req.args) < 1 {
		return "Usage: !delete <n>"
	}
	n, err := strconv.Atoi(req.args[0])
	if err != nil || n < 1 {
		return "Usage: !delete <n>"
	}
	msgs, err := d.st.MailForUser(req.session.User, false, 0)
	if err != nil || n > len(msgs) {
		return fmt.Sprintf("No message %d.", n)
	}
	if err := d.st.DeleteMessage(msgs[n-1].UUID); err != nil {
		return "Could not delete message."
	}
	return fmt.Sprintf("Message %d deleted.", n)
}

func (d *Dispatcher) cmdSent(_ context.Context, req *request) string {
	msgs, err := d.st.MailSentBy(req.session.User, 0)
	if err != nil {
		return "Could not list sent mail."
	}
	if len(msgs) == 0 {
		return "No sent mail."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%d sent:", len(msgs))
	for _, m := range msgs {
		glyph := "+"
		to := m.Recipient
		switch {
		case m.RemoteAddr != "":
			to = m.RemoteAddr
			switch m.DeliveryStatus {
			case store.DeliveryDelivered:
				glyph = "+"
			case store.DeliveryFailed:
				glyph = "!"
			default:
				glyph = "~"
			}
		case m.DeliveredMicros == 0:
			glyph = "~"
		}
		fmt.Fprintf(&sb, "\n%s %s", glyph, to)
		if m.FailReason != "" {
			fmt.Fprintf(&sb, " (%s)", m.FailReason)
		}
	}
	return sb.String()
}

func (d *Dispatcher) cmdAddNode(_ context.Context, req *request) string {
	if len(req.args) < 1 {
		return "Usage: !addnode <nodeid>"
	}
	if err := d.st.AddBinding(req.session.User, req.args[0]); err != nil {
		return "Could not bind node."
	}
	return fmt.Sprintf("Node %s bound to %s.", req.args[0], req.session.User)
}

func (d *Dispatcher) cmdRmNode(_ context.Context, req *request) string {
	if len(req.args) < 1 {
		return "Usage: !rmnode <nodeid>"
	}
	err := d.st.RemoveBinding(req.session.User, req.args[0])
	switch {
	case errors.Is(err, store.ErrLastBinding):
		return "Cannot remove your last bound node."
	case err != nil:
		return "Could not unbind node."
	}
	return fmt.Sprintf("Node %s unbound.", req.args[0])
}

func (d *Dispatcher) cmdBoards(_ context.Context, req *request) string {
	boards, err := d.st.ListBoards()
	if err != nil {
		return "Could not list boards."
	}
	if len(boards) == 0 {
		return "No boards."
	}
	var sb strings.Builder
	sb.WriteString("Boards:")
	for _, b := range boards {
		if !d.canReadBoard(req.session, b) {
			continue
		}
		flags := ""
		if b.Type == store.BoardRestricted {
			flags += " [restricted]"
		}
		if b.Synced {
			flags += " [synced]"
		}
		fmt.Fprintf(&sb, "\n%s%s", b.Name, flags)
	}
	return sb.String()
}

func (d *Dispatcher) cmdBoard(_ context.Context, req *request) string {
	if len(req.args) < 1 {
		return "Usage: !board <name> [n]"
	}
	name := strings.ToLower(req.args[0])
	b, err := d.st.GetBoard(name)
	if err != nil {
		return fmt.Sprintf("No board %q.", name)
	}
	if !d.canReadBoard(req.session, b) {
		return "You do not have access to that board."
	}
	limit := 5
	if len(req.args) > 1 {
		if v, err := strconv.Atoi(req.args[1]); err == nil && v > 0 {
			limit = v
		}
	}
	posts, err := d.st.BoardPosts(name, 0, 0)
	if err != nil {
		return "Could not read board."
	}
	if len(posts) == 0 {
		return fmt.Sprintf("Board %s is empty.", name)
	}
	if len(posts) > limit {
		posts = posts[len(posts)-limit:]
	}
	key, err := d.ring.BoardKey(name)
	if err != nil {
		return "Could not unseal board."
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s, last %d post(s):", name, len(posts))
	for _, p := range posts {
		subject, err := keyring.Open(p.SubjectEnc, key, p.UUID, p.CreatedMicros)
		if err != nil {
			subject = []byte("(unreadable)")
		}
		body, err := keyring.Open(p.BodyEnc, key, p.UUID, p.CreatedMicros)
		if err != nil {
			body = []byte("(unreadable)")
		}
		fmt.Fprintf(&sb, "\n%s: %s - %s", p.Author, subject, body)
	}
	// A bare message within the window posts here.
	d.setReply(req.nodeID, "board", name, "", boardPostWindow)
	return sb.String()
}

func (d *Dispatcher) cmdPost(_ context.Context, req *request) string {
	board, subject, body, errMsg := parseCompose(req.raw, "!post <board> <subject>|<body>")
	if errMsg != "" {
		return errMsg
	}
	return d.postToBoard(req.session, board, subject, body)
}

func (d *Dispatcher) postToBoard(sess *session.Session, board, subject, body string) string {
	name := strings.ToLower(board)
	b, err := d.st.GetBoard(name)
	if err != nil {
		return fmt.Sprintf("No board %q.", name)
	}
	if !d.canReadBoard(sess, b) {
		return "You do not have access to that board."
	}
	key, err := d.ring.BoardKey(name)
	if err != nil {
		return "Could not seal post."
	}
	id := uuid.NewString()
	created := d.now().UnixMicro()
	subjectEnc, err := keyring.Seal([]byte(subject), key, id, created)
	if err != nil {
		return "Could not seal post."
	}
	bodyEnc, err := keyring.Seal([]byte(body), key, id, created)
	if err != nil {
		return "Could not seal post."
	}
	err = d.st.InsertMessage(&store.Message{
		UUID: id, Kind: store.KindBulletin, OriginBBS: d.callsign,
		Board: name, Author: sess.User,
		SubjectEnc: subjectEnc, BodyEnc: bodyEnc, CreatedMicros: created,
	})
	if err != nil {
		return "Could not store post."
	}
	if b.Synced {
		b.PendingCount++
		if err := d.st.PutBoard(b); err != nil {
			log.WithError(err).Error("bumping board backlog")
		}
	}
	return fmt.Sprintf("Posted to %s.", name)
}

// canReadBoard: public boards are open to any user; restricted boards need
// a key grant or admin.
func (d *Dispatcher) canReadBoard(sess *session.Session, b *store.Board) bool {
	if b.Type != store.BoardRestricted {
		return true
	}
	if sess == nil {
		return false
	}
	if sess.Admin {
		return true
	}
	_, err := d.st.BoardAccessKey(b.Name, sess.User)
	return err == nil
}

// parseCompose splits "<target> <subject>|<body>" argument text.
func parseCompose(raw, usage string) (target, subject, body, errMsg string) {
	i := strings.IndexAny(raw, " \t")
	if i < 0 {
		return "", "", "", "Usage: " + usage
	}
	target = raw[:i]
	rest := strings.TrimSpace(raw[i+1:])
	if rest == "" {
		return "", "", "", "Usage: " + usage
	}
	if j := strings.IndexByte(rest, '|'); j >= 0 {
		subject = strings.TrimSpace(rest[:j])
		body = strings.TrimSpace(rest[j+1:])
	} else {
		subject = "(no subject)"
		body = rest
	}
	if body == "" {
		return "", "", "", "Usage: " + usage
	}
	return target, subject, body, ""
}
